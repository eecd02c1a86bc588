package marketplace

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

// FlipkartAdapter pushes inventory to the Flipkart seller inventory endpoint.
// Credentials: access_token, location_id.
type FlipkartAdapter struct {
	baseURL string
	client  *http.Client
}

// NewFlipkartAdapter creates an adapter for baseURL
func NewFlipkartAdapter(baseURL string, client *http.Client) *FlipkartAdapter {
	return &FlipkartAdapter{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (f *FlipkartAdapter) Name() string { return "flipkart" }

type flipkartInventoryRequest struct {
	LocationID string `json:"location_id"`
	Items      []Item `json:"items"`
}

type flipkartInventoryResponse struct {
	Items []struct {
		ProductID int64  `json:"product_id"`
		Success   bool   `json:"success"`
		Error     string `json:"error"`
	} `json:"items"`
}

func (f *FlipkartAdapter) Push(ctx context.Context, items []Item, credentials map[string]string) (*Result, error) {
	if err := requireCredentials(credentials, "access_token", "location_id"); err != nil {
		return nil, err
	}

	body := flipkartInventoryRequest{LocationID: credentials["location_id"], Items: items}
	headers := map[string]string{"Authorization": "Bearer " + credentials["access_token"]}

	var resp flipkartInventoryResponse
	if err := postJSON(ctx, f.client, f.baseURL+"/inventory/update", headers, body, &resp); err != nil {
		return nil, fmt.Errorf("flipkart: %w", err)
	}

	failures := make(map[int64]string, len(resp.Items))
	for _, r := range resp.Items {
		if r.Success {
			failures[r.ProductID] = ""
		} else if r.Error != "" {
			failures[r.ProductID] = r.Error
		} else {
			failures[r.ProductID] = "rejected"
		}
	}

	result := &Result{}
	for _, item := range items {
		msg, seen := failures[item.ProductID]
		switch {
		case !seen:
			result.Failed = append(result.Failed, ItemError{ProductID: item.ProductID, Error: "no result returned"})
		case msg != "":
			result.Failed = append(result.Failed, ItemError{ProductID: item.ProductID, Error: msg})
		default:
			result.Synced = append(result.Synced, item.ProductID)
		}
	}
	return result, nil
}

package marketplace

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// AmazonAdapter pushes inventory to the Amazon listings inventory endpoint.
// Credentials: api_key, seller_id. Products are listed under their id as SKU.
type AmazonAdapter struct {
	baseURL string
	client  *http.Client
}

// NewAmazonAdapter creates an adapter for baseURL
func NewAmazonAdapter(baseURL string, client *http.Client) *AmazonAdapter {
	return &AmazonAdapter{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (a *AmazonAdapter) Name() string { return "amazon" }

type amazonInventoryRequest struct {
	SellerID string                `json:"seller_id"`
	Items    []amazonInventoryItem `json:"items"`
}

type amazonInventoryItem struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

type amazonInventoryResponse struct {
	Results []struct {
		SKU     string `json:"sku"`
		Status  string `json:"status"`
		Message string `json:"message"`
	} `json:"results"`
}

func (a *AmazonAdapter) Push(ctx context.Context, items []Item, credentials map[string]string) (*Result, error) {
	if err := requireCredentials(credentials, "api_key", "seller_id"); err != nil {
		return nil, err
	}

	body := amazonInventoryRequest{SellerID: credentials["seller_id"]}
	for _, item := range items {
		body.Items = append(body.Items, amazonInventoryItem{
			SKU:      strconv.FormatInt(item.ProductID, 10),
			Quantity: item.Quantity,
		})
	}

	var resp amazonInventoryResponse
	headers := map[string]string{"x-api-key": credentials["api_key"]}
	if err := postJSON(ctx, a.client, a.baseURL+"/listings/inventory", headers, body, &resp); err != nil {
		return nil, fmt.Errorf("amazon: %w", err)
	}

	accepted := make(map[string]bool, len(resp.Results))
	messages := make(map[string]string, len(resp.Results))
	for _, r := range resp.Results {
		accepted[r.SKU] = r.Status == "ACCEPTED"
		messages[r.SKU] = r.Message
	}

	result := &Result{}
	for _, item := range items {
		sku := strconv.FormatInt(item.ProductID, 10)
		switch ok, seen := accepted[sku]; {
		case ok:
			result.Synced = append(result.Synced, item.ProductID)
		case !seen:
			result.Failed = append(result.Failed, ItemError{ProductID: item.ProductID, Error: "no result returned"})
		default:
			msg := messages[sku]
			if msg == "" {
				msg = "rejected"
			}
			result.Failed = append(result.Failed, ItemError{ProductID: item.ProductID, Error: msg})
		}
	}
	return result, nil
}

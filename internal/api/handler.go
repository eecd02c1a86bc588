package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"channel-inventory/internal/models"
	"channel-inventory/internal/service"
	"channel-inventory/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Pinger is a dependency checked by the readiness probe
type Pinger interface {
	Ping(ctx context.Context) error
}

// Services groups the operations exposed over HTTP
type Services struct {
	Availability  *service.AvailabilityService
	Reservations  *service.ReservationService
	Allocations   *service.AllocationService
	Replenishment *service.ReplenishmentService
	Sync          *service.SyncService
}

// Handler contains HTTP handlers
type Handler struct {
	availability  *service.AvailabilityService
	reservations  *service.ReservationService
	allocations   *service.AllocationService
	replenishment *service.ReplenishmentService
	sync          *service.SyncService
	dependencies  map[string]Pinger
}

// NewHandler creates a new HTTP handler. dependencies are pinged by /ready.
func NewHandler(services Services, dependencies map[string]Pinger) *Handler {
	return &Handler{
		availability:  services.Availability,
		reservations:  services.Reservations,
		allocations:   services.Allocations,
		replenishment: services.Replenishment,
		sync:          services.Sync,
		dependencies:  dependencies,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/availability/:channel/:product", h.getAvailability)
		v1.POST("/availability/:channel/bulk", h.bulkAvailability)

		v1.POST("/reservations", h.createReservation)
		v1.GET("/reservations/:id", h.getReservation)
		v1.POST("/reservations/:id/confirm", h.confirmReservation)
		v1.POST("/reservations/:id/release", h.releaseReservation)

		v1.POST("/allocations", h.allocate)
		v1.POST("/allocations/deallocate", h.deallocate)
		v1.POST("/allocations/fulfill", h.fulfill)
		v1.POST("/allocations/deactivate", h.deactivate)
		v1.PUT("/allocations/settings", h.updateSettings)

		v1.GET("/pool/:warehouse/:product", h.getPool)
		v1.PUT("/pool/:warehouse/:product", h.setPool)

		v1.POST("/replenish", h.replenish)
		v1.POST("/channels/:code/sync", h.syncChannel)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failures := gin.H{}
	for name, dep := range h.dependencies {
		if err := dep.Ping(ctx); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "not ready",
			"failures": failures,
			"time":     time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

func (h *Handler) getAvailability(c *gin.Context) {
	productID, ok := parseIDParam(c, "product")
	if !ok {
		return
	}

	var warehouseID *int64
	if raw := c.Query("warehouse_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid warehouse_id"})
			return
		}
		warehouseID = &id
	}

	av, err := h.availability.Get(c.Request.Context(), c.Param("channel"), productID, warehouseID)
	if err != nil {
		respondError(c, "Failed to get availability", err)
		return
	}
	c.JSON(http.StatusOK, av)
}

func (h *Handler) bulkAvailability(c *gin.Context) {
	var req service.BulkRequest
	if !bindJSON(c, &req) {
		return
	}

	items, err := h.availability.Bulk(c.Request.Context(), c.Param("channel"), req.ProductIDs)
	if err != nil {
		respondError(c, "Failed to get availability", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// createReservation handles checkout holds. A shortage answers 409 with every short item.
func (h *Handler) createReservation(c *gin.Context) {
	var req service.CreateReservationRequest
	if !bindJSON(c, &req) {
		return
	}

	resp, err := h.reservations.Create(c.Request.Context(), &req)
	if err != nil {
		respondError(c, "Failed to create reservation", err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (h *Handler) getReservation(c *gin.Context) {
	res, err := h.reservations.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, "Failed to get reservation", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type confirmRequest struct {
	OrderID string `json:"order_id" binding:"required"`
}

func (h *Handler) confirmReservation(c *gin.Context) {
	var req confirmRequest
	if !bindJSON(c, &req) {
		return
	}

	id := c.Param("id")
	lines, err := h.reservations.Confirm(c.Request.Context(), id, req.OrderID)
	if err != nil {
		c.JSON(statusFor(err), gin.H{
			"confirmed":      false,
			"reservation_id": id,
			"error":          err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"confirmed":      true,
		"reservation_id": id,
		"order_id":       req.OrderID,
		"lines":          lines,
	})
}

func (h *Handler) releaseReservation(c *gin.Context) {
	id := c.Param("id")
	if err := h.reservations.Release(c.Request.Context(), id); err != nil {
		c.JSON(statusFor(err), gin.H{
			"released":       false,
			"reservation_id": id,
			"error":          err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"released": true, "reservation_id": id})
}

func (h *Handler) allocate(c *gin.Context) {
	var req service.AllocateRequest
	if !bindJSON(c, &req) {
		return
	}

	row, err := h.allocations.Allocate(c.Request.Context(), &req)
	if err != nil {
		respondError(c, "Failed to allocate", err)
		return
	}
	c.JSON(http.StatusOK, row)
}

func (h *Handler) deallocate(c *gin.Context) {
	h.changeAllocation(c, "Failed to deallocate", h.allocations.Deallocate)
}

func (h *Handler) fulfill(c *gin.Context) {
	h.changeAllocation(c, "Failed to fulfill", h.allocations.Fulfill)
}

func (h *Handler) deactivate(c *gin.Context) {
	h.changeAllocation(c, "Failed to deactivate allocation", h.allocations.Deactivate)
}

func (h *Handler) changeAllocation(c *gin.Context, message string, fn func(context.Context, *service.AllocationChangeRequest) (*models.ChannelAllocation, error)) {
	var req service.AllocationChangeRequest
	if !bindJSON(c, &req) {
		return
	}

	row, err := fn(c.Request.Context(), &req)
	if err != nil {
		respondError(c, message, err)
		return
	}
	c.JSON(http.StatusOK, row)
}

func (h *Handler) updateSettings(c *gin.Context) {
	var req service.SettingsRequest
	if !bindJSON(c, &req) {
		return
	}

	row, err := h.allocations.UpdateSettings(c.Request.Context(), &req)
	if err != nil {
		respondError(c, "Failed to update settings", err)
		return
	}
	c.JSON(http.StatusOK, row)
}

func (h *Handler) getPool(c *gin.Context) {
	warehouseID, ok := parseIDParam(c, "warehouse")
	if !ok {
		return
	}
	productID, ok := parseIDParam(c, "product")
	if !ok {
		return
	}

	entry, err := h.allocations.GetPool(c.Request.Context(), warehouseID, productID)
	if err != nil {
		respondError(c, "Failed to get pool", err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

type setPoolRequest struct {
	OnHandQuantity *int `json:"on_hand_quantity" binding:"required,min=0"`
}

func (h *Handler) setPool(c *gin.Context) {
	warehouseID, ok := parseIDParam(c, "warehouse")
	if !ok {
		return
	}
	productID, ok := parseIDParam(c, "product")
	if !ok {
		return
	}
	var req setPoolRequest
	if !bindJSON(c, &req) {
		return
	}

	entry, err := h.allocations.SetPool(c.Request.Context(), warehouseID, productID, *req.OnHandQuantity)
	if err != nil {
		respondError(c, "Failed to set pool", err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (h *Handler) replenish(c *gin.Context) {
	var req service.ReplenishRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.replenishment.CheckAndReplenish(c.Request.Context(), &req)
	if err != nil {
		respondError(c, "Failed to replenish", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) syncChannel(c *gin.Context) {
	report, err := h.sync.SyncChannel(c.Request.Context(), c.Param("code"))
	if err != nil {
		if report != nil {
			c.JSON(statusFor(err), gin.H{
				"error":   "Marketplace sync failed",
				"details": err.Error(),
				"report":  report,
			})
			return
		}
		respondError(c, "Marketplace sync failed", err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidQuantity):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrChannelNotFound),
		errors.Is(err, models.ErrAllocationNotFound),
		errors.Is(err, models.ErrReservationNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInsufficientChannelStock),
		errors.Is(err, models.ErrInsufficientPoolStock),
		errors.Is(err, models.ErrExceedsDeallocatable),
		errors.Is(err, models.ErrReservationNotActive),
		errors.Is(err, models.ErrAllocationHasReservations),
		errors.Is(err, models.ErrPoolBelowAllocated):
		return http.StatusConflict
	case errors.Is(err, models.ErrAdapterSyncFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, message string, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		util.LoggerWithContext(c.Request.Context()).Error(message,
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}

	body := gin.H{
		"error":   message,
		"details": err.Error(),
	}
	var shortage *service.ShortageError
	if errors.As(err, &shortage) {
		body["reserved_items"] = []models.ReservationItem{}
		body["failed_items"] = shortage.Items
	}
	c.JSON(status, body)
}

func bindJSON(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return false
	}
	return true
}

func parseIDParam(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid " + name + " ID",
		})
		return 0, false
	}
	return id, true
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}

package queue

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/ordersync/pkg/response"
)

// GinHandlers exposes read-only views of the order table for operators
type GinHandlers struct {
	db *Database
}

// NewGinHandlers creates the order inspection handlers
func NewGinHandlers(db *Database) *GinHandlers {
	return &GinHandlers{db: db}
}

// ListOrdersHandler handles GET requests listing the orders of one trading day
// Query parameter: date (YYYY-MM-DD, defaults to today)
func (h *GinHandlers) ListOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		day := time.Now()
		if raw := c.Query("date"); raw != "" {
			parsed, err := time.ParseInLocation(time.DateOnly, raw, h.db.Location())
			if err != nil {
				response.BadRequest(c, "date must be formatted as YYYY-MM-DD")
				return
			}
			day = parsed
		}

		orders, err := h.db.ListOrders(c.Request.Context(), day)
		response.Handle(c, orders, err)
	}
}

// GetOrderHandler handles GET requests for a single order
// URL parameter: order_id
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := c.Param("order_id")
		if orderID == "" {
			response.BadRequest(c, "Order ID is required")
			return
		}

		order, err := h.db.GetOrder(c.Request.Context(), orderID)
		response.Handle(c, order, err)
	}
}

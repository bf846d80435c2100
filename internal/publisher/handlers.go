package publisher

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/ksred/ordersync/internal/types"
	"github.com/ksred/ordersync/pkg/response"
	"github.com/shopspring/decimal"
)

// HoldingsSource reports the account's current positions.
type HoldingsSource interface {
	Positions(ctx context.Context, accountID string) ([]types.Position, error)
}

// PublishRequest carries either an explicit batch or a target list to
// rebalance towards.
type PublishRequest struct {
	Orders    []types.OrderDraft         `json:"orders"`
	Targets   []string                   `json:"targets"`
	Protected []string                   `json:"protected"`
	Prices    map[string]decimal.Decimal `json:"prices"`
}

type GinHandlers struct {
	publisher *Publisher
	holdings  HoldingsSource
	accountID string
}

func NewGinHandlers(publisher *Publisher, holdings HoldingsSource, accountID string) *GinHandlers {
	return &GinHandlers{
		publisher: publisher,
		holdings:  holdings,
		accountID: accountID,
	}
}

// PublishHandler handles POST requests replacing today's batch
func (h *GinHandlers) PublishHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req PublishRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		drafts := req.Orders
		if len(req.Targets) > 0 {
			if len(req.Orders) > 0 {
				response.BadRequest(c, "send either orders or targets, not both")
				return
			}
			holdings, err := h.holdings.Positions(c.Request.Context(), h.accountID)
			if err != nil {
				response.Handle(c, nil, err)
				return
			}
			drafts = BuildRebalance(RebalancePlan{
				Targets:   req.Targets,
				Holdings:  holdings,
				Protected: req.Protected,
				Prices:    req.Prices,
			})
		}

		result, err := h.publisher.Publish(c.Request.Context(), drafts)
		response.Handle(c, result, err)
	}
}

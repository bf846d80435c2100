package publisher

import (
	"sort"

	"github.com/ksred/ordersync/internal/codes"
	"github.com/ksred/ordersync/internal/types"
	"github.com/shopspring/decimal"
)

// RebalancePlan is the input of BuildRebalance. Codes may be in any form;
// they are compared after normalization.
type RebalancePlan struct {
	Targets   []string         // instruments the account should hold
	Holdings  []types.Position // what it holds now
	Protected []string         // held instruments never sold, e.g. limit-up names
	Prices    map[string]decimal.Decimal
}

// BuildRebalance turns a target list into drafts: a full-size SELL for
// every held instrument outside the targets, then an unsized BUY (quantity
// 0) for every target not yet held. Sells are ordered by code, buys keep
// target order.
func BuildRebalance(plan RebalancePlan) []types.OrderDraft {
	targets := make(map[string]bool, len(plan.Targets))
	for _, code := range plan.Targets {
		targets[codes.Normalize(code)] = true
	}
	protected := make(map[string]bool, len(plan.Protected))
	for _, code := range plan.Protected {
		protected[codes.Normalize(code)] = true
	}

	prices := make(map[string]decimal.Decimal, len(plan.Prices))
	for code, px := range plan.Prices {
		prices[codes.Normalize(code)] = px
	}

	holdings := make([]types.Position, 0, len(plan.Holdings))
	held := make(map[string]int, len(plan.Holdings))
	for _, p := range plan.Holdings {
		if p.Quantity <= 0 {
			continue
		}
		code := codes.Normalize(p.InstrumentCode)
		if i, ok := held[code]; ok {
			holdings[i].Quantity += p.Quantity
			continue
		}
		held[code] = len(holdings)
		holdings = append(holdings, p)
	}
	sort.Slice(holdings, func(i, j int) bool {
		return codes.Normalize(holdings[i].InstrumentCode) < codes.Normalize(holdings[j].InstrumentCode)
	})

	var drafts []types.OrderDraft
	for _, p := range holdings {
		code := codes.Normalize(p.InstrumentCode)
		if targets[code] || protected[code] {
			continue
		}
		drafts = append(drafts, types.OrderDraft{
			InstrumentCode: p.InstrumentCode,
			Quantity:       p.Quantity,
			ReferencePrice: prices[code],
			Side:           types.SideSell,
		})
	}

	seen := make(map[string]bool, len(plan.Targets))
	for _, target := range plan.Targets {
		code := codes.Normalize(target)
		if code == "" || seen[code] {
			continue
		}
		seen[code] = true
		if _, ok := held[code]; ok {
			continue
		}
		drafts = append(drafts, types.OrderDraft{
			InstrumentCode: target,
			ReferencePrice: prices[code],
			Side:           types.SideBuy,
		})
	}

	return drafts
}

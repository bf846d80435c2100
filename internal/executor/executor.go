// Package executor runs the consumer side of the order queue: one claim
// cycle fetches the day's claimable orders and drives each through
// claim, execute and confirm (or revert), sells before buys.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ksred/ordersync/internal/codes"
	"github.com/ksred/ordersync/internal/gateway"
	"github.com/ksred/ordersync/internal/metrics"
	"github.com/ksred/ordersync/internal/policy"
	"github.com/ksred/ordersync/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ErrTransient marks store or gateway infrastructure failures. The
// scheduler backs off when a cycle returns an error wrapping it.
var ErrTransient = errors.New("transient infrastructure error")

const compensationTimeout = 10 * time.Second

// Queue is the part of the order store the executor drives.
type Queue interface {
	FetchPending(ctx context.Context, asOf time.Time) ([]types.OrderRecord, error)
	TryClaim(ctx context.Context, id, claimant string) (bool, error)
	ConfirmExecuted(ctx context.Context, id string) error
	Revert(ctx context.Context, id string) error
	SweepStaleClaims(ctx context.Context, olderThan time.Time) (int64, error)
}

// Config carries the executor's per-account settings.
type Config struct {
	AccountID    string
	ClaimantID   string
	PriceType    gateway.PriceType
	PhasePause   time.Duration // pause between the sell and buy phases
	ClaimTimeout time.Duration // 0 disables the stale claim sweep
}

// Service executes claim cycles for one account.
type Service struct {
	queue  Queue
	gw     gateway.Gateway
	policy *policy.Engine
	cfg    Config
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewService(queue Queue, gw gateway.Gateway, engine *policy.Engine, cfg Config) *Service {
	if cfg.PriceType == "" {
		cfg.PriceType = gateway.PriceMarket
	}
	return &Service{
		queue:  queue,
		gw:     gw,
		policy: engine,
		cfg:    cfg,
		sleep:  sleepContext,
	}
}

// RunCycle performs one full claim cycle as of now. The report is always
// returned, also alongside an error, and lists what happened to each order
// touched before the cycle stopped.
func (s *Service) RunCycle(ctx context.Context, now time.Time) (*types.CycleReport, error) {
	logger := log.With().Str("component", "executor").Str("account", s.cfg.AccountID).Logger()
	report := &types.CycleReport{StartedAt: now}
	defer func() { report.FinishedAt = time.Now() }()

	if s.cfg.ClaimTimeout > 0 {
		swept, err := s.queue.SweepStaleClaims(ctx, now.Add(-s.cfg.ClaimTimeout))
		if err != nil {
			return report, fmt.Errorf("%w: %w", ErrTransient, err)
		}
		if swept > 0 {
			metrics.Swept.Add(float64(swept))
			logger.Warn().Int64("swept", swept).Dur("claim_timeout", s.cfg.ClaimTimeout).Msg("reverted stale claims")
		}
		report.Swept = swept
	}

	pending, err := s.queue.FetchPending(ctx, now)
	if err != nil {
		return report, fmt.Errorf("%w: %w", ErrTransient, err)
	}
	report.Pending = len(pending)
	metrics.Pending.Set(float64(len(pending)))
	if len(pending) == 0 {
		return report, nil
	}

	if err := s.policy.CheckBatch(len(pending)); err != nil {
		logger.Error().Err(err).Int("pending", len(pending)).Msg("refusing to claim anything this cycle")
		return report, err
	}

	positions, err := s.gw.Positions(ctx, s.cfg.AccountID)
	if err != nil {
		return report, fmt.Errorf("%w: fetch positions: %w", ErrTransient, err)
	}
	snap := policy.Snapshot{Positions: policy.PositionMap(positions)}

	sells, buys, unknown := policy.Phases(pending)
	logger.Info().
		Int("pending", len(pending)).
		Int("sells", len(sells)).
		Int("buys", len(buys)).
		Int("held_instruments", len(snap.Positions)).
		Msg("starting claim cycle")

	for _, order := range unknown {
		logger.Error().Str("order_id", order.ID).Str("side", order.SideLabel).Msg("skipping order with unknown side")
		metrics.Orders.WithLabelValues("UNKNOWN", "skipped").Inc()
		report.Skipped = append(report.Skipped, order.ID)
	}

	for _, order := range sells {
		if err := s.execute(ctx, order, snap, report); err != nil {
			return report, err
		}
	}

	if len(sells) > 0 && len(buys) > 0 && s.cfg.PhasePause > 0 {
		logger.Debug().Dur("pause", s.cfg.PhasePause).Msg("pausing between sell and buy phases")
		if err := s.sleep(ctx, s.cfg.PhasePause); err != nil {
			return report, err
		}
	}

	if n := policy.CountUnsizedBuys(buys); n > 0 {
		s.sizeBuys(ctx, buys, n, &snap, logger)
	}

	for _, order := range buys {
		if err := s.execute(ctx, order, snap, report); err != nil {
			return report, err
		}
	}

	logger.Info().
		Int("submitted", len(report.Submitted)).
		Int("reverted", len(report.Reverted)).
		Int("skipped", len(report.Skipped)).
		Int("lost", len(report.Lost)).
		Msg("claim cycle completed")

	return report, nil
}

// sizeBuys fills in the cash budget and quotes used for buys without a
// requested quantity. Funds are read after the sell phase so that sale
// proceeds are more likely to be included.
func (s *Service) sizeBuys(ctx context.Context, buys []types.OrderRecord, unsized int, snap *policy.Snapshot, logger zerolog.Logger) {
	funds, ok := s.gw.(gateway.Funds)
	if !ok {
		logger.Warn().Str("gateway", s.gw.Name()).Msg("gateway cannot report funds, unsized buys will be reverted")
		return
	}

	cash, err := funds.AvailableCash(ctx, s.cfg.AccountID)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to read available cash, unsized buys will be reverted")
		return
	}
	snap.BuyBudget = cash.Div(decimal.NewFromInt(int64(unsized)))
	snap.Prices = make(map[string]decimal.Decimal, unsized)

	for _, o := range buys {
		if o.Quantity != 0 {
			continue
		}
		code := codes.Normalize(o.InstrumentCode)
		price, err := funds.LastPrice(ctx, code)
		if err != nil {
			logger.Warn().Err(err).Str("code", code).Msg("no quote, sizing from reference price")
			continue
		}
		snap.Prices[code] = price
	}

	logger.Debug().
		Str("cash", cash.String()).
		Str("budget_per_order", snap.BuyBudget.StringFixed(2)).
		Int("unsized", unsized).
		Msg("sized unsized buys from available cash")
}

// execute runs the claim-execute-confirm state machine for one order. It
// returns an error only when the cycle must stop.
func (s *Service) execute(ctx context.Context, order types.OrderRecord, snap policy.Snapshot, report *types.CycleReport) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	side := order.Side.String()
	logger := log.With().
		Str("component", "executor").
		Str("order_id", order.ID).
		Str("code", order.InstrumentCode).
		Str("side", side).
		Int64("requested", order.Quantity).
		Logger()

	if order.ID == "" {
		logger.Error().Msg("skipping order without id")
		metrics.Orders.WithLabelValues(side, "skipped").Inc()
		report.Skipped = append(report.Skipped, order.ID)
		return nil
	}

	claimed, err := s.queue.TryClaim(ctx, order.ID, s.cfg.ClaimantID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
	if !claimed {
		logger.Debug().Msg("order claimed elsewhere, skipping")
		metrics.Claims.WithLabelValues("lost").Inc()
		report.Lost = append(report.Lost, order.ID)
		return nil
	}
	metrics.Claims.WithLabelValues("won").Inc()

	decision := s.policy.Decide(order, snap)
	if !decision.Executable() {
		logger.Warn().
			Str("reason", string(decision.Reason)).
			Int64("adjusted", decision.Quantity).
			Msg("order not executable this cycle, reverting")
		return s.revert(ctx, order, report, logger)
	}

	req := gateway.SubmitRequest{
		AccountID:      s.cfg.AccountID,
		InstrumentCode: codes.Normalize(order.InstrumentCode),
		Side:           order.Side,
		PriceType:      s.cfg.PriceType,
		Quantity:       decision.Quantity,
		Tag:            order.ID,
	}
	if s.cfg.PriceType == gateway.PriceLimit {
		req.LimitPrice = order.ReferencePrice
	}

	handle, err := gateway.Acknowledge(s.gw.Submit(ctx, req))
	if err != nil {
		logger.Error().Err(err).Int64("adjusted", decision.Quantity).Msg("gateway submission failed, reverting")
		if rerr := s.revert(ctx, order, report, logger); rerr != nil {
			return rerr
		}
		if isGatewayRejection(err) {
			return nil
		}
		return fmt.Errorf("%w: submit %s: %w", ErrTransient, order.ID, err)
	}

	// later sells of the same instrument this cycle are capped at what is left
	if order.Side == types.SideSell {
		snap.Positions[req.InstrumentCode] -= decision.Quantity
	}

	if err := s.queue.ConfirmExecuted(ctx, order.ID); err != nil {
		// the order reached the gateway; it must not be reverted
		logger.Error().Err(err).Str("gateway_order_id", handle.ID).Msg("failed to confirm submitted order")
		report.Submitted = append(report.Submitted, order.ID)
		return fmt.Errorf("%w: confirm %s: %w", ErrTransient, order.ID, err)
	}

	metrics.Orders.WithLabelValues(side, "submitted").Inc()
	report.Submitted = append(report.Submitted, order.ID)
	logger.Info().
		Int64("adjusted", decision.Quantity).
		Str("gateway_order_id", handle.ID).
		Msg("order submitted")

	return nil
}

// revert is the compensating transition. It survives cancellation of the
// cycle context so that an interrupted submission is still released.
func (s *Service) revert(ctx context.Context, order types.OrderRecord, report *types.CycleReport, logger zerolog.Logger) error {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	if err := s.queue.Revert(rctx, order.ID); err != nil {
		logger.Error().Err(err).Msg("failed to revert claimed order")
		return fmt.Errorf("%w: revert %s: %w", ErrTransient, order.ID, err)
	}

	metrics.Orders.WithLabelValues(order.Side.String(), "reverted").Inc()
	report.Reverted = append(report.Reverted, order.ID)
	return nil
}

func isGatewayRejection(err error) bool {
	return errors.Is(err, gateway.ErrRejected) || errors.Is(err, gateway.ErrEmptyAck)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

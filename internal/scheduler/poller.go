// Package scheduler drives the executor's claim cycle on a fixed interval
// inside the trading window, backing off after transient failures.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/ksred/ordersync/internal/metrics"
	"github.com/ksred/ordersync/internal/policy"
	"github.com/ksred/ordersync/internal/types"
	"github.com/rs/zerolog/log"
)

// Cycler runs one claim cycle.
type Cycler interface {
	RunCycle(ctx context.Context, now time.Time) (*types.CycleReport, error)
}

// Purger deletes orders past the retention horizon.
type Purger interface {
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Lease gates the cycle on holding the single-consumer lease.
type Lease interface {
	Acquire(ctx context.Context) (bool, error)
}

type Config struct {
	PollInterval time.Duration
	Backoff      Backoff
	Window       Window
	Retention    time.Duration // 0 disables the daily purge
}

type Poller struct {
	cycler Cycler
	purger Purger
	lease  Lease
	cfg    Config

	state    DayState
	failures int

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewPoller builds a poller. purger and lease may be nil.
func NewPoller(cycler Cycler, purger Purger, lease Lease, cfg Config) *Poller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Window.Loc == nil {
		cfg.Window.Loc = time.Local
	}
	return &Poller{
		cycler: cycler,
		purger: purger,
		lease:  lease,
		cfg:    cfg,
		now:    time.Now,
		sleep:  sleepContext,
	}
}

// State returns a copy of the current trading day state.
func (p *Poller) State() DayState {
	return p.state
}

// Run polls until ctx is cancelled and then returns ctx.Err().
func (p *Poller) Run(ctx context.Context) error {
	logger := log.With().Str("component", "poller").Logger()
	logger.Info().
		Dur("poll_interval", p.cfg.PollInterval).
		Dur("trading_start", p.cfg.Window.Start).
		Dur("trading_end", p.cfg.Window.End).
		Msg("starting poller")

	for {
		wait := p.Tick(ctx)
		if err := p.sleep(ctx, wait); err != nil {
			logger.Info().Msg("shutting down poller")
			return err
		}
	}
}

// Tick performs one poll iteration and returns how long to wait before the
// next one.
func (p *Poller) Tick(ctx context.Context) time.Duration {
	logger := log.With().Str("component", "poller").Logger()
	now := p.now()

	if p.state.Roll(now, p.cfg.Window.Loc) {
		logger.Info().Str("day", p.state.Day.Format(time.DateOnly)).Msg("new trading day")
	}

	if !p.cfg.Window.Contains(now) {
		return p.cfg.PollInterval
	}

	if !p.state.RetentionDone {
		p.purge(ctx, now)
	}

	if p.lease != nil {
		held, err := p.lease.Acquire(ctx)
		if err != nil {
			return p.fail(err, "failed to acquire consumer lease")
		}
		if !held {
			logger.Debug().Msg("another executor holds the lease, standing by")
			return p.cfg.PollInterval
		}
	}

	started := time.Now()
	report, err := p.cycler.RunCycle(ctx, now)
	metrics.CycleDuration.Observe(time.Since(started).Seconds())
	p.state.Cycles++

	switch {
	case err == nil:
		p.failures = 0
		if report != nil && report.Pending == 0 {
			metrics.Cycles.WithLabelValues("idle").Inc()
		} else {
			metrics.Cycles.WithLabelValues("completed").Inc()
		}
		return p.cfg.PollInterval

	case errors.Is(err, policy.ErrCircuitOpen):
		// a policy outcome, not a fault: keep polling at the normal rate
		p.failures = 0
		metrics.Cycles.WithLabelValues("circuit_open").Inc()
		return p.cfg.PollInterval

	case ctx.Err() != nil:
		return 0

	default:
		metrics.Cycles.WithLabelValues("aborted").Inc()
		return p.fail(err, "claim cycle failed")
	}
}

func (p *Poller) purge(ctx context.Context, now time.Time) {
	if p.purger == nil || p.cfg.Retention <= 0 {
		p.state.RetentionDone = true
		return
	}

	logger := log.With().Str("component", "poller").Logger()
	cutoff := now.Add(-p.cfg.Retention)
	purged, err := p.purger.PurgeOlderThan(ctx, cutoff)
	if err != nil {
		logger.Error().Err(err).Msg("daily retention failed, retrying next tick")
		return
	}

	p.state.RetentionDone = true
	metrics.Purged.WithLabelValues("horizon").Add(float64(purged))
	logger.Info().
		Int64("purged", purged).
		Str("cutoff", cutoff.Format(time.DateOnly)).
		Msg("daily retention completed")
}

func (p *Poller) fail(err error, msg string) time.Duration {
	p.failures++
	wait := p.cfg.Backoff.Next(p.failures)
	log.Error().
		Err(err).
		Str("component", "poller").
		Int("consecutive_failures", p.failures).
		Dur("backoff", wait).
		Msg(msg)
	return wait
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

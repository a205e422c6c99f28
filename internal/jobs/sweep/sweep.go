package sweep

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	types "github.com/yungbote/checkout-saga/internal/domain/checkout"
	"github.com/yungbote/checkout-saga/internal/observability"
	"github.com/yungbote/checkout-saga/internal/platform/envutil"
	"github.com/yungbote/checkout-saga/internal/platform/logger"
)

const (
	defaultInterval    = 30 * time.Second
	maxInterval        = 5 * time.Minute
	defaultBatch       = 50
	defaultConcurrency = 4
	receiptBatch       = 25
)

type Config struct {
	Interval    time.Duration
	Batch       int
	Concurrency int
}

func ConfigFromEnv() Config {
	return Config{
		Interval:    envutil.Duration("COMPENSATION_SWEEP_INTERVAL", defaultInterval),
		Batch:       envutil.Int("COMPENSATION_SWEEP_BATCH", defaultBatch),
		Concurrency: envutil.Int("COMPENSATION_SWEEP_CONCURRENCY", defaultConcurrency),
	}
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.Interval > maxInterval {
		c.Interval = maxInterval
	}
	if c.Batch <= 0 {
		c.Batch = defaultBatch
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	return c
}

type RunnableLister interface {
	ListRunnable(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
}

type Compensator interface {
	ExecuteCompensation(ctx context.Context, txID uuid.UUID, merchantID, reason string) (types.CompensationReport, error)
}

// Dispatcher hands a transaction to a durable workflow instead of running it in-process.
type Dispatcher interface {
	Dispatch(ctx context.Context, txID uuid.UUID, merchantID, reason string) error
}

type TokenPurger interface {
	PurgeExpiredTokens(ctx context.Context) (int64, error)
}

type ReceiptRetrier interface {
	RetryMissingReceipts(ctx context.Context, limit int) (int, error)
}

type Deps struct {
	Log        *logger.Logger
	Store      RunnableLister
	Engine     Compensator
	Dispatcher Dispatcher
	Tokens     TokenPurger
	Receipts   ReceiptRetrier
	Metrics    *observability.Metrics
	Config     Config
	Now        func() time.Time
}

type Pass struct {
	Transactions int
	Dispatched   int
	Settled      int
	Errors       int
	TokensPurged int64
	Receipts     int
}

type Sweeper struct {
	log  *logger.Logger
	deps Deps
	cfg  Config
}

func New(deps Deps) (*Sweeper, error) {
	if deps.Log == nil {
		return nil, fmt.Errorf("sweep: missing logger")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("sweep: missing transaction store")
	}
	if deps.Engine == nil && deps.Dispatcher == nil {
		return nil, fmt.Errorf("sweep: needs a compensation engine or dispatcher")
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Sweeper{
		log:  deps.Log.With("component", "CompensationSweep"),
		deps: deps,
		cfg:  deps.Config.withDefaults(),
	}, nil
}

func (s *Sweeper) Interval() time.Duration { return s.cfg.Interval }

// Run sweeps on every tick until ctx ends.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	s.log.Info("Compensation sweep started", "interval", s.cfg.Interval.String(), "batch", s.cfg.Batch)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.safePass(ctx)
		}
	}
}

func (s *Sweeper) safePass(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Compensation sweep panic", "panic", r)
			s.deps.Metrics.IncSweep("panic")
		}
	}()
	if _, err := s.SweepOnce(ctx); err != nil {
		s.log.Warn("Compensation sweep failed", "error", err)
	}
}

// SweepOnce runs one pass: due compensations, then expired tokens, then missing receipts.
func (s *Sweeper) SweepOnce(ctx context.Context) (Pass, error) {
	var pass Pass
	ids, err := s.deps.Store.ListRunnable(ctx, s.deps.Now(), s.cfg.Batch)
	if err != nil {
		s.deps.Metrics.IncSweep("error")
		return pass, fmt.Errorf("list runnable transactions: %w", err)
	}
	pass.Transactions = len(ids)

	var dispatched, settled, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, id := range ids {
		g.Go(func() error {
			if s.deps.Dispatcher != nil {
				if err := s.deps.Dispatcher.Dispatch(gctx, id, "", "sweep"); err != nil {
					failed.Add(1)
					s.log.Warn("Compensation dispatch failed", "transaction_id", id.String(), "error", err)
					return nil
				}
				dispatched.Add(1)
				return nil
			}
			report, err := s.deps.Engine.ExecuteCompensation(gctx, id, "", "sweep")
			switch {
			case err == nil:
				if report.Status != types.StatusCompensating {
					settled.Add(1)
				}
			case types.IsKind(err, types.KindCompensationExhausted):
				settled.Add(1)
				s.log.Warn("Compensation exhausted", "transaction_id", id.String(), "exhausted", len(report.Exhausted))
			default:
				failed.Add(1)
				s.log.Warn("Compensation run failed", "transaction_id", id.String(), "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	pass.Dispatched = int(dispatched.Load())
	pass.Settled = int(settled.Load())
	pass.Errors = int(failed.Load())

	if s.deps.Tokens != nil {
		n, err := s.deps.Tokens.PurgeExpiredTokens(ctx)
		if err != nil {
			s.log.Warn("Secure token purge failed", "error", err)
		}
		pass.TokensPurged = n
	}
	if s.deps.Receipts != nil {
		n, err := s.deps.Receipts.RetryMissingReceipts(ctx, receiptBatch)
		if err != nil {
			s.log.Warn("Receipt retry failed", "error", err)
		}
		pass.Receipts = n
	}

	status := "ok"
	if pass.Errors > 0 {
		status = "partial"
	}
	s.deps.Metrics.IncSweep(status)
	if pass.Transactions > 0 || pass.TokensPurged > 0 || pass.Receipts > 0 {
		s.log.Info("Compensation sweep pass",
			"transactions", pass.Transactions,
			"dispatched", pass.Dispatched,
			"settled", pass.Settled,
			"errors", pass.Errors,
			"tokens_purged", pass.TokensPurged,
			"receipts", pass.Receipts,
		)
	}
	return pass, nil
}

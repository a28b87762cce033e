package runner

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/perchlabs/dialtone/internal/sync"
	"go.uber.org/zap"
)

const (
	defaultInterval   = 15 * time.Second
	defaultMaxBackoff = 5 * time.Minute
)

var errNoPasses = errors.New("runner: at least one pass is required")

// Pass is one idempotent agent entry point.
type Pass func(ctx context.Context) (sync.PassResult, error)

// Config bundles the passes and pacing for the scheduler loop.
type Config struct {
	// Passes run in order within each cycle. Reconcile before execute
	// before upload keeps detected drift flowing downstream in one cycle.
	Passes []NamedPass
	// Interval is the pacing between productive cycles.
	Interval time.Duration
	// MaxBackoff caps the idle/error backoff between cycles.
	MaxBackoff time.Duration
	Logger     *zap.Logger
}

// NamedPass pairs a pass with a label for logging.
type NamedPass struct {
	Name string
	Run  Pass
}

// Runner drives the agents as cooperative background tasks. A cycle that
// makes progress reschedules at the base interval; an idle or failing cycle
// backs off exponentially up to the cap. All coordination state is the
// typed pass results; nothing is shared in memory between passes.
type Runner struct {
	passes     []NamedPass
	interval   time.Duration
	maxBackoff time.Duration
	logger     *zap.Logger
}

// New constructs a Runner from validated configuration.
func New(cfg Config) (*Runner, error) {
	if len(cfg.Passes) == 0 {
		return nil, errNoPasses
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff < interval {
		maxBackoff = defaultMaxBackoff
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		passes:     cfg.Passes,
		interval:   interval,
		maxBackoff: maxBackoff,
		logger:     logger,
	}, nil
}

// Run loops until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.interval
	policy.MaxInterval = r.maxBackoff
	policy.MaxElapsedTime = 0
	policy.Reset()

	for {
		progressed, failed := r.runCycle(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var wait time.Duration
		if progressed && !failed {
			policy.Reset()
			wait = r.interval
		} else {
			wait = policy.NextBackOff()
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// RunCycle executes every pass once and reports whether any pass made
// progress or failed. Exposed for hosts that bring their own scheduling.
func (r *Runner) RunCycle(ctx context.Context) (progressed, failed bool) {
	return r.runCycle(ctx)
}

func (r *Runner) runCycle(ctx context.Context) (progressed, failed bool) {
	for _, pass := range r.passes {
		if ctx.Err() != nil {
			return progressed, failed
		}
		result, err := pass.Run(ctx)
		if err != nil {
			failed = true
			r.logger.Warn("pass failed",
				zap.String("pass", pass.Name),
				zap.Error(err))
			continue
		}
		if result.Processed > 0 {
			progressed = true
		}
		if result.Failed > 0 {
			failed = true
		}
		r.logger.Debug("pass finished",
			zap.String("pass", pass.Name),
			zap.Int("processed", result.Processed),
			zap.Int("failed", result.Failed),
			zap.Int64("remaining", result.Remaining))
	}
	return progressed, failed
}

// Package queue drives the durable event table. One poller goroutine per
// action code picks up due events, hands them to the registered handler, and
// flags them processed. Delivery is at least once; a handler that fails leaves
// the event due so the next poll retries it, without blocking the rest of the
// batch.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/minutemart/order-api/internal/domain"
	"github.com/minutemart/order-api/internal/repositories"
)

var tracer = otel.Tracer("github.com/minutemart/order-api/internal/queue")

const idlePollFloor = 50 * time.Millisecond

// ErrRescheduled tells the runner the handler pushed the event's schedule
// time forward instead of processing it. The event stays unprocessed and is
// picked up again once the new schedule time passes.
var ErrRescheduled = errors.New("queue: event rescheduled")

// Handler processes one due event. Returning nil marks the event processed;
// returning an error leaves it due for the next poll. Handlers must tolerate
// redelivery.
type Handler func(ctx context.Context, event domain.Event) error

// RunnerConfig configures the poller set.
type RunnerConfig struct {
	Events    repositories.EventRepository
	Logger    *zap.Logger
	Clock     func() time.Time
	BatchSize int
	// IntervalFor returns the poll interval for an action code. Zero means
	// poll again immediately while work remains.
	IntervalFor func(action domain.ActionCode) time.Duration
}

// Runner owns the poller goroutines.
type Runner struct {
	events      repositories.EventRepository
	logger      *zap.Logger
	clock       func() time.Time
	batchSize   int
	intervalFor func(action domain.ActionCode) time.Duration

	mu       sync.Mutex
	handlers map[domain.ActionCode]Handler
}

// NewRunner builds an empty runner; register handlers before starting it.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Events == nil {
		return nil, fmt.Errorf("queue: event repository is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}
	intervalFor := cfg.IntervalFor
	if intervalFor == nil {
		intervalFor = func(domain.ActionCode) time.Duration { return 5 * time.Second }
	}

	return &Runner{
		events:      cfg.Events,
		logger:      logger,
		clock:       clock,
		batchSize:   batchSize,
		intervalFor: intervalFor,
		handlers:    make(map[domain.ActionCode]Handler),
	}, nil
}

// Register binds a handler to an action code. Registering twice replaces the
// previous handler.
func (r *Runner) Register(action domain.ActionCode, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[action] = handler
}

// Run starts one poller per registered action and blocks until ctx is
// cancelled and every poller finished its in-flight batch.
func (r *Runner) Run(ctx context.Context) {
	r.mu.Lock()
	actions := make([]domain.ActionCode, 0, len(r.handlers))
	for action := range r.handlers {
		actions = append(actions, action)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, action := range actions {
		wg.Add(1)
		go func(action domain.ActionCode) {
			defer wg.Done()
			r.poll(ctx, action)
		}(action)
	}
	wg.Wait()
}

func (r *Runner) poll(ctx context.Context, action domain.ActionCode) {
	interval := r.intervalFor(action)
	logger := r.logger.With(zap.String("action_code", string(action)))
	logger.Info("worker started", zap.Duration("poll_interval", interval))

	for {
		if ctx.Err() != nil {
			logger.Info("worker stopped")
			return
		}

		processed, err := r.processBatch(ctx, action)
		if err != nil {
			logger.Error("poll failed", zap.Error(err))
		}

		// Drain immediately while full batches keep coming.
		if err == nil && processed == r.batchSize {
			continue
		}

		wait := interval
		if wait <= 0 {
			wait = idlePollFloor
		}
		select {
		case <-ctx.Done():
			logger.Info("worker stopped")
			return
		case <-time.After(wait):
		}
	}
}

func (r *Runner) processBatch(ctx context.Context, action domain.ActionCode) (int, error) {
	r.mu.Lock()
	handler := r.handlers[action]
	r.mu.Unlock()

	events, err := r.events.Due(ctx, action, r.clock().UTC(), r.batchSize)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, event := range events {
		if ctx.Err() != nil {
			return processed, nil
		}
		if r.handleEvent(ctx, handler, event) {
			processed++
		}
	}
	return processed, nil
}

// handleEvent runs one event and reports whether it completed. A failing
// event stays due; the rest of the batch still runs.
func (r *Runner) handleEvent(ctx context.Context, handler Handler, event domain.Event) bool {
	ctx, span := tracer.Start(ctx, "queue.handle",
		trace.WithAttributes(
			attribute.String("event.action_code", string(event.ActionCode)),
			attribute.Int64("event.id", int64(event.ID)),
		),
	)
	defer span.End()

	if err := handler(ctx, event); err != nil {
		if errors.Is(err, ErrRescheduled) {
			r.logger.Debug("event rescheduled",
				zap.String("action_code", string(event.ActionCode)),
				zap.Uint("event_id", event.ID),
			)
			return false
		}
		span.RecordError(err)
		r.logger.Warn("event handling failed",
			zap.String("action_code", string(event.ActionCode)),
			zap.Uint("event_id", event.ID),
			zap.Error(err),
		)
		return false
	}

	if err := r.events.MarkProcessed(ctx, event.ID); err != nil {
		span.RecordError(err)
		r.logger.Error("failed to mark event processed",
			zap.String("action_code", string(event.ActionCode)),
			zap.Uint("event_id", event.ID),
			zap.Error(err),
		)
		return false
	}
	return true
}

package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/minutemart/order-api/internal/domain"
)

type stubEventRepo struct {
	mu        sync.Mutex
	due       []domain.Event
	processed []uint
	dueErr    error
}

func (s *stubEventRepo) Create(ctx context.Context, events ...*domain.Event) error { return nil }

func (s *stubEventRepo) Due(ctx context.Context, action domain.ActionCode, now time.Time, limit int) ([]domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dueErr != nil {
		return nil, s.dueErr
	}
	var out []domain.Event
	for _, event := range s.due {
		if event.ActionCode != action || event.IsProcessed || event.ScheduleAt.After(now) {
			continue
		}
		out = append(out, event)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *stubEventRepo) MarkProcessed(ctx context.Context, ids ...uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		for i := range s.due {
			if s.due[i].ID == id {
				s.due[i].IsProcessed = true
			}
		}
		s.processed = append(s.processed, id)
	}
	return nil
}

func (s *stubEventRepo) Reschedule(ctx context.Context, id uint, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.due {
		if s.due[i].ID == id {
			s.due[i].ScheduleAt = at
		}
	}
	return nil
}

func (s *stubEventRepo) LatestPartialNotice(ctx context.Context, orderNr string) (domain.Event, error) {
	return domain.Event{}, errors.New("not implemented")
}

func (s *stubEventRepo) processedIDs() []uint {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint, len(s.processed))
	copy(out, s.processed)
	return out
}

func newTestRunner(t *testing.T, repo *stubEventRepo) *Runner {
	t.Helper()
	runner, err := NewRunner(RunnerConfig{
		Events:      repo,
		BatchSize:   10,
		IntervalFor: func(domain.ActionCode) time.Duration { return time.Millisecond },
	})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	return runner
}

func TestRunnerProcessesDueEvents(t *testing.T) {
	now := time.Now().UTC()
	repo := &stubEventRepo{due: []domain.Event{
		{ID: 1, ActionCode: domain.ActionSettlePayment, ScheduleAt: now.Add(-time.Minute)},
		{ID: 2, ActionCode: domain.ActionSettlePayment, ScheduleAt: now.Add(-time.Second)},
		{ID: 3, ActionCode: domain.ActionGenerateInvoice, ScheduleAt: now.Add(-time.Second)},
	}}
	runner := newTestRunner(t, repo)

	var handled []uint
	var mu sync.Mutex
	runner.Register(domain.ActionSettlePayment, func(ctx context.Context, event domain.Event) error {
		mu.Lock()
		handled = append(handled, event.ID)
		mu.Unlock()
		return nil
	})

	processed, err := runner.processBatch(context.Background(), domain.ActionSettlePayment)
	if err != nil {
		t.Fatalf("processBatch: %v", err)
	}
	if processed != 2 {
		t.Fatalf("expected 2 processed, got %d", processed)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(handled) != 2 || handled[0] != 1 || handled[1] != 2 {
		t.Fatalf("expected events 1 and 2 in schedule order, got %v", handled)
	}
	ids := repo.processedIDs()
	if len(ids) != 2 {
		t.Fatalf("expected 2 marked processed, got %v", ids)
	}
}

func TestRunnerFailingEventDoesNotBlockBatch(t *testing.T) {
	now := time.Now().UTC()
	repo := &stubEventRepo{due: []domain.Event{
		{ID: 1, ActionCode: domain.ActionSettlePayment, ScheduleAt: now.Add(-time.Minute)},
		{ID: 2, ActionCode: domain.ActionSettlePayment, ScheduleAt: now.Add(-time.Second)},
	}}
	runner := newTestRunner(t, repo)

	runner.Register(domain.ActionSettlePayment, func(ctx context.Context, event domain.Event) error {
		if event.ID == 1 {
			return errors.New("gateway unavailable")
		}
		return nil
	})

	processed, err := runner.processBatch(context.Background(), domain.ActionSettlePayment)
	if err != nil {
		t.Fatalf("processBatch: %v", err)
	}
	if processed != 1 {
		t.Fatalf("expected 1 processed, got %d", processed)
	}

	ids := repo.processedIDs()
	if len(ids) != 1 || ids[0] != 2 {
		t.Fatalf("expected only event 2 processed, got %v", ids)
	}
}

func TestRunnerSkipsFutureEvents(t *testing.T) {
	now := time.Now().UTC()
	repo := &stubEventRepo{due: []domain.Event{
		{ID: 1, ActionCode: domain.ActionNotificationOrderUpdate, ScheduleAt: now.Add(time.Hour)},
	}}
	runner := newTestRunner(t, repo)

	runner.Register(domain.ActionNotificationOrderUpdate, func(ctx context.Context, event domain.Event) error {
		t.Fatal("future event must not be handled")
		return nil
	})

	processed, err := runner.processBatch(context.Background(), domain.ActionNotificationOrderUpdate)
	if err != nil {
		t.Fatalf("processBatch: %v", err)
	}
	if processed != 0 {
		t.Fatalf("expected 0 processed, got %d", processed)
	}
}

func TestRunnerStopsOnContextCancel(t *testing.T) {
	repo := &stubEventRepo{}
	runner := newTestRunner(t, repo)
	runner.Register(domain.ActionSettlePayment, func(ctx context.Context, event domain.Event) error {
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runner.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop after cancellation")
	}
}

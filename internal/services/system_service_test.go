package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/minutemart/order-api/internal/repositories"
)

type stubHealthCollector struct {
	report       repositories.HealthReport
	readinessErr error
}

func (s *stubHealthCollector) Collect(context.Context) (repositories.HealthReport, error) {
	return s.report, nil
}

func (s *stubHealthCollector) CheckReadiness(context.Context) error {
	return s.readinessErr
}

func TestSystemHealthReportCarriesBuildInfo(t *testing.T) {
	started := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	now := started.Add(90 * time.Minute)
	svc, err := NewSystemService(SystemServiceDeps{
		Health: &stubHealthCollector{report: repositories.HealthReport{Status: repositories.HealthStatusOK}},
		Clock:  fixedClock(now),
		Build: BuildInfo{
			Version:     "1.4.0",
			CommitSHA:   "abc123",
			Environment: "staging",
			StartedAt:   started,
		},
	})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}

	health, err := svc.HealthReport(context.Background())
	if err != nil {
		t.Fatalf("HealthReport: %v", err)
	}
	if health.Status != repositories.HealthStatusOK {
		t.Fatalf("expected ok, got %s", health.Status)
	}
	if health.Version != "1.4.0" || health.Environment != "staging" {
		t.Fatalf("expected build info carried, got %+v", health)
	}
	if health.Uptime != 90*time.Minute {
		t.Fatalf("expected 90m uptime, got %s", health.Uptime)
	}
}

func TestSystemReadinessDelegates(t *testing.T) {
	down := errors.New("database unreachable")
	svc, err := NewSystemService(SystemServiceDeps{
		Health: &stubHealthCollector{readinessErr: down},
	})
	if err != nil {
		t.Fatalf("NewSystemService: %v", err)
	}
	if got := svc.Readiness(context.Background()); !errors.Is(got, down) {
		t.Fatalf("expected readiness error passed through, got %v", got)
	}
}

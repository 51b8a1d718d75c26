package services

import (
	"context"
	"errors"
	"time"
)

// SystemServiceDeps bundles collaborators required to construct the system
// service.
type SystemServiceDeps struct {
	Health HealthCollector
	Clock  func() time.Time
	Build  BuildInfo
}

type systemService struct {
	health HealthCollector
	clock  func() time.Time
	build  BuildInfo
}

// NewSystemService wires dependencies into a concrete SystemService.
func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.Health == nil {
		return nil, errors.New("system service: health collector is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &systemService{
		health: deps.Health,
		clock:  clock,
		build:  deps.Build,
	}, nil
}

func (s *systemService) HealthReport(ctx context.Context) (SystemHealth, error) {
	report, err := s.health.Collect(ctx)
	if err != nil {
		return SystemHealth{}, err
	}

	health := SystemHealth{
		HealthReport: report,
		Version:      s.build.Version,
		CommitSHA:    s.build.CommitSHA,
		Environment:  s.build.Environment,
	}
	if !s.build.StartedAt.IsZero() {
		health.Uptime = s.clock().Sub(s.build.StartedAt)
	}
	return health, nil
}

func (s *systemService) Readiness(ctx context.Context) error {
	return s.health.CheckReadiness(ctx)
}

package services

import (
	"cmp"
	"context"
	"errors"
	"maps"
	"strings"
	"sync"
	"time"

	domain "github.com/fastfood-order/api/internal/domain"
	"github.com/fastfood-order/api/internal/repositories"
)

// BuildInfo is the release metadata reported by the health endpoints.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// SystemServiceDeps wires the readiness service. Components names the backends selected at
// startup (storage, events, gateways) and is echoed verbatim in every report. CacheTTL
// reuses a collected report so frequent health checks do not hit the database each time.
type SystemServiceDeps struct {
	HealthRepository repositories.HealthRepository
	Clock            func() time.Time
	Build            BuildInfo
	Components       map[string]string
	CacheTTL         time.Duration
}

type systemService struct {
	checks     repositories.HealthRepository
	now        func() time.Time
	build      BuildInfo
	components map[string]string
	ttl        time.Duration

	mu       sync.Mutex
	cached   SystemHealthReport
	cachedAt time.Time
}

var _ SystemService = (*systemService)(nil)

func NewSystemService(deps SystemServiceDeps) (SystemService, error) {
	if deps.HealthRepository == nil {
		return nil, errors.New("system service: health repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	svc := &systemService{
		checks:     deps.HealthRepository,
		now:        func() time.Time { return clock().UTC() },
		build:      deps.Build,
		components: maps.Clone(deps.Components),
		ttl:        deps.CacheTTL,
	}
	if svc.build.StartedAt.IsZero() {
		svc.build.StartedAt = svc.now()
	}
	if svc.components == nil {
		svc.components = map[string]string{}
	}
	return svc, nil
}

// HealthReport serves the cached report while it is younger than CacheTTL; only Uptime
// is refreshed on a cache hit.
func (s *systemService) HealthReport(ctx context.Context) (SystemHealthReport, error) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.fresh(now) {
		report, err := s.checks.Collect(ctx)
		if err != nil {
			return SystemHealthReport{}, err
		}
		s.cached, s.cachedAt = s.decorate(report, now), now
	}
	report := s.cached
	report.Uptime = now.Sub(s.build.StartedAt)
	return report, nil
}

func (s *systemService) fresh(now time.Time) bool {
	return s.ttl > 0 && !s.cachedAt.IsZero() && now.Sub(s.cachedAt) < s.ttl
}

// decorate fills what the repository leaves empty and stamps build metadata.
func (s *systemService) decorate(report domain.SystemHealthReport, now time.Time) SystemHealthReport {
	if report.Checks == nil {
		report.Checks = map[string]domain.SystemHealthCheck{}
	}
	report.Status = cmp.Or(strings.TrimSpace(report.Status), worstStatus(report.Checks))
	report.Ready = report.Status != domain.HealthStatusError
	report.GeneratedAt = cmp.Or(report.GeneratedAt, now).UTC()
	report.Version = cmp.Or(report.Version, s.build.Version)
	report.CommitSHA = cmp.Or(report.CommitSHA, s.build.CommitSHA)
	report.Environment = cmp.Or(report.Environment, s.build.Environment)
	report.Components = s.components
	return report
}

// worstStatus folds check results: error beats degraded beats ok. Unknown statuses degrade.
func worstStatus(checks map[string]domain.SystemHealthCheck) string {
	status := domain.HealthStatusOK
	for _, check := range checks {
		switch check.Status {
		case domain.HealthStatusError:
			return domain.HealthStatusError
		case domain.HealthStatusOK, "":
		default:
			status = domain.HealthStatusDegraded
		}
	}
	return status
}

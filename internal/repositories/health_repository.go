package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	domain "github.com/fastfood-order/api/internal/domain"
)

const defaultDependencyTimeout = 1500 * time.Millisecond

// DependencyCheck is one readiness check. Failing a Critical check, or timing out on any
// check, reports error; other failures only degrade the report.
type DependencyCheck struct {
	Name     string
	Timeout  time.Duration
	Critical bool
	Check    func(context.Context) error
}

// StorageCheck pings the order store. The store is always critical.
func StorageCheck(name string, reg Registry) DependencyCheck {
	return DependencyCheck{
		Name:     name,
		Critical: true,
		Check: func(ctx context.Context) error {
			if reg == nil {
				return errors.New("storage registry not configured")
			}
			return reg.Ping(ctx)
		},
	}
}

type DependencyHealthOption func(*dependencyHealth)

// WithDependencyTimeout applies to checks that leave Timeout zero.
func WithDependencyTimeout(timeout time.Duration) DependencyHealthOption {
	return func(h *dependencyHealth) {
		if timeout > 0 {
			h.timeout = timeout
		}
	}
}

func WithDependencyClock(clock func() time.Time) DependencyHealthOption {
	return func(h *dependencyHealth) {
		if clock != nil {
			h.now = clock
		}
	}
}

type dependencyHealth struct {
	checks  []DependencyCheck
	timeout time.Duration
	now     func() time.Time
}

var _ HealthRepository = (*dependencyHealth)(nil)

// NewDependencyHealthRepository rejects unnamed, duplicate or empty checks up front.
func NewDependencyHealthRepository(checks []DependencyCheck, opts ...DependencyHealthOption) (HealthRepository, error) {
	if len(checks) == 0 {
		return nil, errors.New("health: no dependency checks")
	}
	h := &dependencyHealth{timeout: defaultDependencyTimeout, now: time.Now}
	names := make(map[string]bool, len(checks))
	for _, check := range checks {
		check.Name = strings.TrimSpace(check.Name)
		switch {
		case check.Name == "":
			return nil, errors.New("health: dependency check without name")
		case check.Check == nil:
			return nil, fmt.Errorf("health: dependency %s has no check function", check.Name)
		case names[check.Name]:
			return nil, fmt.Errorf("health: dependency %s registered twice", check.Name)
		}
		names[check.Name] = true
		h.checks = append(h.checks, check)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h, nil
}

// Collect checks every dependency concurrently. Check failures are part of the report,
// so the only error is a missing context.
func (h *dependencyHealth) Collect(ctx context.Context) (domain.SystemHealthReport, error) {
	if ctx == nil {
		return domain.SystemHealthReport{}, errors.New("health: nil context")
	}

	results := make([]domain.SystemHealthCheck, len(h.checks))
	var g errgroup.Group
	for i, check := range h.checks {
		g.Go(func() error {
			results[i] = h.run(ctx, check)
			return nil
		})
	}
	_ = g.Wait()

	report := domain.SystemHealthReport{
		Status:      domain.HealthStatusOK,
		Checks:      make(map[string]domain.SystemHealthCheck, len(results)),
		GeneratedAt: h.now(),
	}
	for i, result := range results {
		report.Checks[h.checks[i].Name] = result
		if severity(result.Status) > severity(report.Status) {
			report.Status = result.Status
		}
	}
	return report, nil
}

func (h *dependencyHealth) run(ctx context.Context, check DependencyCheck) domain.SystemHealthCheck {
	timeout := check.Timeout
	if timeout <= 0 {
		timeout = h.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := h.now()
	err := check.Check(ctx)
	if err == nil {
		err = ctx.Err()
	}
	finished := h.now()

	result := domain.SystemHealthCheck{
		Status:    domain.HealthStatusOK,
		Detail:    "ok",
		Latency:   finished.Sub(started),
		CheckedAt: finished,
	}
	if err != nil {
		result.Error = err.Error()
		result.Detail = failureDetail(err)
		result.Status = domain.HealthStatusDegraded
		if check.Critical || errors.Is(err, context.DeadlineExceeded) {
			result.Status = domain.HealthStatusError
		}
	}
	return result
}

func failureDetail(err error) string {
	var repoErr RepositoryError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.As(err, &repoErr) && repoErr.IsUnavailable():
		return "unavailable"
	}
	return err.Error()
}

func severity(status string) int {
	switch status {
	case domain.HealthStatusError:
		return 2
	case domain.HealthStatusDegraded:
		return 1
	}
	return 0
}

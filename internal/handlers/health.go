package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	domain "github.com/fastfood-order/api/internal/domain"
	"github.com/fastfood-order/api/internal/platform/httpx"
	"github.com/fastfood-order/api/internal/services"
)

const readinessTimeout = 3 * time.Second

// HealthHandlers serves the liveness and readiness checks.
type HealthHandlers struct {
	build  services.BuildInfo
	system services.SystemService
	clock  func() time.Time
}

// HealthOption customises health handlers.
type HealthOption func(*HealthHandlers)

func WithHealthBuildInfo(info services.BuildInfo) HealthOption {
	return func(h *HealthHandlers) { h.build = info }
}

func WithHealthSystemService(svc services.SystemService) HealthOption {
	return func(h *HealthHandlers) { h.system = svc }
}

func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// NewHealthHandlers builds the health endpoints. Without a system service /readyz always answers ok.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	if h.build.StartedAt.IsZero() {
		h.build.StartedAt = h.clock()
	}
	return h
}

type buildPayload struct {
	Version     string `json:"version,omitempty"`
	CommitSHA   string `json:"commit_sha,omitempty"`
	Environment string `json:"environment,omitempty"`
	Uptime      string `json:"uptime,omitempty"`
}

type healthzPayload struct {
	Status string `json:"status"`
	buildPayload
	Timestamp string `json:"timestamp"`
}

// Healthz answers as long as the process serves HTTP. It never touches dependencies.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, _ *http.Request) {
	now := h.clock().UTC()
	httpx.WriteJSON(w, http.StatusOK, healthzPayload{
		Status: domain.HealthStatusOK,
		buildPayload: buildPayload{
			Version:     h.build.Version,
			CommitSHA:   h.build.CommitSHA,
			Environment: h.build.Environment,
			Uptime:      now.Sub(h.build.StartedAt).Round(time.Second).String(),
		},
		Timestamp: formatTime(now),
	})
}

type checkPayload struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

type readyzPayload struct {
	Status string `json:"status"`
	Ready  bool   `json:"ready"`
	buildPayload
	Components  map[string]string `json:"components,omitempty"`
	Checks      []checkPayload    `json:"checks"`
	GeneratedAt string            `json:"generated_at"`
}

// Readyz answers 503 when a critical dependency such as the order store is down. Degraded
// optional dependencies are reported but keep the instance serving.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.system == nil {
		httpx.WriteJSON(w, http.StatusOK, readyzPayload{
			Status:      domain.HealthStatusOK,
			Ready:       true,
			Checks:      []checkPayload{},
			GeneratedAt: formatTime(h.clock().UTC()),
		})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()
	report, err := h.system.HealthReport(ctx)
	if err != nil {
		httpx.WriteJSON(w, http.StatusServiceUnavailable, readyzPayload{
			Status:      domain.HealthStatusError,
			Checks:      []checkPayload{{Name: "system", Status: domain.HealthStatusError, Error: err.Error()}},
			GeneratedAt: formatTime(h.clock().UTC()),
		})
		return
	}

	payload := readyzPayload{
		Status: report.Status,
		Ready:  report.Ready,
		buildPayload: buildPayload{
			Version:     report.Version,
			CommitSHA:   report.CommitSHA,
			Environment: report.Environment,
		},
		Components:  report.Components,
		Checks:      make([]checkPayload, 0, len(report.Checks)),
		GeneratedAt: formatTime(report.GeneratedAt),
	}
	if report.Uptime > 0 {
		payload.Uptime = report.Uptime.Round(time.Second).String()
	}
	for name, check := range report.Checks {
		payload.Checks = append(payload.Checks, checkPayload{
			Name:      name,
			Status:    check.Status,
			Detail:    check.Detail,
			Error:     check.Error,
			LatencyMS: check.Latency.Milliseconds(),
		})
	}
	sort.Slice(payload.Checks, func(i, j int) bool { return payload.Checks[i].Name < payload.Checks[j].Name })

	status := http.StatusOK
	if !report.Ready {
		status = http.StatusServiceUnavailable
	}
	httpx.WriteJSON(w, status, payload)
}

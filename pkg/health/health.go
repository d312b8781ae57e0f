// Package health aggregates dependency checks into liveness and readiness
// reports. Required checks take readiness down when they fail; optional
// ones (cache, metadata overlay) only degrade it.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/Adithya-Monish-Kumar-K/Span-Attribution-Service/pkg/resilience"
)

type Status string

const (
	StatusUp       Status = "up"
	StatusDown     Status = "down"
	StatusDegraded Status = "degraded"
)

// rank orders statuses from best to worst.
func (s Status) rank() int {
	switch s {
	case StatusUp:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// Check probes one dependency.
type Check func(ctx context.Context) ComponentHealth

type ComponentHealth struct {
	Status  Status         `json:"status"`
	Message string         `json:"message,omitempty"`
	Latency string         `json:"latency,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

type Report struct {
	Status     Status                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	Timestamp  string                     `json:"timestamp"`
}

type registered struct {
	check    Check
	optional bool
}

type Checker struct {
	mu      sync.RWMutex
	checks  map[string]registered
	timeout time.Duration
	started time.Time
	logger  *slog.Logger
}

type Option func(*Checker)

// WithCheckTimeout bounds each check. A check still running at the deadline
// reports down. Default 2s.
func WithCheckTimeout(d time.Duration) Option {
	return func(c *Checker) { c.timeout = d }
}

func NewChecker(opts ...Option) *Checker {
	c := &Checker{
		checks:  make(map[string]registered),
		timeout: 2 * time.Second,
		started: time.Now(),
		logger:  slog.Default().With("component", "health"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register adds a required check.
func (c *Checker) Register(name string, check Check) {
	c.register(name, registered{check: check})
}

// RegisterOptional adds a check whose failure only degrades the report.
func (c *Checker) RegisterOptional(name string, check Check) {
	c.register(name, registered{check: check, optional: true})
}

func (c *Checker) register(name string, r registered) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = r
}

// PingCheck adapts a ping function into a Check.
func PingCheck(ping func(ctx context.Context) error) Check {
	return func(ctx context.Context) ComponentHealth {
		if err := ping(ctx); err != nil {
			return ComponentHealth{Status: StatusDown, Message: err.Error()}
		}
		return ComponentHealth{Status: StatusUp}
	}
}

// Run executes every check concurrently. The report status is the worst
// component status, with optional failures counted as degraded.
func (c *Checker) Run(ctx context.Context) Report {
	c.mu.RLock()
	checks := maps.Clone(c.checks)
	c.mu.RUnlock()

	results := make(map[string]ComponentHealth, len(checks))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for name, reg := range checks {
		wg.Go(func() {
			res := c.runOne(ctx, name, reg.check)
			if reg.optional && res.Status == StatusDown {
				res.Status = StatusDegraded
			}
			mu.Lock()
			results[name] = res
			mu.Unlock()
		})
	}
	wg.Wait()

	report := Report{
		Status:     StatusUp,
		Components: results,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
	for _, name := range slices.Sorted(maps.Keys(results)) {
		res := results[name]
		if res.Status != StatusUp {
			c.logger.Warn("component unhealthy", "component_name", name, "status", res.Status, "message", res.Message)
		}
		if res.Status.rank() > report.Status.rank() {
			report.Status = res.Status
		}
	}
	return report
}

func (c *Checker) runOne(ctx context.Context, name string, check Check) ComponentHealth {
	start := time.Now()
	res, err := resilience.Timeout(ctx, c.timeout, "health-"+name, func(ctx context.Context) (ComponentHealth, error) {
		return check(ctx), nil
	})
	if err != nil {
		res = ComponentHealth{Status: StatusDown, Message: err.Error()}
	}
	res.Latency = time.Since(start).Round(time.Millisecond).String()
	return res
}

// LiveHandler answers liveness probes. It never runs checks.
func (c *Checker) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "alive",
			"uptime": time.Since(c.started).Round(time.Second).String(),
		})
	}
}

// ReadyHandler answers readiness probes: 503 when the report is down, 200
// otherwise, so a degraded instance keeps serving.
func (c *Checker) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := c.Run(r.Context())
		status := http.StatusOK
		if report.Status == StatusDown {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, report)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

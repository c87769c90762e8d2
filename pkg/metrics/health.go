package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// CheckFunc reports whether a dependency is usable. It must return once ctx
// is done.
type CheckFunc func(ctx context.Context) error

// CheckResult is the outcome of one check.
type CheckResult struct {
	Status    string `json:"status"` // "ok" or "fail"
	Error     string `json:"error,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
}

// Report is the /healthz response body.
type Report struct {
	Status string                 `json:"status"` // "ok" or "degraded"
	Checks map[string]CheckResult `json:"checks"`
}

// Health runs named checks concurrently, each bounded by a timeout.
type Health struct {
	timeout time.Duration

	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// NewHealth returns an empty checker. A non-positive timeout means 5s.
func NewHealth(timeout time.Duration) *Health {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Health{timeout: timeout, checks: make(map[string]CheckFunc)}
}

// Register adds a check, replacing any check of the same name.
func (h *Health) Register(name string, fn CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = fn
}

// Names returns the registered check names in order.
func (h *Health) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run executes every check and waits for all of them.
func (h *Health) Run(ctx context.Context) Report {
	h.mu.RLock()
	checks := make(map[string]CheckFunc, len(h.checks))
	for name, fn := range h.checks {
		checks[name] = fn
	}
	h.mu.RUnlock()

	rep := Report{Status: "ok", Checks: make(map[string]CheckResult, len(checks))}
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for name, fn := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := h.runOne(ctx, fn)
			mu.Lock()
			rep.Checks[name] = res
			if res.Status != "ok" {
				rep.Status = "degraded"
			}
			mu.Unlock()
		}()
	}
	wg.Wait()
	return rep
}

func (h *Health) runOne(ctx context.Context, fn CheckFunc) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	res := CheckResult{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Status = "fail"
		res.Error = err.Error()
	}
	return res
}

// ServeHTTP answers with the JSON report, 503 when any check fails.
func (h *Health) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rep := h.Run(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if rep.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(rep)
}

// DefaultHealth is served on /healthz by MetricsServer.
var DefaultHealth = NewHealth(5 * time.Second)

// RegisterHealthCheck adds a check to DefaultHealth.
func RegisterHealthCheck(name string, fn CheckFunc) {
	DefaultHealth.Register(name, fn)
}

// Handler returns the mux served by MetricsServer.
func Handler(h *Health) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", h)
	return mux
}

// MetricsServer serves /metrics and /healthz on addr until stop is closed.
func MetricsServer(addr string, stop <-chan struct{}) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           Handler(DefaultHealth),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-stop:
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	case err := <-errCh:
		return err
	}
}

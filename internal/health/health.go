// Package health serves the relay's operational HTTP endpoints.
//
//   - /healthz is the liveness check and always returns 200 OK.
//   - /readyz returns 200 only when every registered [Checker] passes.
//   - /status returns a JSON snapshot of the relay's runtime state when a
//     [StatusFunc] is configured.
//
// Check responses are JSON objects with a top-level "status" field ("ok" or
// "fail") and a "checks" map holding the result of each named checker.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil when the dependency
// is healthy.
type Checker struct {
	// Name is the key used in the JSON response (e.g. "discord", "relay").
	Name string

	// Check tests the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// StatusFunc returns a JSON-encodable snapshot for /status.
type StatusFunc func() any

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Option configures a [Handler].
type Option func(*Handler)

// WithChecker adds a readiness check.
func WithChecker(name string, check func(ctx context.Context) error) Option {
	return func(h *Handler) {
		h.checkers = append(h.checkers, Checker{Name: name, Check: check})
	}
}

// WithStatus enables the /status endpoint.
func WithStatus(fn StatusFunc) Option {
	return func(h *Handler) { h.status = fn }
}

// Handler serves the health endpoints. The checker list is fixed at
// construction time.
type Handler struct {
	checkers []Checker
	status   StatusFunc
}

// New creates a [Handler].
func New(opts ...Option) *Handler {
	h := &Handler{}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Healthz always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz runs every checker concurrently, each bounded by [checkTimeout], and
// returns 503 if any of them fails.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	var (
		mu     sync.Mutex
		checks = make(map[string]string, len(h.checkers))
		allOK  = true
	)

	var g errgroup.Group
	for _, c := range h.checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			err := c.Check(ctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				slog.Warn("health: readiness check failed", "check", c.Name, "err", err)
				checks[c.Name] = "fail: " + err.Error()
				allOK = false
				return nil
			}
			checks[c.Name] = "ok"
			return nil
		})
	}
	_ = g.Wait()

	res := result{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Status writes the current runtime snapshot, or 404 when none is configured.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	if h.status == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, h.status())
}

// Register adds the health routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	mux.HandleFunc("GET /status", h.Status)
}

// writeJSON encodes v with the given status code. On encoding failure it falls
// back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(append(body, '\n'))
}

// Package health serves the liveness and readiness checks of the stagehand
// server.
//
//   - /healthz is the liveness check and answers 200 while the process serves
//     HTTP.
//   - /readyz answers 200 only after startup recovery has finished and every
//     registered [Checker] passes.
//
// Both answer with a JSON object carrying a top-level "status" ("ok",
// "starting" or "fail") and a "checks" map of per-checker results.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil when the dependency
// is usable.
type Checker struct {
	// Name labels the check in the JSON response ("postgres", "llm", ...).
	Name string

	// Check tests the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction time.
type Handler struct {
	checkers []Checker
	ready    atomic.Bool
}

// New creates a [Handler]. It reports "starting" on /readyz until
// [Handler.SetReady] is called.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// SetReady marks startup as finished (journal recovered, queues reindexed).
func (h *Handler) SetReady() { h.ready.Store(true) }

// Healthz is the liveness check.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz runs every checker concurrently, each under its own [checkTimeout].
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	if !h.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, result{Status: "starting"})
		return
	}

	var (
		mu     sync.Mutex
		checks = make(map[string]string, len(h.checkers))
		failed bool
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
				checks[c.Name] = "fail: " + err.Error()
				failed = true
			} else {
				checks[c.Name] = "ok"
			}
			return nil
		})
	}
	_ = g.Wait()

	res, status := result{Status: "ok", Checks: checks}, http.StatusOK
	if failed {
		res.Status, status = "fail", http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// ── Stock checkers ──────────────────────────────────────────────────────────

// Ping wraps a connection check such as a pgx pool's Ping.
func Ping(name string, ping func(context.Context) error) Checker {
	return Checker{Name: name, Check: ping}
}

// QueueSaturation fails while a bounded queue is full, since every new
// request on it is rejected with backpressure.
func QueueSaturation(name string, length func() int, capacity int) Checker {
	return Checker{Name: "queue:" + name, Check: func(context.Context) error {
		if n := length(); capacity > 0 && n >= capacity {
			return fmt.Errorf("%d/%d items, rejecting new work", n, capacity)
		}
		return nil
	}}
}

// AnyAvailable fails when every backend reported by states is unavailable.
// available maps backend names to whether they currently accept calls.
func AnyAvailable(name string, available func() map[string]bool) Checker {
	return Checker{Name: name, Check: func(context.Context) error {
		backends := available()
		if len(backends) == 0 {
			return nil
		}
		for _, ok := range backends {
			if ok {
				return nil
			}
		}
		return fmt.Errorf("all %d backends unavailable", len(backends))
	}}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}

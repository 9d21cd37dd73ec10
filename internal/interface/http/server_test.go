package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/gradebook/internal/domain/shared"
	"github.com/alem-hub/gradebook/internal/infrastructure/scheduler"
	"github.com/alem-hub/gradebook/internal/interface/http/handlers"
)

type recordingInvalidator struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (r *recordingInvalidator) Invalidate(_ context.Context, semesterID string, cause shared.EventType) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, semesterID+"|"+string(cause))
	return r.err
}

type fakeJob struct{ err error }

func (j fakeJob) Name() string                { return "audit" }
func (j fakeJob) Description() string         { return "fake audit" }
func (j fakeJob) Run(_ context.Context) error { return j.err }

func newTestServer(t *testing.T, token string, inv Invalidator, health *handlers.HealthChecker) (*Server, *scheduler.Scheduler) {
	t.Helper()
	sched := scheduler.NewScheduler(scheduler.DefaultConfig())
	require.NoError(t, sched.Register(fakeJob{}, "@hourly"))

	cfg := DefaultConfig()
	cfg.AdminToken = token
	srv := NewServer(cfg, Dependencies{
		Health:      health,
		Invalidator: inv,
		Jobs:        sched,
		Stats:       func() any { return map[string]int{"hits": 3} },
	})
	return srv, sched
}

func do(t *testing.T, h http.Handler, method, path, token string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	return rec, body
}

func TestServer_Probes(t *testing.T) {
	health := handlers.NewHealthChecker("1.0.0", 0)
	health.AddCheck("postgres", func(context.Context) error { return nil }, true)
	health.AddCheck("redis", func(context.Context) error { return errors.New("connection refused") }, false)
	srv, _ := newTestServer(t, "", nil, health)
	h := srv.Handler()

	rec, _ := do(t, h, http.MethodGet, "/live", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	// Redis is non-critical: degraded but ready.
	rec, body := do(t, h, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["healthy"])
	assert.Equal(t, true, body["degraded"])
	assert.Equal(t, "failed: redis", body["message"])

	health.AddCheck("postgres", func(context.Context) error { return errors.New("down") }, true)
	rec, body = do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, false, body["healthy"])
}

func TestServer_StatsAndJobs(t *testing.T) {
	srv, _ := newTestServer(t, "", nil, nil)
	h := srv.Handler()

	rec, body := do(t, h, http.MethodGet, "/stats", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 3, body["hits"])

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/jobs", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var jobs []jobDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, "audit", jobs[0].Name)
	assert.Equal(t, "@hourly", jobs[0].Schedule)
}

func TestServer_AdminDisabledWithoutToken(t *testing.T) {
	srv, _ := newTestServer(t, "", &recordingInvalidator{}, nil)

	rec, _ := do(t, srv.Handler(), http.MethodPost, "/admin/invalidate", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Invalidate(t *testing.T) {
	inv := &recordingInvalidator{}
	srv, _ := newTestServer(t, "s3cret", inv, nil)
	h := srv.Handler()

	rec, _ := do(t, h, http.MethodPost, "/admin/semesters/S1/invalidate", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec, _ = do(t, h, http.MethodPost, "/admin/semesters/S1/invalidate", "wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, inv.calls)

	rec, body := do(t, h, http.MethodPost, "/admin/semesters/S1/invalidate", "s3cret")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["propagated"])

	rec, _ = do(t, h, http.MethodPost, "/admin/invalidate", "s3cret")
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []string{
		"S1|" + string(shared.EventManualInvalidation),
		"|" + string(shared.EventManualInvalidation),
	}, inv.calls)
}

func TestServer_InvalidatePropagationFailure(t *testing.T) {
	inv := &recordingInvalidator{err: errors.New("redis down")}
	srv, _ := newTestServer(t, "s3cret", inv, nil)

	rec, body := do(t, srv.Handler(), http.MethodPost, "/admin/semesters/S1/invalidate", "s3cret")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["invalidated"])
	assert.Equal(t, false, body["propagated"])
	assert.Contains(t, body["error"], "redis down")
}

func TestServer_RunJob(t *testing.T) {
	srv, sched := newTestServer(t, "s3cret", nil, nil)
	h := srv.Handler()

	rec, body := do(t, h, http.MethodPost, "/admin/jobs/audit/run", "s3cret")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, true, body["manual"])
	assert.Len(t, sched.History(0), 1)

	rec, _ = do(t, h, http.MethodPost, "/admin/jobs/missing/run", "s3cret")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

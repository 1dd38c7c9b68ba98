package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/outreach/internal/models"
	"github.com/example/outreach/internal/orchestrator"
	"github.com/example/outreach/internal/sequencer"
	"github.com/example/outreach/internal/store"
)

var now = time.Date(2024, 3, 6, 10, 0, 0, 0, time.UTC)

type fakeRunner struct {
	mu   sync.Mutex
	got  []models.Trigger
	res  models.RunResult
	err  error
	done chan struct{}
}

func (f *fakeRunner) Run(_ context.Context, trig models.Trigger) (models.RunResult, error) {
	f.mu.Lock()
	f.got = append(f.got, trig)
	f.mu.Unlock()
	if f.done != nil {
		defer close(f.done)
	}
	res := f.res
	res.Key = trig.IdempotencyKey()
	return res, f.err
}

type fakeStopper struct {
	run models.SequenceRun
	err error
}

func (f *fakeStopper) Stop(_ context.Context, runID, reason string) (models.SequenceRun, error) {
	r := f.run
	r.ID = runID
	if f.err == nil {
		r.State, r.StallReason, r.LastError = models.StateStalled, models.StallStopped, reason
	}
	return r, f.err
}

type fakeBudgets struct{}

func (fakeBudgets) Snapshot(_ context.Context, operatorID string) (models.RateBudget, error) {
	return models.RateBudget{OperatorID: operatorID, DailyCount: 5, DailyLimit: 20, WeeklyCount: 40, WeeklyLimit: 150, DailyResetAt: now.Add(14 * time.Hour)}, nil
}

type fakeStore struct {
	runs    map[string]models.SequenceRun
	pingErr error
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

func (f *fakeStore) Run(_ context.Context, id string) (models.SequenceRun, error) {
	r, ok := f.runs[id]
	if !ok {
		return r, store.ErrNotFound
	}
	return r, nil
}

func (f *fakeStore) ActionLogs(_ context.Context, runID string) ([]models.ActionLog, error) {
	return []models.ActionLog{{RunID: runID, Action: models.ActionInvite, Detail: "Hi Jane", CreatedAt: now}}, nil
}

type fixture struct {
	srv     *Server
	runner  *fakeRunner
	stopper *fakeStopper
	st      *fakeStore
}

func newFixture(secret string) *fixture {
	f := &fixture{
		runner:  &fakeRunner{res: models.RunResult{Status: models.RunCompleted, LeadsDiscovered: 2}},
		stopper: &fakeStopper{},
		st: &fakeStore{runs: map[string]models.SequenceRun{
			"r1": {ID: "r1", ContactID: "c1", OperatorID: "111", State: models.StateAwaitingAcceptance, NextActionAt: now.Add(time.Hour), InvitedAt: now},
		}},
	}
	f.srv = New(f.runner, f.stopper, fakeBudgets{}, f.st, Options{
		SharedSecret: secret,
		Registry:     prometheus.NewRegistry(),
		Now:          func() time.Time { return now },
	})
	return f
}

func do(t *testing.T, s *Server, method, path, body string, header map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := s.App().Test(req, -1)
	require.NoError(t, err)
	out := map[string]any{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp, out
}

func TestTriggerRunsSynchronously(t *testing.T) {
	f := newFixture("")
	resp, body := do(t, f.srv, http.MethodPost, "/v1/triggers",
		`{"company_id":"42","operator_id":"111","persona_set_ref":"default","processed_at":"2024-03-06T09:00:00Z"}`, nil)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, "42@2024-03-06T09:00:00Z", body["key"])
	require.Len(t, f.runner.got, 1)
	assert.Equal(t, "default", f.runner.got[0].PersonaSetRef)
}

func TestTriggerRequiresProcessedAt(t *testing.T) {
	f := newFixture("")
	for _, path := range []string{"/v1/triggers", "/v1/triggers?async=true"} {
		resp, body := do(t, f.srv, http.MethodPost, path, `{"company_id":"42","operator_id":"111","persona_set_ref":"default"}`, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, path)
		assert.Contains(t, body["error"], "processed_at")
	}
	assert.Empty(t, f.runner.got, "no run without a stable key")
}

func TestTriggerErrors(t *testing.T) {
	f := newFixture("")
	resp, _ := do(t, f.srv, http.MethodPost, "/v1/triggers", `{not json`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	f.runner.err = &orchestrator.InvalidTriggerError{Field: "company_id", Reason: "required"}
	resp, body := do(t, f.srv, http.MethodPost, "/v1/triggers", `{"operator_id":"111","processed_at":"2024-03-06T09:00:00Z"}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "company_id")

	f.runner.err = errors.New("database is locked")
	resp, body = do(t, f.srv, http.MethodPost, "/v1/triggers", `{"company_id":"42","operator_id":"111","processed_at":"2024-03-06T09:00:00Z"}`, nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "internal error", body["error"])
}

func TestTriggerAsync(t *testing.T) {
	f := newFixture("")
	f.runner.done = make(chan struct{})
	resp, body := do(t, f.srv, http.MethodPost, "/v1/triggers?async=true",
		`{"company_id":"42","operator_id":"111","persona_set_ref":"default","processed_at":"2024-03-06T09:00:00Z"}`, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "42@2024-03-06T09:00:00Z", body["key"])

	select {
	case <-f.runner.done:
	case <-time.After(5 * time.Second):
		t.Fatal("background run did not start")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = f.srv.Shutdown(ctx)
	require.NoError(t, ctx.Err(), "shutdown waits for background runs without hanging")
}

func TestSharedSecret(t *testing.T) {
	f := newFixture("s3cret")
	resp, _ := do(t, f.srv, http.MethodGet, "/v1/sequences/r1", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = do(t, f.srv, http.MethodGet, "/v1/sequences/r1", "", map[string]string{SecretHeader: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = do(t, f.srv, http.MethodGet, "/v1/sequences/r1", "", map[string]string{SecretHeader: "s3cret"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = do(t, f.srv, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "health is public")
}

func TestSequenceStatus(t *testing.T) {
	f := newFixture("")
	resp, body := do(t, f.srv, http.MethodGet, "/v1/sequences/r1", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	run := body["run"].(map[string]any)
	assert.Equal(t, "awaiting_acceptance", run["state"])
	assert.Equal(t, "2024-03-06T11:00:00Z", run["next_action_at"])
	actions := body["actions"].([]any)
	require.Len(t, actions, 1)
	assert.Equal(t, "invite", actions[0].(map[string]any)["action"])

	resp, _ = do(t, f.srv, http.MethodGet, "/v1/sequences/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStopSequence(t *testing.T) {
	f := newFixture("")
	resp, body := do(t, f.srv, http.MethodPost, "/v1/sequences/r1/stop", `{"reason":"operator cancelled"}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	run := body["run"].(map[string]any)
	assert.Equal(t, "stalled", run["state"])
	assert.Equal(t, "stopped", run["stall_reason"])
	assert.Equal(t, "operator cancelled", run["last_error"])
	assert.NotContains(t, run, "next_action_at")

	resp, _ = do(t, f.srv, http.MethodPost, "/v1/sequences/r1/stop", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "reason is optional")

	f.stopper.err = sequencer.ErrTerminal
	f.stopper.run = models.SequenceRun{State: models.StateConnected}
	resp, _ = do(t, f.srv, http.MethodPost, "/v1/sequences/r1/stop", "", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	f.stopper.err = sequencer.ErrUnknownRun
	resp, _ = do(t, f.srv, http.MethodPost, "/v1/sequences/nope/stop", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBudget(t *testing.T) {
	f := newFixture("")
	resp, body := do(t, f.srv, http.MethodGet, "/v1/operators/111/budget", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "111", body["operator_id"])
	assert.EqualValues(t, 15, body["daily_remaining"])
	assert.EqualValues(t, 110, body["weekly_remaining"])
	assert.NotContains(t, body, "invite_safe_after")
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture("")
	resp, body := do(t, f.srv, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])

	f.st.pingErr = errors.New("disk I/O error")
	resp, _ = do(t, f.srv, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, _ = do(t, f.srv, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

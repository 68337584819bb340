package opsapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/migadu/ruled/consts"
	"github.com/migadu/ruled/db"
	"github.com/migadu/ruled/pkg/health"
	"github.com/migadu/ruled/rules"
	"github.com/migadu/ruled/server/actions"
	"github.com/migadu/ruled/server/counters"
	"github.com/migadu/ruled/server/engine"
	"github.com/migadu/ruled/server/ingest"
	"github.com/migadu/ruled/server/notify"
	"github.com/migadu/ruled/server/outbox"
	"github.com/migadu/ruled/server/quota"
	"github.com/migadu/ruled/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wakeCounter struct{ n int }

func (w *wakeCounter) Notify() { w.n++ }

type apiFixture struct {
	store   db.Store
	acct    *testutils.Account
	pub     *outbox.Publisher
	waker   *wakeCounter
	handler http.Handler
}

func newAPI(t *testing.T, apiKey string) *apiFixture {
	t.Helper()
	store := testutils.NewSQLiteStore(t)
	acct := testutils.SeedAccount(t, store, "owner@example.com", 1_000_000)
	pub := outbox.NewPublisher()
	counter := counters.New(store)
	exec := actions.New(quota.NewGuard(&notify.Recorder{}, 0.9), counter, pub, false)
	eng := engine.New(store, exec, engine.Options{StepRetryBackoff: time.Millisecond})
	pool := ingest.New(eng, 2, 8)
	require.NoError(t, pool.Start(context.Background()))
	t.Cleanup(pool.Stop)

	f := &apiFixture{store: store, acct: acct, pub: pub, waker: &wakeCounter{}}
	srv, err := New(Deps{Store: store, Ingestor: pool, Engine: eng, Counters: counter, Waker: f.waker},
		Options{APIKey: apiKey})
	require.NoError(t, err)
	f.handler = srv.Handler()
	return f
}

func (f *apiFixture) do(t *testing.T, method, path, body, token string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "127.0.0.1:40000"
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	var out map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec, out
}

func TestHealthAndMetrics(t *testing.T) {
	f := newAPI(t, "secret")

	rec, body := f.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Len(t, rec.Header().Get("X-Request-ID"), 20)

	rec, _ = f.do(t, http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ruled_")
}

type fixedHealth struct {
	overall health.ComponentStatus
	reports []health.Report
}

func (f fixedHealth) Overall() health.ComponentStatus { return f.overall }
func (f fixedHealth) Reports() []health.Report        { return f.reports }

func TestHealthReportsComponents(t *testing.T) {
	f := newAPI(t, "")
	withHealth := func(h fixedHealth) {
		srv, err := New(Deps{Store: f.store, Ingestor: ingest.New(nil, 1, 1), Engine: engine.New(f.store, nil, engine.Options{}),
			Counters: counters.New(f.store), Health: h}, Options{})
		require.NoError(t, err)
		f.handler = srv.Handler()
	}

	withHealth(fixedHealth{overall: health.StatusDegraded, reports: []health.Report{
		{Name: "broker:s3", Status: health.StatusDegraded, Error: "circuit broker-s3 is open"},
		{Name: "store", Status: health.StatusHealthy, Critical: true},
	}})
	rec, body := f.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "degraded", body["status"])
	require.Len(t, body["components"], 2)

	withHealth(fixedHealth{overall: health.StatusUnhealthy})
	rec, body = f.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "unavailable", body["status"])
}

func TestAuthentication(t *testing.T) {
	f := newAPI(t, "secret")

	rec, _ := f.do(t, http.MethodGet, "/api/v1/outbox/failed", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec, _ = f.do(t, http.MethodGet, "/api/v1/outbox/failed", "", "wrong")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec, _ = f.do(t, http.MethodGet, "/api/v1/outbox/failed", "", "secret")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAllowedHosts(t *testing.T) {
	f := newAPI(t, "")
	srv, err := New(Deps{Store: f.store, Ingestor: ingest.New(nil, 1, 1), Engine: engine.New(f.store, nil, engine.Options{}), Counters: counters.New(f.store)},
		Options{AllowedHosts: []string{"10.0.0.0/8"}})
	require.NoError(t, err)
	f.handler = srv.Handler()

	rec, _ := f.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.True(t, hostAllowed("10.1.2.3", []string{"10.0.0.0/8"}))
	assert.True(t, hostAllowed("192.0.2.1", []string{"192.0.2.1"}))
}

func TestApplyMessage(t *testing.T) {
	f := newAPI(t, "")
	rule := testutils.SeedRule(t, f.store, &db.Rule{
		UserID:    f.acct.User.ID,
		Type:      rules.TypeLabel,
		Condition: &rules.Condition{Field: rules.FieldSubject, Operator: rules.OpContains, Value: "report"},
		Action:    &rules.Action{Label: "reports"},
		Enabled:   true,
	})
	msg := testutils.SeedMessage(t, f.store, f.acct.Inbox(), "Weekly report", "boss@example.com", 10)

	rec, body := f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/messages/%d/apply", msg.ID), "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []any{float64(rule.ID)}, body["executed"])

	rec, _ = f.do(t, http.MethodPost, "/api/v1/messages/999999/apply", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, body = f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/messages/%d/apply?async=true", msg.ID), "", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, true, body["queued"])
}

type gatedApplier struct {
	started chan int64
	release chan struct{}
}

func (g *gatedApplier) ApplyRules(ctx context.Context, messageID int64) (*engine.Report, error) {
	g.started <- messageID
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &engine.Report{MessageID: messageID}, nil
}

func TestAsyncApplyRefusedWhenQueueFull(t *testing.T) {
	f := newAPI(t, "")
	gate := &gatedApplier{started: make(chan int64, 4), release: make(chan struct{})}
	pool := ingest.New(gate, 1, 1)
	require.NoError(t, pool.Start(context.Background()))
	t.Cleanup(pool.Stop)
	t.Cleanup(func() { close(gate.release) })
	srv, err := New(Deps{Store: f.store, Ingestor: pool, Engine: engine.New(f.store, nil, engine.Options{}), Counters: counters.New(f.store)}, Options{})
	require.NoError(t, err)
	f.handler = srv.Handler()

	rec, _ := f.do(t, http.MethodPost, "/api/v1/messages/1/apply?async=true", "", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	select {
	case id := <-gate.started:
		assert.Equal(t, int64(1), id)
	case <-time.After(time.Second):
		t.Fatal("first message never reached a worker")
	}

	rec, _ = f.do(t, http.MethodPost, "/api/v1/messages/2/apply?async=true", "", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	done := make(chan int, 1)
	go func() {
		rec, _ := f.do(t, http.MethodPost, "/api/v1/messages/3/apply?async=true", "", "")
		done <- rec.Code
	}()
	select {
	case code := <-done:
		assert.Equal(t, http.StatusServiceUnavailable, code)
	case <-time.After(time.Second):
		t.Fatal("async apply blocked on a full queue")
	}
}

func TestValidateRule(t *testing.T) {
	f := newAPI(t, "")
	msg := testutils.SeedMessage(t, f.store, f.acct.Inbox(), "Invoice 7", "billing@example.com", 10)

	valid := `{"name":"bills","type":"MOVE_TO_FOLDER","condition":{"field":"subject","operator":"contains","value":"invoice"},"action":{"mailbox":"Archive"}}`
	rec, body := f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/rules/validate?message_id=%d", msg.ID), valid, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, true, body["valid"])
	assert.Equal(t, true, body["terminal"])
	assert.Equal(t, true, body["matches"])

	invalid := `{"name":"bad","type":"MOVE_TO_FOLDER","condition":{"field":"subject","operator":"contains","value":"x"},"action":{}}`
	rec, body = f.do(t, http.MethodPost, "/api/v1/rules/validate", invalid, "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, false, body["valid"])

	rec, _ = f.do(t, http.MethodPost, "/api/v1/rules/validate", "{", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFailedEventsAndRequeue(t *testing.T) {
	f := newAPI(t, "")
	ctx := context.Background()
	var event *db.OutboxEvent
	require.NoError(t, f.store.WithTx(ctx, func(ctx context.Context, tx db.Tx) error {
		var err error
		event, err = f.pub.EnqueueJSON(ctx, tx, consts.AggregateMessage, "1", consts.EventMessageUpdated, map[string]int{"n": 1})
		return err
	}))
	claimed, ok, err := f.store.ClaimOutboxEvent(ctx, event.ID, time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, f.store.MarkOutboxFailed(ctx, claimed.ID, 8, "broker down", time.Now()))

	rec, body := f.do(t, http.MethodGet, "/api/v1/outbox/failed", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["count"])

	rec, _ = f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/outbox/%d/requeue", event.ID), "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, f.waker.n)

	got, err := f.store.GetOutboxEvent(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, db.OutboxPending, got.Status)
	assert.Zero(t, got.RetryCount)

	// Only FAILED events can be requeued.
	rec, _ = f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/outbox/%d/requeue", event.ID), "", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, body = f.do(t, http.MethodGet, "/api/v1/outbox/stats", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["pending"])
}

func TestRecalculateMailbox(t *testing.T) {
	f := newAPI(t, "")
	testutils.SeedMessage(t, f.store, f.acct.Inbox(), "a", "x@example.com", 1)
	testutils.SeedMessage(t, f.store, f.acct.Inbox(), "b", "x@example.com", 1)

	rec, body := f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/mailboxes/%d/recalculate", f.acct.Inbox().ID), "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, float64(2), body["total_count"])

	rec, _ = f.do(t, http.MethodPost, "/api/v1/mailboxes/424242/recalculate", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

package debughttp

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"anybank/internal/audit"
	"anybank/internal/debugevents"
	"anybank/internal/directory"
	"anybank/internal/overrides"
	"anybank/internal/session"
	id "anybank/pkg/domain"
)

type debugFixture struct {
	router   *chi.Mux
	bus      *debugevents.Bus
	controls *overrides.Controls
	auditLog *audit.InMemoryStore
	sessions *session.InMemoryStore
	dir      *directory.InMemoryStore
}

func newFixture(t *testing.T) *debugFixture {
	t.Helper()
	f := &debugFixture{
		bus:      debugevents.New(),
		controls: overrides.New(),
		auditLog: audit.NewInMemoryStore(),
		sessions: session.NewInMemoryStore(),
		dir:      directory.NewInMemoryStore(),
	}
	h := New(f.bus, f.controls, f.auditLog, f.sessions, f.dir, nil)
	f.router = chi.NewRouter()
	h.Register(f.router)
	return f
}

func (f *debugFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestEventsFeedWithFilters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.bus.Emit(ctx, debugevents.Event{Type: debugevents.TypeAuth, Action: "login_initiated", SessionID: "s1"})
	f.bus.Emit(ctx, debugevents.Event{Type: debugevents.TypePolicy, Action: "policy_request", SessionID: "s1"})
	f.bus.Emit(ctx, debugevents.Event{Type: debugevents.TypeAuth, Action: "logout_initiated", SessionID: "s2"})

	rec := f.do(t, http.MethodGet, "/debug/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.EqualValues(t, 3, body["count"])
	assert.EqualValues(t, 3, body["total"])

	rec = f.do(t, http.MethodGet, "/debug/events?type=auth&sessionId=s1", "")
	body = decode(t, rec)
	assert.EqualValues(t, 1, body["count"])

	// Most recent first.
	rec = f.do(t, http.MethodGet, "/debug/events?type=auth", "")
	events := decode(t, rec)["events"].([]any)
	first := events[0].(map[string]any)
	assert.Equal(t, "logout_initiated", first["action"])
}

func TestEventsRejectsBadLimit(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/debug/events?limit=nope", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSessionTimelineIsChronological(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Now()
	f.bus.Emit(ctx, debugevents.Event{Type: debugevents.TypeAuth, Action: "second", SessionID: "s1", Timestamp: base.Add(time.Second)})
	f.bus.Emit(ctx, debugevents.Event{Type: debugevents.TypeAuth, Action: "first", SessionID: "s1", Timestamp: base})
	f.bus.Emit(ctx, debugevents.Event{Type: debugevents.TypeAuth, Action: "other", SessionID: "s2", Timestamp: base})

	rec := f.do(t, http.MethodGet, "/debug/sessions/s1/timeline", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.EqualValues(t, 2, body["eventCount"])
	events := body["events"].([]any)
	assert.Equal(t, "first", events[0].(map[string]any)["action"])
	assert.Equal(t, "second", events[1].(map[string]any)["action"])
}

func TestRiskOverrideLifecycle(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/debug/controls/risk", "")
	assert.Equal(t, false, decode(t, rec)["active"])

	rec = f.do(t, http.MethodPost, "/debug/controls/risk", `{"score":77}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/debug/controls/risk", "")
	body := decode(t, rec)
	assert.Equal(t, true, body["active"])
	assert.EqualValues(t, 77, body["score"])

	rec = f.do(t, http.MethodPost, "/debug/controls/risk", `{"score":null}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodGet, "/debug/controls/risk", "")
	assert.Equal(t, false, decode(t, rec)["active"])
}

func TestRiskOverrideRejectsOutOfRange(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/debug/controls/risk", `{"score":101}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodPost, "/debug/controls/risk", `{"score":-1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTimeOverrideLifecycle(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/debug/controls/time", `{"time":"2026-08-29T23:30:00Z"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/debug/controls/time", "")
	body := decode(t, rec)
	assert.Equal(t, true, body["active"])

	rec = f.do(t, http.MethodPost, "/debug/controls/time", `{"time":"not-a-time"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/debug/controls/time", `{"time":null}`)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodGet, "/debug/controls/time", "")
	assert.Equal(t, false, decode(t, rec)["active"])
}

func TestClearAllOverrides(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/debug/controls/risk", `{"score":50}`)
	f.do(t, http.MethodPost, "/debug/controls/time", `{"time":"2026-08-29T23:30:00Z"}`)

	rec := f.do(t, http.MethodDelete, "/debug/controls", "")
	require.Equal(t, http.StatusOK, rec.Code)

	state := decode(t, f.do(t, http.MethodGet, "/debug/controls", ""))
	assert.Equal(t, false, state["riskOverrideActive"])
	assert.Equal(t, false, state["timeOverrideActive"])
}

func TestResetTargets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.bus.Emit(ctx, debugevents.Event{Type: debugevents.TypeAuth, Action: "x"})
	f.auditLog.Append(ctx, audit.Record{UserID: id.NewUserID(), Action: audit.ActionLogin, Outcome: audit.OutcomeSuccess})
	require.NoError(t, f.sessions.Create(ctx, &session.Session{ID: id.NewSessionID(), ExpiresAt: time.Now().Add(time.Hour)}))

	rec := f.do(t, http.MethodPost, "/debug/controls/reset", `{"target":"audit"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, f.auditLog.Len())
	assert.Equal(t, 1, f.bus.Len(), "audit reset must not clear events")

	rec = f.do(t, http.MethodPost, "/debug/controls/reset", `{"target":"all"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, f.bus.Len())

	rec = f.do(t, http.MethodPost, "/debug/controls/reset", `{"target":"bogus"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventStreamDeliversNDJSON(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/debug/events/stream", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-ndjson", resp.Header.Get("Content-Type"))

	// Wait for the subscriber to register before emitting.
	require.Eventually(t, func() bool { return f.bus.SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)
	f.bus.Emit(context.Background(), debugevents.Event{Type: debugevents.TypeAuth, Action: "streamed"})

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	var e debugevents.Event
	require.NoError(t, json.Unmarshal([]byte(line), &e))
	assert.Equal(t, "streamed", e.Action)
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentcal/internal/analytics"
	"agentcal/internal/apperr"
	"agentcal/internal/auth"
	"agentcal/internal/availability"
	"agentcal/internal/calendar"
	"agentcal/internal/conflict"
	"agentcal/internal/config"
	"agentcal/internal/model"
	"agentcal/internal/scheduler"
	"agentcal/internal/slots"
	"agentcal/internal/store"
)

var testNow = time.Date(2026, time.March, 4, 8, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

const (
	adminKey = "admin-key"
	agentKey = "agent-1-key"
	otherKey = "agent-2-key"
)

func newTestServer(t *testing.T, opts Options) *httptest.Server {
	t.Helper()
	logger := zerolog.Nop()
	es := availability.NewMemoryEntryStore()
	repo := store.NewMemoryRepository()
	holds := slots.NewHoldRegistry(time.Minute)
	resolver := availability.NewResolver(es, logger)
	gen := slots.NewGenerator(resolver, repo, holds, logger).WithClock(fixedClock)
	det := conflict.NewDetector(repo, gen, conflict.Options{}, logger)
	st := store.New(repo, logger, store.WithSuggester(det), store.WithClock(fixedClock))
	svc := calendar.New(calendar.Deps{
		Store:     st,
		Entries:   es,
		Resolver:  resolver,
		Slots:     gen,
		Detector:  det,
		Scheduler: scheduler.New(gen, det, st, holds, scheduler.Config{}, logger, scheduler.WithClock(fixedClock)),
		Analytics: analytics.NewAggregator(st, nil, logger),
	}, calendar.Config{}, logger).WithClock(fixedClock)

	var weekly []model.AvailabilityEntry
	for d := time.Monday; d <= time.Friday; d++ {
		weekly = append(weekly, model.AvailabilityEntry{
			Kind: model.KindAvailable, IsRecurring: true, DayOfWeek: d,
			StartTime: model.MustTimeOfDay("09:00"), EndTime: model.MustTimeOfDay("17:00"),
		})
	}
	ctx := auth.WithPrincipal(context.Background(), auth.Principal{Subject: "ops", Role: auth.RoleAdmin})
	_, err := svc.UpsertAvailability(ctx, "agent-1", weekly)
	require.NoError(t, err)

	if opts.Keys == nil {
		opts.Keys = map[string]auth.Principal{
			adminKey: {Subject: "ops", Role: auth.RoleAdmin},
			agentKey: {Subject: "agent-1", Role: auth.RoleAgent},
			otherKey: {Subject: "agent-2", Role: auth.RoleAgent},
		}
	}
	srv := httptest.NewServer(NewServer(svc, opts, logger).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path, key, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if key != "" {
		req.Header.Set(APIKeyHeader, key)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var raw any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
		out, _ = raw.(map[string]any)
	}
	return resp, out
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

const viewing = `{"title":"Viewing","type":"viewing","startTime":"2026-03-09T10:00:00Z","endTime":"2026-03-09T11:00:00Z","assignedToId":"agent-1"}`

func TestServer_Authentication(t *testing.T) {
	srv := newTestServer(t, Options{})

	resp, _ := do(t, srv, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := do(t, srv, http.MethodGet, "/api/v1/appointments", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "UNAUTHORIZED", errorCode(body))

	resp, _ = do(t, srv, http.MethodGet, "/api/v1/appointments", "nope", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServer_RateLimit(t *testing.T) {
	srv := newTestServer(t, Options{RequestsPerSecond: 0.001, Burst: 1})

	resp, _ := do(t, srv, http.MethodGet, "/api/v1/appointments", adminKey, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, body := do(t, srv, http.MethodGet, "/api/v1/appointments", adminKey, "")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "RATE_LIMITED", errorCode(body))

	// Limits are per key.
	resp, _ = do(t, srv, http.MethodGet, "/api/v1/appointments", agentKey, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_AppointmentLifecycle(t *testing.T) {
	srv := newTestServer(t, Options{})

	resp, created := do(t, srv, http.MethodPost, "/api/v1/appointments", agentKey, viewing)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := created["id"].(string)
	assert.Equal(t, "agent-1", created["assignedToId"])
	assert.Equal(t, "scheduled", created["status"])
	assert.EqualValues(t, 1, created["version"])

	resp, got := do(t, srv, http.MethodGet, "/api/v1/appointments/"+id, agentKey, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, created["startTime"], got["startTime"])

	resp, body := do(t, srv, http.MethodGet, "/api/v1/appointments/"+id, otherKey, "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "FORBIDDEN", errorCode(body))

	resp, body = do(t, srv, http.MethodPost, "/api/v1/appointments", agentKey, viewing)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "CONFLICT", errorCode(body))
	details := body["error"].(map[string]any)["details"].(map[string]any)
	assert.Len(t, details["conflicts"], 1)
	assert.NotEmpty(t, details["suggestions"])

	resp, updated := do(t, srv, http.MethodPatch, "/api/v1/appointments/"+id, agentKey, `{"version":1,"status":"confirmed"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "confirmed", updated["status"])

	resp, body = do(t, srv, http.MethodPatch, "/api/v1/appointments/"+id, agentKey, `{"version":1,"title":"stale"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "CONCURRENCY_CONFLICT", errorCode(body))

	resp, body = do(t, srv, http.MethodPatch, "/api/v1/appointments/"+id, agentKey, `{"version":2,"status":"scheduled"}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "INVALID_TRANSITION", errorCode(body))

	resp, _ = do(t, srv, http.MethodDelete, "/api/v1/appointments/"+id+"?hard=true", agentKey, "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodDelete, "/api/v1/appointments/"+id, agentKey, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, list := do(t, srv, http.MethodGet, "/api/v1/appointments?status=cancelled", agentKey, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, list["count"])

	resp, _ = do(t, srv, http.MethodDelete, "/api/v1/appointments/"+id+"?hard=true", adminKey, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, body = do(t, srv, http.MethodGet, "/api/v1/appointments/"+id, adminKey, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", errorCode(body))
}

func TestServer_Validation(t *testing.T) {
	srv := newTestServer(t, Options{})

	tests := []struct {
		name   string
		method string
		path   string
		body   string
	}{
		{"unknown field", http.MethodPost, "/api/v1/appointments", `{"title":"x","colour":"red"}`},
		{"empty body", http.MethodPost, "/api/v1/appointments", ``},
		{"end before start", http.MethodPost, "/api/v1/appointments", `{"title":"x","type":"call","startTime":"2026-03-09T11:00:00Z","endTime":"2026-03-09T10:00:00Z","assignedToId":"agent-1"}`},
		{"bad status filter", http.MethodGet, "/api/v1/appointments?status=maybe", ``},
		{"bad time", http.MethodGet, "/api/v1/agents/agent-1/slots?from=tomorrow&to=2026-03-10&duration=30", ``},
		{"range too long", http.MethodGet, "/api/v1/agents/agent-1/availability?from=2026-01-01&to=2026-12-31", ``},
		{"missing version", http.MethodPatch, "/api/v1/appointments/x", `{"title":"y"}`},
		{"empty bulk", http.MethodPost, "/api/v1/appointments/bulk-delete", `{"ids":[]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, srv, tt.method, tt.path, adminKey, tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, "VALIDATION_ERROR", errorCode(body))
			details := body["error"].(map[string]any)["details"].(map[string]any)
			assert.NotEmpty(t, details["fields"])
		})
	}
}

func TestServer_BodyLimit(t *testing.T) {
	srv := newTestServer(t, Options{MaxBodyBytes: 64})
	resp, body := do(t, srv, http.MethodPost, "/api/v1/appointments", adminKey, viewing)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", errorCode(body))
}

func TestServer_Slots(t *testing.T) {
	srv := newTestServer(t, Options{})

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/agents/agent-1/slots?from=2026-03-09&to=2026-03-10&duration=60&bufferMinutes=15", nil)
	require.NoError(t, err)
	req.Header.Set(APIKeyHeader, agentKey)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got []model.TimeSlot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Len(t, got, 28)
	assert.Equal(t, "09:00", got[0].StartTime.Format("15:04"))
	assert.Equal(t, "15:45", got[27].StartTime.Format("15:04"))
	assert.Equal(t, 60, got[0].Duration)
}

func TestServer_SmartScheduleAndConflicts(t *testing.T) {
	srv := newTestServer(t, Options{})

	resp, res := do(t, srv, http.MethodPost, "/api/v1/schedule/smart", agentKey,
		`{"type":"viewing","duration":30,"priority":"urgent","assignedToId":"agent-1","preferredDates":["2026-03-09"]}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	appt := res["appointment"].(map[string]any)
	assert.Equal(t, "2026-03-09T09:00:00Z", appt["startTime"])
	rec := res["recommendation"].(map[string]any)
	assert.Contains(t, rec["reason"], "urgent")

	resp, check := do(t, srv, http.MethodPost, "/api/v1/conflicts/check", agentKey,
		`{"agentId":"agent-1","start":"2026-03-09T09:15:00Z","end":"2026-03-09T09:45:00Z"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, check["hasConflicts"])
	assert.Len(t, check["conflicts"], 1)
}

func TestServer_AvailabilityAndCalendar(t *testing.T) {
	srv := newTestServer(t, Options{})

	resp, body := do(t, srv, http.MethodPut, "/api/v1/agents/agent-1/availability", agentKey,
		`{"entries":[{"kind":"vacation","date":"2026-03-10","startTime":"00:00","endTime":"24:00"}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["entries"], 1)

	resp, body = do(t, srv, http.MethodGet, "/api/v1/agents/agent-1/availability?from=2026-03-10&to=2026-03-11", agentKey, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	intervals := body["intervals"].([]any)
	require.Len(t, intervals, 1)
	assert.Equal(t, "unavailable", intervals[0].(map[string]any)["state"])

	resp, _ = do(t, srv, http.MethodPost, "/api/v1/appointments", agentKey, viewing)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodGet, "/api/v1/agents/agent-1/calendar.ics?from=2026-03-09&to=2026-03-10", agentKey, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/calendar; charset=utf-8", resp.Header.Get("Content-Type"))

	resp, _ = do(t, srv, http.MethodGet, "/api/v1/agents/agent-1/calendar.ics?from=2026-03-09&to=2026-03-10", otherKey, "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestServer_Analytics(t *testing.T) {
	srv := newTestServer(t, Options{})
	resp, _ := do(t, srv, http.MethodPost, "/api/v1/appointments", agentKey, viewing)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := do(t, srv, http.MethodGet, "/api/v1/analytics?from=2026-03-01&to=2026-04-01&groupBy=type", adminKey, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	summary := body["summary"].(map[string]any)
	assert.EqualValues(t, 1, summary["total"])

	resp, _ = do(t, srv, http.MethodGet, "/api/v1/analytics?from=2026-03-01&to=2026-04-01&agentId=agent-1", otherKey, "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = do(t, srv, http.MethodGet, "/api/v1/analytics/export.xlsx?from=2026-03-01&to=2026-04-01", adminKey, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "spreadsheetml")
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{apperr.Invalid("x", "bad"), http.StatusBadRequest},
		{&apperr.ForbiddenError{Action: "x"}, http.StatusForbidden},
		{&apperr.NotFoundError{Resource: "appointment", ID: "x"}, http.StatusNotFound},
		{&apperr.ConflictError{}, http.StatusConflict},
		{&apperr.NoAvailabilityError{AgentID: "a"}, http.StatusConflict},
		{&apperr.ConcurrencyError{ID: "x"}, http.StatusConflict},
		{&apperr.InvalidTransitionError{From: model.StatusCompleted, To: model.StatusScheduled}, http.StatusUnprocessableEntity},
		{&apperr.TimeoutError{Op: "x"}, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(apperr.CodeOf(tt.err)), "%T", tt.err)
	}
}

func TestWriteError_HidesInternalCause(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	writeError(rec, req, zerolog.Nop(), apperr.Internal("op", errors.New("db password leaked")))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "password")
	assert.Contains(t, rec.Body.String(), `"code":"INTERNAL"`)
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := &config.Config{}
	cfg.Auth.APIKeys = []config.APIKeyConfig{
		{Key: "a", Subject: "alice", Role: "agent", AgentID: "agent-7"},
		{Key: "b", Subject: "crm", Role: "service"},
	}
	opts := OptionsFromConfig(cfg)
	assert.Equal(t, auth.Principal{Subject: "agent-7", Role: auth.RoleAgent}, opts.Keys["a"])
	assert.Equal(t, auth.Principal{Subject: "crm", Role: auth.RoleService}, opts.Keys["b"])
}

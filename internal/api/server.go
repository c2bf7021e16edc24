// Package api exposes the calendar service over HTTP/JSON.
package api

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"agentcal/internal/analytics"
	"agentcal/internal/apperr"
	"agentcal/internal/auth"
	"agentcal/internal/calendar"
	"agentcal/internal/config"
	"agentcal/internal/conflict"
	"agentcal/internal/model"
	"agentcal/internal/scheduler"
	"agentcal/internal/store"
)

const healthPath = "/healthz"

// Options configure the HTTP layer.
type Options struct {
	Keys              map[string]auth.Principal
	RequestsPerSecond float64
	Burst             int
	MaxBodyBytes      int64
}

// OptionsFromConfig builds Options from the service configuration.
// Agent keys act as their agent; other roles keep the configured subject.
func OptionsFromConfig(cfg *config.Config) Options {
	keys := make(map[string]auth.Principal, len(cfg.Auth.APIKeys))
	for _, k := range cfg.Auth.APIKeys {
		p := auth.Principal{Subject: k.Subject, Role: auth.Role(k.Role)}
		if p.Role == auth.RoleAgent {
			p.Subject = k.AgentID
		}
		keys[k.Key] = p
	}
	return Options{
		Keys:              keys,
		RequestsPerSecond: cfg.Auth.RateLimit.RequestsPerSecond,
		Burst:             cfg.Auth.RateLimit.Burst,
		MaxBodyBytes:      cfg.Server.MaxBodyBytes,
	}
}

// Server holds the HTTP handlers.
type Server struct {
	svc    *calendar.Service
	opts   Options
	logger zerolog.Logger
}

// NewServer creates the HTTP layer over svc.
func NewServer(svc *calendar.Service, opts Options, logger zerolog.Logger) *Server {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 20
	}
	if opts.Burst <= 0 {
		opts.Burst = 40
	}
	return &Server{svc: svc, opts: opts, logger: logger.With().Str("component", "api").Logger()}
}

// Handler returns the fully wrapped router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+healthPath, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("POST /api/v1/appointments", s.createAppointment)
	mux.HandleFunc("GET /api/v1/appointments", s.listAppointments)
	mux.HandleFunc("GET /api/v1/appointments/{id}", s.getAppointment)
	mux.HandleFunc("PATCH /api/v1/appointments/{id}", s.updateAppointment)
	mux.HandleFunc("DELETE /api/v1/appointments/{id}", s.deleteAppointment)
	mux.HandleFunc("POST /api/v1/appointments/bulk-update", s.bulkUpdate)
	mux.HandleFunc("POST /api/v1/appointments/bulk-delete", s.bulkDelete)
	mux.HandleFunc("POST /api/v1/schedule/smart", s.smartSchedule)
	mux.HandleFunc("POST /api/v1/conflicts/check", s.checkConflicts)
	mux.HandleFunc("GET /api/v1/agents/{agentID}/slots", s.availableSlots)
	mux.HandleFunc("PUT /api/v1/agents/{agentID}/availability", s.upsertAvailability)
	mux.HandleFunc("GET /api/v1/agents/{agentID}/availability", s.resolveAvailability)
	mux.HandleFunc("POST /api/v1/agents/{agentID}/availability/import", s.importICS)
	mux.HandleFunc("GET /api/v1/agents/{agentID}/calendar.ics", s.exportICS)
	mux.HandleFunc("GET /api/v1/analytics", s.analytics)
	mux.HandleFunc("GET /api/v1/analytics/export.xlsx", s.analyticsXLSX)

	keys := newKeyAuth(s.opts.Keys, s.opts.RequestsPerSecond, s.opts.Burst)
	h := Chain(mux,
		withRecover(s.logger),
		withAccessLog(s.logger),
		keys.middleware(healthPath),
		withBodyLimit(s.opts.MaxBodyBytes),
		withMetrics,
	)
	return otelhttp.NewHandler(h, "agentcal")
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, s.logger, err)
}

func (s *Server) createAppointment(w http.ResponseWriter, r *http.Request) {
	var req store.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	a, err := s.svc.CreateAppointment(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) getAppointment(w http.ResponseWriter, r *http.Request) {
	a, err := s.svc.GetAppointment(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type updateBody struct {
	Version int64 `json:"version"`
	store.UpdateRequest
}

func (s *Server) updateAppointment(w http.ResponseWriter, r *http.Request) {
	var body updateBody
	if err := decodeJSON(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	if body.Version <= 0 {
		s.fail(w, r, apperr.Invalid("version", "is required"))
		return
	}
	a, err := s.svc.UpdateAppointment(r.Context(), r.PathValue("id"), body.Version, body.UpdateRequest)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) deleteAppointment(w http.ResponseWriter, r *http.Request) {
	q := newQuery(r)
	hard := q.boolean("hard")
	version := q.integer64("version")
	if err := q.err(); err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.svc.DeleteAppointment(r.Context(), r.PathValue("id"), hard, version); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listAppointments(w http.ResponseWriter, r *http.Request) {
	q := newQuery(r)
	f := store.Filter{
		AgentIDs:   q.list("agentId"),
		ContactID:  q.str("contactId"),
		PropertyID: q.str("propertyId"),
		Search:     q.str("search"),
		From:       q.time("from"),
		To:         q.time("to"),
		Limit:      q.integer("limit"),
		Offset:     q.integer("offset"),
	}
	for _, v := range q.list("status") {
		st, err := model.ParseStatus(v)
		if err != nil {
			q.fail("status", err.Error())
			continue
		}
		f.Statuses = append(f.Statuses, st)
	}
	for _, v := range q.list("type") {
		t, err := model.ParseAppointmentType(v)
		if err != nil {
			q.fail("type", err.Error())
			continue
		}
		f.Types = append(f.Types, t)
	}
	for _, v := range q.list("priority") {
		p, err := model.ParsePriority(v)
		if err != nil {
			q.fail("priority", err.Error())
			continue
		}
		f.Priorities = append(f.Priorities, p)
	}
	if err := q.err(); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.svc.ListAppointments(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type bulkUpdateBody struct {
	Items []store.BulkUpdateItem `json:"items"`
}

func (s *Server) bulkUpdate(w http.ResponseWriter, r *http.Request) {
	var body bulkUpdateBody
	if err := decodeJSON(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	if len(body.Items) == 0 {
		s.fail(w, r, apperr.Invalid("items", "must not be empty"))
		return
	}
	writeJSON(w, http.StatusOK, s.svc.BulkUpdate(r.Context(), body.Items))
}

type bulkDeleteBody struct {
	IDs  []string `json:"ids"`
	Hard bool     `json:"hard,omitempty"`
}

func (s *Server) bulkDelete(w http.ResponseWriter, r *http.Request) {
	var body bulkDeleteBody
	if err := decodeJSON(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	if len(body.IDs) == 0 {
		s.fail(w, r, apperr.Invalid("ids", "must not be empty"))
		return
	}
	writeJSON(w, http.StatusOK, s.svc.BulkDelete(r.Context(), body.IDs, body.Hard))
}

func (s *Server) smartSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduler.Request
	if err := decodeJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.svc.SmartSchedule(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) checkConflicts(w http.ResponseWriter, r *http.Request) {
	var p conflict.Proposal
	if err := decodeJSON(r, &p); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.svc.CheckConflicts(r.Context(), p)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) availableSlots(w http.ResponseWriter, r *http.Request) {
	q := newQuery(r)
	sq := calendar.SlotQuery{
		AgentID:            r.PathValue("agentID"),
		From:               q.time("from"),
		To:                 q.time("to"),
		Duration:           q.integer("duration"),
		Buffer:             q.integer("bufferMinutes"),
		IncludeUnavailable: q.boolean("includeUnavailable"),
	}
	if err := q.err(); err != nil {
		s.fail(w, r, err)
		return
	}
	found, err := s.svc.AvailableSlots(r.Context(), sq)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

type availabilityBody struct {
	Entries []model.AvailabilityEntry `json:"entries"`
}

func (s *Server) upsertAvailability(w http.ResponseWriter, r *http.Request) {
	var body availabilityBody
	if err := decodeJSON(r, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	entries, err := s.svc.UpsertAvailability(r.Context(), r.PathValue("agentID"), body.Entries)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, availabilityBody{Entries: entries})
}

func (s *Server) resolveAvailability(w http.ResponseWriter, r *http.Request) {
	q := newQuery(r)
	from, to := q.time("from"), q.time("to")
	if err := q.err(); err != nil {
		s.fail(w, r, err)
		return
	}
	intervals, err := s.svc.ResolveAvailability(r.Context(), r.PathValue("agentID"), from, to)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"intervals": intervals})
}

func (s *Server) importICS(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.ImportBusyICS(r.Context(), r.PathValue("agentID"), r.Body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) exportICS(w http.ResponseWriter, r *http.Request) {
	q := newQuery(r)
	from, to := q.time("from"), q.time("to")
	includeCancelled := q.boolean("includeCancelled")
	if err := q.err(); err != nil {
		s.fail(w, r, err)
		return
	}
	var buf bytes.Buffer
	if err := s.svc.ExportICS(r.Context(), r.PathValue("agentID"), from, to, includeCancelled, &buf); err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, &buf)
}

func (s *Server) analyticsQuery(r *http.Request) (analytics.Query, error) {
	q := newQuery(r)
	aq := analytics.Query{
		From:     q.time("from"),
		To:       q.time("to"),
		AgentIDs: q.list("agentId"),
		GroupBy:  analytics.GroupBy(q.str("groupBy")),
		TopN:     q.integer("topN"),
	}
	return aq, q.err()
}

func (s *Server) analytics(w http.ResponseWriter, r *http.Request) {
	aq, err := s.analyticsQuery(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.svc.Analytics(r.Context(), aq)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) analyticsXLSX(w http.ResponseWriter, r *http.Request) {
	aq, err := s.analyticsQuery(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var buf bytes.Buffer
	if err := s.svc.ExportAnalyticsXLSX(r.Context(), aq, &buf); err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="analytics.xlsx"`)
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, &buf)
}

// query collects query-string parsing problems into one ValidationError.
type query struct {
	values map[string][]string
	v      apperr.ValidationError
}

func newQuery(r *http.Request) *query {
	return &query{values: r.URL.Query()}
}

func (q *query) fail(field, msg string) {
	q.v.Add(field, "%s", msg)
}

func (q *query) str(name string) string {
	if v := q.values[name]; len(v) > 0 {
		return strings.TrimSpace(v[0])
	}
	return ""
}

// list accepts repeated parameters and comma separated values.
func (q *query) list(name string) []string {
	var out []string
	for _, raw := range q.values[name] {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func (q *query) time(name string) time.Time {
	raw := q.str(name)
	if raw == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC()
	}
	if d, err := model.ParseDate(raw); err == nil {
		return d.In(time.UTC)
	}
	q.fail(name, "must be an RFC 3339 timestamp or YYYY-MM-DD date")
	return time.Time{}
}

func (q *query) integer(name string) int {
	raw := q.str(name)
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		q.fail(name, "must be an integer")
	}
	return n
}

func (q *query) integer64(name string) int64 {
	raw := q.str(name)
	if raw == "" {
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		q.fail(name, "must be an integer")
	}
	return n
}

func (q *query) boolean(name string) bool {
	raw := q.str(name)
	if raw == "" {
		return false
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		q.fail(name, "must be true or false")
	}
	return b
}

func (q *query) err() error {
	return q.v.OrNil()
}

// Shutdown gracefully stops srv within timeout.
func Shutdown(srv *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return srv.Shutdown(ctx)
}

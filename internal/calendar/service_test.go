package calendar

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentcal/internal/analytics"
	"agentcal/internal/apperr"
	"agentcal/internal/auth"
	"agentcal/internal/availability"
	"agentcal/internal/calsync"
	"agentcal/internal/conflict"
	"agentcal/internal/events"
	"agentcal/internal/model"
	"agentcal/internal/scheduler"
	"agentcal/internal/slots"
	"agentcal/internal/store"
)

// Wednesday.
var testNow = time.Date(2026, time.March, 4, 8, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

var nextMonday = model.Date{Year: 2026, Month: time.March, Day: 9}

func mondayAt(hour, min int) time.Time {
	return time.Date(2026, time.March, 9, hour, min, 0, 0, time.UTC)
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(_ context.Context, e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) count(t events.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type fixture struct {
	svc     *Service
	entries *availability.MemoryEntryStore
	events  *recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zerolog.Nop()
	rec := &recorder{}
	es := availability.NewMemoryEntryStore()
	repo := store.NewMemoryRepository()
	holds := slots.NewHoldRegistry(time.Minute)
	resolver := availability.NewResolver(es, logger)
	gen := slots.NewGenerator(resolver, repo, holds, logger).WithClock(fixedClock)
	det := conflict.NewDetector(repo, gen, conflict.Options{}, logger)
	st := store.New(repo, logger, store.WithSuggester(det), store.WithObserver(rec), store.WithClock(fixedClock))
	sched := scheduler.New(gen, det, st, holds, scheduler.Config{}, logger, scheduler.WithClock(fixedClock))

	svc := New(Deps{
		Store:     st,
		Entries:   es,
		Resolver:  resolver,
		Slots:     gen,
		Detector:  det,
		Scheduler: sched,
		Analytics: analytics.NewAggregator(st, nil, logger),
		Observer:  rec,
	}, Config{}, logger).WithClock(fixedClock)

	f := &fixture{svc: svc, entries: es, events: rec}
	var weekly []model.AvailabilityEntry
	for d := time.Monday; d <= time.Friday; d++ {
		weekly = append(weekly, model.AvailabilityEntry{
			Kind: model.KindAvailable, IsRecurring: true, DayOfWeek: d,
			StartTime: model.MustTimeOfDay("09:00"), EndTime: model.MustTimeOfDay("17:00"),
		})
	}
	_, err := svc.UpsertAvailability(admin(), "agent-1", weekly)
	require.NoError(t, err)
	return f
}

func admin() context.Context {
	return auth.WithPrincipal(context.Background(), auth.Principal{Subject: "ops", Role: auth.RoleAdmin})
}

func agent(id string) context.Context {
	return auth.WithPrincipal(context.Background(), auth.Principal{Subject: id, Role: auth.RoleAgent})
}

func createReq(agentID string, start time.Time, minutes int) store.CreateRequest {
	return store.CreateRequest{
		Title:        "Viewing",
		Type:         model.TypeViewing,
		StartTime:    start,
		EndTime:      start.Add(time.Duration(minutes) * time.Minute),
		AssignedToID: agentID,
	}
}

func TestService_CreateAndGet(t *testing.T) {
	f := newFixture(t)

	created, err := f.svc.CreateAppointment(agent("agent-1"), createReq("agent-1", mondayAt(10, 0), 60))
	require.NoError(t, err)

	got, err := f.svc.GetAppointment(agent("agent-1"), created.ID)
	require.NoError(t, err)
	assert.Equal(t, created, got)

	_, err = f.svc.GetAppointment(agent("agent-2"), created.ID)
	assert.Equal(t, apperr.CodeForbidden, apperr.CodeOf(err))

	_, err = f.svc.CreateAppointment(agent("agent-2"), createReq("agent-1", mondayAt(12, 0), 30))
	assert.Equal(t, apperr.CodeForbidden, apperr.CodeOf(err))

	_, err = f.svc.GetAppointment(admin(), "missing")
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

func TestService_UpdateAndDelete(t *testing.T) {
	f := newFixture(t)
	ctx := agent("agent-1")
	created, err := f.svc.CreateAppointment(ctx, createReq("agent-1", mondayAt(10, 0), 60))
	require.NoError(t, err)

	reassign := "agent-2"
	_, err = f.svc.UpdateAppointment(ctx, created.ID, created.Version, store.UpdateRequest{AssignedToID: &reassign})
	assert.Equal(t, apperr.CodeForbidden, apperr.CodeOf(err))

	title := "Second viewing"
	updated, err := f.svc.UpdateAppointment(ctx, created.ID, created.Version, store.UpdateRequest{Title: &title})
	require.NoError(t, err)
	assert.Equal(t, title, updated.Title)

	_, err = f.svc.UpdateAppointment(ctx, created.ID, created.Version, store.UpdateRequest{Title: &title})
	assert.Equal(t, apperr.CodeConcurrency, apperr.CodeOf(err))

	err = f.svc.DeleteAppointment(ctx, created.ID, true, 0)
	assert.Equal(t, apperr.CodeForbidden, apperr.CodeOf(err))

	require.NoError(t, f.svc.DeleteAppointment(ctx, created.ID, false, updated.Version))
	got, err := f.svc.GetAppointment(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, got.Status)

	require.NoError(t, f.svc.DeleteAppointment(admin(), created.ID, true, 0))
	_, err = f.svc.GetAppointment(admin(), created.ID)
	assert.Equal(t, apperr.CodeNotFound, apperr.CodeOf(err))
}

func TestService_ListAppointmentsScopesAgents(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.UpsertAvailability(admin(), "agent-2", []model.AvailabilityEntry{{
		Kind: model.KindAvailable, IsRecurring: true, DayOfWeek: time.Monday,
		StartTime: model.MustTimeOfDay("09:00"), EndTime: model.MustTimeOfDay("17:00"),
	}})
	require.NoError(t, err)

	_, err = f.svc.CreateAppointment(admin(), createReq("agent-1", mondayAt(10, 0), 60))
	require.NoError(t, err)
	_, err = f.svc.CreateAppointment(admin(), createReq("agent-2", mondayAt(10, 0), 60))
	require.NoError(t, err)

	all, err := f.svc.ListAppointments(admin(), store.Filter{})
	require.NoError(t, err)
	assert.Equal(t, 2, all.Count)

	own, err := f.svc.ListAppointments(agent("agent-1"), store.Filter{})
	require.NoError(t, err)
	require.Equal(t, 1, own.Count)
	assert.Equal(t, "agent-1", own.Items[0].AssignedToID)

	_, err = f.svc.ListAppointments(agent("agent-1"), store.Filter{AgentIDs: []string{"agent-2"}})
	assert.Equal(t, apperr.CodeForbidden, apperr.CodeOf(err))

	_, err = f.svc.ListAppointments(context.Background(), store.Filter{})
	assert.Equal(t, apperr.CodeForbidden, apperr.CodeOf(err))

	_, err = f.svc.ListAppointments(admin(), store.Filter{From: mondayAt(12, 0), To: mondayAt(9, 0)})
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
}

func TestService_BulkDeleteReportsDenied(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.UpsertAvailability(admin(), "agent-2", []model.AvailabilityEntry{{
		Kind: model.KindAvailable, IsRecurring: true, DayOfWeek: time.Monday,
		StartTime: model.MustTimeOfDay("09:00"), EndTime: model.MustTimeOfDay("17:00"),
	}})
	require.NoError(t, err)
	own, err := f.svc.CreateAppointment(admin(), createReq("agent-1", mondayAt(10, 0), 60))
	require.NoError(t, err)
	other, err := f.svc.CreateAppointment(admin(), createReq("agent-2", mondayAt(10, 0), 60))
	require.NoError(t, err)

	res := f.svc.BulkDelete(agent("agent-1"), []string{own.ID, other.ID, "missing"}, false)
	assert.Equal(t, []string{own.ID}, res.Succeeded)
	require.Len(t, res.Failed, 2)
	assert.Equal(t, apperr.CodeForbidden, res.Failed[0].Code)
	assert.Equal(t, apperr.CodeNotFound, res.Failed[1].Code)
}

func TestService_BulkUpdate(t *testing.T) {
	f := newFixture(t)
	a, err := f.svc.CreateAppointment(admin(), createReq("agent-1", mondayAt(10, 0), 60))
	require.NoError(t, err)
	b, err := f.svc.CreateAppointment(admin(), createReq("agent-1", mondayAt(13, 0), 60))
	require.NoError(t, err)

	confirmed := model.StatusConfirmed
	res := f.svc.BulkUpdate(agent("agent-1"), []store.BulkUpdateItem{
		{ID: a.ID, Version: a.Version, Changes: store.UpdateRequest{Status: &confirmed}},
		{ID: b.ID, Version: b.Version + 5, Changes: store.UpdateRequest{Status: &confirmed}},
	})
	assert.Equal(t, []string{a.ID}, res.Succeeded)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, apperr.CodeConcurrency, res.Failed[0].Code)
}

func TestService_AvailableSlots(t *testing.T) {
	f := newFixture(t)

	got, err := f.svc.AvailableSlots(agent("agent-1"), SlotQuery{
		AgentID: "agent-1", From: mondayAt(0, 0), To: mondayAt(0, 0).AddDate(0, 0, 1),
		Duration: 60, Buffer: 15,
	})
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.True(t, got[0].StartTime.Equal(mondayAt(9, 0)))
	assert.True(t, got[len(got)-1].StartTime.Equal(mondayAt(15, 45)))
	assert.Len(t, got, 28)
	for _, s := range got {
		assert.Equal(t, time.Hour, s.EndTime.Sub(s.StartTime))
	}
}

func TestService_AvailableSlotsValidation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name  string
		q     SlotQuery
		field string
	}{
		{"missing agent", SlotQuery{From: mondayAt(0, 0), To: mondayAt(23, 0), Duration: 30}, "agentId"},
		{"zero duration", SlotQuery{AgentID: "agent-1", From: mondayAt(0, 0), To: mondayAt(23, 0)}, "duration"},
		{"negative buffer", SlotQuery{AgentID: "agent-1", From: mondayAt(0, 0), To: mondayAt(23, 0), Duration: 30, Buffer: -5}, "bufferMinutes"},
		{"inverted range", SlotQuery{AgentID: "agent-1", From: mondayAt(23, 0), To: mondayAt(0, 0), Duration: 30}, "to"},
		{"range too long", SlotQuery{AgentID: "agent-1", From: mondayAt(0, 0), To: mondayAt(0, 0).AddDate(0, 0, 91), Duration: 30}, "to"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.AvailableSlots(admin(), tt.q)
			var v *apperr.ValidationError
			require.ErrorAs(t, err, &v)
			assert.Equal(t, tt.field, v.Fields[0].Field)
		})
	}
}

func TestService_CheckConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := agent("agent-1")
	_, err := f.svc.CreateAppointment(ctx, createReq("agent-1", mondayAt(10, 0), 60))
	require.NoError(t, err)

	res, err := f.svc.CheckConflicts(ctx, conflict.Proposal{AgentID: "agent-1", Start: mondayAt(10, 30), End: mondayAt(11, 30)})
	require.NoError(t, err)
	assert.True(t, res.HasConflicts)
	assert.Len(t, res.Conflicts, 1)
	assert.NotEmpty(t, res.Suggestions)

	res, err = f.svc.CheckConflicts(ctx, conflict.Proposal{AgentID: "agent-1", Start: mondayAt(11, 0), End: mondayAt(12, 0)})
	require.NoError(t, err)
	assert.False(t, res.HasConflicts)
	assert.Empty(t, res.Conflicts)

	_, err = f.svc.CheckConflicts(ctx, conflict.Proposal{AgentID: "agent-1", Start: mondayAt(12, 0), End: mondayAt(11, 0)})
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
}

func TestService_SmartSchedule(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.SmartSchedule(agent("agent-1"), scheduler.Request{
		Type: model.TypeViewing, Duration: 30, Priority: model.PriorityUrgent,
		AssignedToID: "agent-1", PreferredDates: []model.Date{nextMonday},
	})
	require.NoError(t, err)
	assert.True(t, res.Appointment.StartTime.Equal(mondayAt(9, 0)))
	assert.Contains(t, res.Recommendation.Reason, "urgent")

	_, err = f.svc.SmartSchedule(agent("agent-2"), scheduler.Request{
		Type: model.TypeViewing, Duration: 30, AssignedToID: "agent-1",
	})
	assert.Equal(t, apperr.CodeForbidden, apperr.CodeOf(err))
}

func TestService_UpsertAvailability(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, 1, f.events.count(events.AvailabilityUpdated))

	_, err := f.svc.UpsertAvailability(agent("agent-1"), "agent-1", []model.AvailabilityEntry{
		{Kind: "nap", Date: nextMonday, StartTime: 600, EndTime: 660},
	})
	var v *apperr.ValidationError
	require.ErrorAs(t, err, &v)
	assert.Equal(t, "entries[0].kind", v.Fields[0].Field)

	_, err = f.svc.UpsertAvailability(agent("agent-2"), "agent-1", []model.AvailabilityEntry{
		{Kind: model.KindBusy, Date: nextMonday, StartTime: 600, EndTime: 660},
	})
	assert.Equal(t, apperr.CodeForbidden, apperr.CodeOf(err))
	assert.Equal(t, 1, f.events.count(events.AvailabilityUpdated))
}

const busyFeed = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//test//EN
BEGIN:VEVENT
UID:dentist
DTSTAMP:20260301T000000Z
DTSTART:20260309T100000Z
DTEND:20260309T110000Z
SUMMARY:Dentist
END:VEVENT
END:VCALENDAR
`

func TestService_ImportBusyICS(t *testing.T) {
	f := newFixture(t)
	ctx := agent("agent-1")
	feed := strings.ReplaceAll(busyFeed, "\n", "\r\n")

	res, err := f.svc.ImportBusyICS(ctx, "agent-1", strings.NewReader(feed))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Blocks)
	assert.Equal(t, []model.Date{nextMonday}, res.Dates)
	assert.Equal(t, 2, res.Entries)

	intervals, err := f.svc.ResolveAvailability(ctx, "agent-1", mondayAt(0, 0), mondayAt(0, 0).AddDate(0, 0, 2))
	require.NoError(t, err)
	var free [][2]string
	for _, iv := range availability.FreeIntervals(intervals) {
		free = append(free, [2]string{iv.Start.Format("01-02 15:04"), iv.End.Format("01-02 15:04")})
	}
	assert.Equal(t, [][2]string{
		{"03-09 09:00", "03-09 10:00"},
		{"03-09 11:00", "03-09 17:00"},
		{"03-10 09:00", "03-10 17:00"},
	}, free)

	before, err := f.entries.ListAvailability(context.Background(), "agent-1")
	require.NoError(t, err)
	_, err = f.svc.ImportBusyICS(ctx, "agent-1", strings.NewReader(feed))
	require.NoError(t, err)
	after, err := f.entries.ListAvailability(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Len(t, after, len(before))
}

func TestService_ImportBusyICSSameFeedTwoAgents(t *testing.T) {
	f := newFixture(t)
	feed := strings.ReplaceAll(busyFeed, "\n", "\r\n")

	for _, id := range []string{"agent-1", "agent-2"} {
		res, err := f.svc.ImportBusyICS(agent(id), id, strings.NewReader(feed))
		require.NoError(t, err)
		assert.Equal(t, 1, res.Blocks)
	}

	for _, id := range []string{"agent-1", "agent-2"} {
		t.Run(id, func(t *testing.T) {
			entries, err := f.entries.ListAvailability(context.Background(), id)
			require.NoError(t, err)
			var busy int
			for _, e := range entries {
				if e.Kind != model.KindBusy {
					continue
				}
				busy++
				assert.Equal(t, id, e.UserID)
				assert.True(t, strings.HasPrefix(e.ID, "ics:"+id+":"), e.ID)
			}
			assert.Equal(t, 1, busy)
		})
	}
}

func TestService_UpsertAvailabilityForeignID(t *testing.T) {
	f := newFixture(t)
	owned, err := f.entries.ListAvailability(context.Background(), "agent-1")
	require.NoError(t, err)
	require.NotEmpty(t, owned)

	stolen := owned[0]
	stolen.UserID = "agent-2"
	_, err = f.svc.UpsertAvailability(agent("agent-2"), "agent-2", []model.AvailabilityEntry{stolen})
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))

	after, err := f.entries.ListAvailability(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, owned, after)
}

func TestService_ImportBusyICSRejectsGarbage(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.ImportBusyICS(agent("agent-1"), "agent-1", strings.NewReader("not a calendar"))
	assert.Equal(t, apperr.CodeValidation, apperr.CodeOf(err))
}

func TestService_ExportICS(t *testing.T) {
	f := newFixture(t)
	ctx := agent("agent-1")
	created, err := f.svc.CreateAppointment(ctx, createReq("agent-1", mondayAt(10, 0), 60))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, f.svc.ExportICS(ctx, "agent-1", mondayAt(0, 0), mondayAt(23, 0), false, &buf))
	assert.Contains(t, buf.String(), "UID:"+created.ID)

	err = f.svc.ExportICS(agent("agent-2"), "agent-1", mondayAt(0, 0), mondayAt(23, 0), false, &buf)
	assert.Equal(t, apperr.CodeForbidden, apperr.CodeOf(err))
}

func TestService_Analytics(t *testing.T) {
	f := newFixture(t)
	ctx := agent("agent-1")
	_, err := f.svc.CreateAppointment(ctx, createReq("agent-1", mondayAt(10, 0), 60))
	require.NoError(t, err)

	q := analytics.Query{From: mondayAt(0, 0), To: mondayAt(0, 0).AddDate(0, 0, 7)}
	res, err := f.svc.Analytics(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Summary.Total)

	q.AgentIDs = []string{"agent-2"}
	_, err = f.svc.Analytics(ctx, q)
	assert.Equal(t, apperr.CodeForbidden, apperr.CodeOf(err))

	var buf bytes.Buffer
	require.NoError(t, f.svc.ExportAnalyticsXLSX(admin(), analytics.Query{From: q.From, To: q.To}, &buf))
	assert.NotZero(t, buf.Len())
}

func TestSplitByDay(t *testing.T) {
	block := calsync.BusyBlock{
		Start: time.Date(2026, time.March, 9, 22, 0, 0, 0, time.UTC),
		End:   time.Date(2026, time.March, 10, 2, 0, 0, 0, time.UTC),
	}
	parts := splitByDay(block, time.UTC)
	require.Len(t, parts, 2)
	assert.Equal(t, dayPart{date: nextMonday, start: 22 * 60, end: model.MinutesPerDay}, parts[0])
	assert.Equal(t, dayPart{date: nextMonday.AddDays(1), start: 0, end: 120}, parts[1])

	allDay := calsync.BusyBlock{Start: nextMonday.In(time.UTC), End: nextMonday.AddDays(1).In(time.UTC)}
	parts = splitByDay(allDay, time.UTC)
	require.Len(t, parts, 1)
	assert.Equal(t, dayPart{date: nextMonday, start: 0, end: model.MinutesPerDay}, parts[0])
}

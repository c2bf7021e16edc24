package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func datetime(year int, month time.Month, day, hour, min int) time.Time {
	return time.Date(year, month, day, hour, min, 0, 0, time.UTC)
}

func TestAppointment_Overlaps(t *testing.T) {
	existing := Appointment{
		StartTime: datetime(2026, 3, 2, 10, 0),
		EndTime:   datetime(2026, 3, 2, 11, 0),
	}

	tests := []struct {
		name       string
		start, end time.Time
		expected   bool
	}{
		{"touching before", datetime(2026, 3, 2, 9, 0), datetime(2026, 3, 2, 10, 0), false},
		{"touching after", datetime(2026, 3, 2, 11, 0), datetime(2026, 3, 2, 12, 0), false},
		{"inside", datetime(2026, 3, 2, 10, 15), datetime(2026, 3, 2, 10, 45), true},
		{"covering", datetime(2026, 3, 2, 9, 0), datetime(2026, 3, 2, 12, 0), true},
		{"partial start", datetime(2026, 3, 2, 9, 30), datetime(2026, 3, 2, 10, 30), true},
		{"partial end", datetime(2026, 3, 2, 10, 59), datetime(2026, 3, 2, 11, 30), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, existing.Overlaps(tt.start, tt.end))
		})
	}
}

func TestStatus_Predicates(t *testing.T) {
	for _, s := range Statuses {
		t.Run(string(s), func(t *testing.T) {
			assert.True(t, s.Valid())
			if s.Blocking() {
				assert.False(t, s.Terminal(), "blocking statuses are never terminal")
				assert.True(t, s.OccupiesTime())
			}
		})
	}

	assert.True(t, StatusCompleted.OccupiesTime())
	assert.False(t, StatusCompleted.Blocking())
	assert.False(t, StatusCancelled.OccupiesTime())
	assert.False(t, StatusNoShow.OccupiesTime())
	assert.False(t, Status("pending").Valid())
}

func TestParseEnums(t *testing.T) {
	typ, err := ParseAppointmentType("viewing")
	require.NoError(t, err)
	assert.Equal(t, TypeViewing, typ)

	_, err = ParseAppointmentType("party")
	assert.Error(t, err)

	p, err := ParsePriority("urgent")
	require.NoError(t, err)
	assert.Equal(t, 3, p.Rank())

	_, err = ParseStatus("done")
	assert.Error(t, err)
}

func TestTimeOfDay(t *testing.T) {
	tests := []struct {
		in      string
		want    TimeOfDay
		wantErr bool
	}{
		{"09:00", 540, false},
		{"17:30", 1050, false},
		{"24:00", MinutesPerDay, false},
		{"24:01", 0, true},
		{"9", 0, true},
		{"10:75", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTimeOfDay(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.Equal(t, "09:05", TimeOfDay(545).String())
}

func TestAvailabilityEntry_WindowUsesTimezone(t *testing.T) {
	e := AvailabilityEntry{
		ID:        "e1",
		StartTime: MustTimeOfDay("09:00"),
		EndTime:   MustTimeOfDay("17:00"),
		Timezone:  "America/New_York",
	}
	loc, err := e.Location()
	require.NoError(t, err)

	start, end := e.Window(Date{Year: 2026, Month: time.March, Day: 2}, loc)
	assert.Equal(t, datetime(2026, 3, 2, 14, 0), start)
	assert.Equal(t, datetime(2026, 3, 2, 22, 0), end)
}

func TestAvailabilityEntry_JSON(t *testing.T) {
	raw := `{"id":"x","userId":"agent-1","kind":"available","dayOfWeek":1,"isRecurring":true,
		"startTime":"09:00","endTime":"17:00","timezone":"UTC"}`

	var e AvailabilityEntry
	require.NoError(t, json.Unmarshal([]byte(raw), &e))
	assert.Equal(t, time.Monday, e.DayOfWeek)
	assert.Equal(t, MustTimeOfDay("17:00"), e.EndTime)
	assert.True(t, e.Date.IsZero())
}

func TestAppointment_CloneIsDeep(t *testing.T) {
	end := datetime(2026, 6, 1, 0, 0)
	a := &Appointment{
		ID:        "a1",
		Attendees: []Attendee{{Name: "Ann", Email: "ann@example.com"}},
		Metadata:  map[string]string{"k": "v"},
		RecurringPattern: &RecurringPattern{
			Frequency: FrequencyWeekly, Interval: 2, EndDate: &end,
		},
	}

	c := a.Clone()
	c.Attendees[0].Name = "Bob"
	c.Metadata["k"] = "changed"
	*c.RecurringPattern.EndDate = end.AddDate(1, 0, 0)

	assert.Equal(t, "Ann", a.Attendees[0].Name)
	assert.Equal(t, "v", a.Metadata["k"])
	assert.Equal(t, end, *a.RecurringPattern.EndDate)
}

func TestDate(t *testing.T) {
	d, err := ParseDate("2026-03-02")
	require.NoError(t, err)
	assert.Equal(t, time.Monday, d.Weekday())
	assert.Equal(t, "2026-03-08", d.AddDays(6).String())
	assert.True(t, d.Before(d.AddDays(1)))

	_, err = ParseDate("02.03.2026")
	assert.Error(t, err)
}

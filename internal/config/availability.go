package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"agentcal/internal/model"
)

const DefaultAvailabilityPath = "configs/availability.yaml"

// WindowConfig is one weekly working window.
type WindowConfig struct {
	Days  []string `yaml:"days"`  // monday ... sunday
	Start string   `yaml:"start"` // "09:00"
	End   string   `yaml:"end"`   // "17:00"
	Kind  string   `yaml:"kind,omitempty"`
}

// ExceptionConfig overrides one date for an agent.
type ExceptionConfig struct {
	Date  string `yaml:"date"` // "2026-03-09"
	Start string `yaml:"start,omitempty"`
	End   string `yaml:"end,omitempty"`
	Kind  string `yaml:"kind"`
}

// AgentAvailabilityConfig is the schedule of one agent.
type AgentAvailabilityConfig struct {
	ID         string            `yaml:"id"`
	Timezone   string            `yaml:"timezone,omitempty"`
	Weekly     []WindowConfig    `yaml:"weekly,omitempty"`
	Exceptions []ExceptionConfig `yaml:"exceptions,omitempty"`
}

// HolidayConfig blocks a whole day for every agent.
type HolidayConfig struct {
	Date string `yaml:"date"`
	Name string `yaml:"name"`
}

// AvailabilityDefaults apply to agents without their own settings.
type AvailabilityDefaults struct {
	Timezone string         `yaml:"timezone"`
	Weekly   []WindowConfig `yaml:"weekly"`
}

// AvailabilityConfig is the root of availability.yaml.
type AvailabilityConfig struct {
	Defaults AvailabilityDefaults      `yaml:"defaults"`
	Agents   []AgentAvailabilityConfig `yaml:"agents"`
	Holidays []HolidayConfig           `yaml:"holidays"`
}

// LoadAvailabilityConfig loads and validates availability.yaml.
func LoadAvailabilityConfig(path string) (*AvailabilityConfig, error) {
	if path == "" {
		path = DefaultAvailabilityPath
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read availability config: %w", err)
	}

	var cfg AvailabilityConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse availability config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate availability config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "monday": time.Monday, "tuesday": time.Tuesday, "wednesday": time.Wednesday,
	"thursday": time.Thursday, "friday": time.Friday, "saturday": time.Saturday,
}

// Validate checks the configuration for errors.
func (c *AvailabilityConfig) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Defaults.Timezone != "" {
		if _, err := time.LoadLocation(c.Defaults.Timezone); err != nil {
			add("defaults.timezone: unknown timezone %q", c.Defaults.Timezone)
		}
	}
	for i, w := range c.Defaults.Weekly {
		errs = append(errs, validateWindow(w, fmt.Sprintf("defaults.weekly[%d]", i))...)
	}

	ids := make(map[string]bool)
	for i, a := range c.Agents {
		prefix := fmt.Sprintf("agents[%d]", i)
		if a.ID == "" {
			add("%s.id is required", prefix)
		} else if ids[a.ID] {
			add("%s: duplicate id %q", prefix, a.ID)
		}
		ids[a.ID] = true

		if a.Timezone != "" {
			if _, err := time.LoadLocation(a.Timezone); err != nil {
				add("%s.timezone: unknown timezone %q", prefix, a.Timezone)
			}
		}
		for j, w := range a.Weekly {
			errs = append(errs, validateWindow(w, fmt.Sprintf("%s.weekly[%d]", prefix, j))...)
		}
		for j, e := range a.Exceptions {
			p := fmt.Sprintf("%s.exceptions[%d]", prefix, j)
			if _, err := model.ParseDate(e.Date); err != nil {
				add("%s.date: invalid date %q, expected YYYY-MM-DD", p, e.Date)
			}
			if !model.AvailabilityKind(e.Kind).Valid() {
				add("%s.kind: unknown kind %q", p, e.Kind)
			}
			if e.Start != "" || e.End != "" {
				errs = append(errs, validateSpan(e.Start, e.End, p)...)
			}
		}
	}

	for i, h := range c.Holidays {
		if _, err := model.ParseDate(h.Date); err != nil {
			add("holidays[%d].date: invalid date %q, expected YYYY-MM-DD", i, h.Date)
		}
	}
	return errors.Join(errs...)
}

func validateWindow(w WindowConfig, prefix string) []error {
	var errs []error
	if len(w.Days) == 0 {
		errs = append(errs, fmt.Errorf("%s.days is required", prefix))
	}
	for i, d := range w.Days {
		if _, ok := weekdays[strings.ToLower(d)]; !ok {
			errs = append(errs, fmt.Errorf("%s.days[%d]: unknown day %q", prefix, i, d))
		}
	}
	if w.Kind != "" && !model.AvailabilityKind(w.Kind).Valid() {
		errs = append(errs, fmt.Errorf("%s.kind: unknown kind %q", prefix, w.Kind))
	}
	return append(errs, validateSpan(w.Start, w.End, prefix)...)
}

func validateSpan(start, end, prefix string) []error {
	s, err := model.ParseTimeOfDay(start)
	if err != nil {
		return []error{fmt.Errorf("%s.start: invalid time %q, expected HH:MM", prefix, start)}
	}
	e, err := model.ParseTimeOfDay(end)
	if err != nil {
		return []error{fmt.Errorf("%s.end: invalid time %q, expected HH:MM", prefix, end)}
	}
	if e <= s {
		return []error{fmt.Errorf("%s: end must be after start", prefix)}
	}
	return nil
}

func (c *AvailabilityConfig) applyDefaults() {
	for i := range c.Agents {
		if c.Agents[i].Timezone == "" {
			c.Agents[i].Timezone = c.Defaults.Timezone
		}
		if len(c.Agents[i].Weekly) == 0 {
			c.Agents[i].Weekly = c.Defaults.Weekly
		}
	}
}

// Entries converts an agent's schedule, exceptions and the global holidays
// into availability entries. Ids are derived from positions so applying the
// same file twice upserts instead of duplicating.
func (c *AvailabilityConfig) Entries(a AgentAvailabilityConfig) []model.AvailabilityEntry {
	var out []model.AvailabilityEntry
	for i, w := range a.Weekly {
		kind := model.KindAvailable
		if w.Kind != "" {
			kind = model.AvailabilityKind(w.Kind)
		}
		for _, d := range w.Days {
			day := weekdays[strings.ToLower(d)]
			out = append(out, model.AvailabilityEntry{
				ID:          fmt.Sprintf("seed:%s:weekly:%d:%d", a.ID, i, day),
				UserID:      a.ID,
				Kind:        kind,
				IsRecurring: true,
				DayOfWeek:   day,
				StartTime:   model.MustTimeOfDay(w.Start),
				EndTime:     model.MustTimeOfDay(w.End),
				Timezone:    a.Timezone,
			})
		}
	}
	for i, e := range a.Exceptions {
		start, end := model.TimeOfDay(0), model.TimeOfDay(model.MinutesPerDay)
		if e.Start != "" {
			start, end = model.MustTimeOfDay(e.Start), model.MustTimeOfDay(e.End)
		}
		date, _ := model.ParseDate(e.Date)
		out = append(out, model.AvailabilityEntry{
			ID:        fmt.Sprintf("seed:%s:exception:%d", a.ID, i),
			UserID:    a.ID,
			Kind:      model.AvailabilityKind(e.Kind),
			Date:      date,
			StartTime: start,
			EndTime:   end,
			Timezone:  a.Timezone,
		})
	}
	for _, h := range c.Holidays {
		date, _ := model.ParseDate(h.Date)
		out = append(out, model.AvailabilityEntry{
			ID:        fmt.Sprintf("seed:%s:holiday:%s", a.ID, date),
			UserID:    a.ID,
			Kind:      model.KindVacation,
			Date:      date,
			StartTime: 0,
			EndTime:   model.MinutesPerDay,
			Timezone:  a.Timezone,
		})
	}
	return out
}

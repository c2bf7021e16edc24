package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentcal/internal/model"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_DefaultsAndEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("AGENTCAL_TEST_KEY", "secret-key")
	path := writeFile(t, dir, "config.yaml", `
storage:
  driver: memory
auth:
  api_keys:
    - key: ${AGENTCAL_TEST_KEY}
      subject: ops
      role: admin
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, "secret-key", cfg.Auth.APIKeys[0].Key)
	assert.Equal(t, WeightsConfig{Proximity: 0.4, Urgency: 0.3, Load: 0.2, Peak: 0.1}, cfg.Scheduling.Weights)
	assert.Equal(t, 3, cfg.Scheduling.MaxRetries)
	assert.Equal(t, 15*time.Minute, cfg.SlotStep())
	assert.Equal(t, 10*time.Second, cfg.ScheduleTimeout())
	assert.Equal(t, 5*time.Minute, cfg.CacheTTL())
}

func TestLoad_CreatesSQLiteDir(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "nested", "agentcal.db")
	path := writeFile(t, dir, "config.yaml", "storage:\n  driver: sqlite\n  sqlite_path: "+dbPath+"\n")

	_, err := Load(path)
	require.NoError(t, err)
	assert.DirExists(t, filepath.Join(dir, "nested"))
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid"},
		{
			name:    "unknown driver",
			mutate:  func(c *Config) { c.Storage.Driver = "mongo" },
			wantErr: `storage.driver: unknown driver "mongo"`,
		},
		{
			name:    "postgres without url",
			mutate:  func(c *Config) { c.Storage.Driver = "postgres" },
			wantErr: "storage.postgres_url is required",
		},
		{
			name: "backup without sqlite",
			mutate: func(c *Config) {
				c.Storage.Driver = "memory"
				c.Backup.Enabled = true
			},
			wantErr: "backup.enabled",
		},
		{
			name:    "missing key",
			mutate:  func(c *Config) { c.Auth.APIKeys = []APIKeyConfig{{Role: "admin"}} },
			wantErr: "auth.api_keys[0].key is required",
		},
		{
			name: "agent key without agent",
			mutate: func(c *Config) {
				c.Auth.APIKeys = []APIKeyConfig{{Key: "k", Role: "agent"}}
			},
			wantErr: "auth.api_keys[0].agent_id is required",
		},
		{
			name: "duplicate key",
			mutate: func(c *Config) {
				c.Auth.APIKeys = []APIKeyConfig{{Key: "k", Role: "admin"}, {Key: "k", Role: "service"}}
			},
			wantErr: "auth.api_keys[1].key: duplicate key",
		},
		{
			name:    "negative weight",
			mutate:  func(c *Config) { c.Scheduling.Weights.Load = -1 },
			wantErr: "scheduling.weights.load cannot be negative",
		},
		{
			name:    "sample ratio",
			mutate:  func(c *Config) { c.Tracing.SampleRatio = 2 },
			wantErr: "tracing.sample_ratio",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			cfg.applyDefaults()
			if tt.mutate != nil {
				tt.mutate(cfg)
			}
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

const availabilityYAML = `
defaults:
  timezone: Europe/London
  weekly:
    - days: [monday, tuesday]
      start: "09:00"
      end: "17:00"
agents:
  - id: agent-1
  - id: agent-2
    timezone: America/New_York
    weekly:
      - days: [friday]
        start: "10:00"
        end: "14:00"
    exceptions:
      - date: "2026-03-13"
        kind: busy
        start: "11:00"
        end: "12:00"
holidays:
  - date: "2026-12-25"
    name: Christmas
`

func TestLoadAvailabilityConfig(t *testing.T) {
	path := writeFile(t, t.TempDir(), "availability.yaml", availabilityYAML)

	cfg, err := LoadAvailabilityConfig(path)
	require.NoError(t, err)
	require.Len(t, cfg.Agents, 2)
	assert.Equal(t, "Europe/London", cfg.Agents[0].Timezone)
	assert.Len(t, cfg.Agents[0].Weekly, 1)

	entries := cfg.Entries(cfg.Agents[0])
	require.Len(t, entries, 3) // monday, tuesday, holiday
	assert.Equal(t, time.Monday, entries[0].DayOfWeek)
	assert.True(t, entries[0].IsRecurring)
	assert.Equal(t, model.MustTimeOfDay("09:00"), entries[0].StartTime)
	assert.Equal(t, model.KindVacation, entries[2].Kind)
	assert.Equal(t, model.Date{Year: 2026, Month: time.December, Day: 25}, entries[2].Date)
	assert.Equal(t, model.TimeOfDay(model.MinutesPerDay), entries[2].EndTime)

	again := cfg.Entries(cfg.Agents[0])
	for i := range entries {
		assert.Equal(t, entries[i].ID, again[i].ID)
	}

	second := cfg.Entries(cfg.Agents[1])
	require.Len(t, second, 3) // friday, exception, holiday
	assert.Equal(t, "America/New_York", second[1].Timezone)
	assert.Equal(t, model.KindBusy, second[1].Kind)
	assert.Equal(t, model.MustTimeOfDay("11:00"), second[1].StartTime)
}

func TestAvailabilityConfig_Validate(t *testing.T) {
	cfg := &AvailabilityConfig{
		Defaults: AvailabilityDefaults{Timezone: "Mars/Olympus"},
		Agents: []AgentAvailabilityConfig{
			{ID: "a", Weekly: []WindowConfig{{Days: []string{"funday"}, Start: "10:00", End: "09:00"}}},
			{ID: "a", Exceptions: []ExceptionConfig{{Date: "13/03/2026", Kind: "nap"}}},
			{},
		},
		Holidays: []HolidayConfig{{Date: "xmas"}},
	}

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		`defaults.timezone: unknown timezone "Mars/Olympus"`,
		`agents[0].weekly[0].days[0]: unknown day "funday"`,
		"agents[0].weekly[0]: end must be after start",
		`agents[1]: duplicate id "a"`,
		"agents[1].exceptions[0].date: invalid date",
		`agents[1].exceptions[0].kind: unknown kind "nap"`,
		"agents[2].id is required",
		"holidays[0].date: invalid date",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestWatchAvailability(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "availability.yaml", availabilityYAML)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	updates := make(chan *AvailabilityConfig, 4)
	err := WatchAvailability(ctx, path, 10*time.Millisecond, zerolog.Nop(), func(c *AvailabilityConfig) {
		updates <- c
	})
	require.NoError(t, err)

	first := <-updates
	assert.Len(t, first.Agents, 2)

	require.NoError(t, os.WriteFile(path, []byte("agents:\n  - id: only\n"), 0o600))
	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, future, future))

	select {
	case next := <-updates:
		require.Len(t, next.Agents, 1)
		assert.Equal(t, "only", next.Agents[0].ID)
	case <-time.After(2 * time.Second):
		t.Fatal("config was not reloaded")
	}
}

func TestWatchAvailability_InitialError(t *testing.T) {
	err := WatchAvailability(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"), time.Second, zerolog.Nop(), func(*AvailabilityConfig) {
		t.Fatal("unexpected update")
	})
	assert.Error(t, err)
}

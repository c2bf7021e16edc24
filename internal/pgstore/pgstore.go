// Package pgstore is the PostgreSQL appointment backend. An exclusion
// constraint keeps blocking appointments of one agent from overlapping
// across processes.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"agentcal/internal/model"
	"agentcal/internal/store"
)

const exclusionViolation = "23P01"

// Open creates a connection pool and verifies connectivity.
func Open(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

var migrations = []string{
	`CREATE EXTENSION IF NOT EXISTS btree_gist`,
	`CREATE TABLE IF NOT EXISTS appointments (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		priority TEXT NOT NULL,
		start_time TIMESTAMPTZ NOT NULL,
		end_time TIMESTAMPTZ NOT NULL,
		location TEXT NOT NULL DEFAULT '',
		meeting_url TEXT NOT NULL DEFAULT '',
		contact_id TEXT NOT NULL DEFAULT '',
		assigned_to_id TEXT NOT NULL,
		property_id TEXT NOT NULL DEFAULT '',
		attendees JSONB NOT NULL DEFAULT '[]',
		reminders JSONB NOT NULL DEFAULT '[]',
		metadata JSONB NOT NULL DEFAULT '{}',
		recurring_pattern JSONB,
		version BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		CHECK (end_time > start_time),
		CONSTRAINT appointments_no_overlap EXCLUDE USING gist (
			assigned_to_id WITH =,
			tstzrange(start_time, end_time, '[)') WITH &&
		) WHERE (status IN ('scheduled', 'confirmed', 'rescheduled'))
	)`,
	`CREATE INDEX IF NOT EXISTS idx_appointments_start ON appointments (start_time)`,
	`CREATE INDEX IF NOT EXISTS idx_appointments_status ON appointments (status)`,
}

// Migrate creates the schema.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, q := range migrations {
		if _, err := pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// Repository implements store.Repository on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a repository over pool.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ store.Repository = (*Repository)(nil)

const columns = `id, title, description, type, status, priority, start_time, end_time,
	location, meeting_url, contact_id, assigned_to_id, property_id,
	attendees, reminders, metadata, recurring_pattern, version, created_at, updated_at`

func (r *Repository) Insert(ctx context.Context, a *model.Appointment) error {
	_, err := r.pool.Exec(ctx, `INSERT INTO appointments (`+columns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		args(a)...)
	if err != nil {
		return mapErr(fmt.Sprintf("insert appointment %s", a.ID), err)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (*model.Appointment, error) {
	a, err := scan(r.pool.QueryRow(ctx, `SELECT `+columns+` FROM appointments WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr(fmt.Sprintf("get appointment %s", id), err)
	}
	return a, nil
}

func (r *Repository) Replace(ctx context.Context, a *model.Appointment, expected int64) error {
	tag, err := r.pool.Exec(ctx, `UPDATE appointments SET
			title = $2, description = $3, type = $4, status = $5, priority = $6,
			start_time = $7, end_time = $8, location = $9, meeting_url = $10, contact_id = $11,
			assigned_to_id = $12, property_id = $13, attendees = $14, reminders = $15,
			metadata = $16, recurring_pattern = $17, version = $18, created_at = $19, updated_at = $20
		WHERE id = $1 AND version = $21`,
		append(args(a), expected)...)
	if err != nil {
		return mapErr(fmt.Sprintf("update appointment %s", a.ID), err)
	}
	return r.checkSwapped(ctx, tag, a.ID)
}

func (r *Repository) Remove(ctx context.Context, id string, expected int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM appointments WHERE id = $1 AND version = $2`, id, expected)
	if err != nil {
		return mapErr(fmt.Sprintf("delete appointment %s", id), err)
	}
	return r.checkSwapped(ctx, tag, id)
}

func (r *Repository) checkSwapped(ctx context.Context, tag pgconn.CommandTag, id string) error {
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM appointments WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check appointment %s: %w", id, err)
	}
	if !exists {
		return store.ErrNotFound
	}
	return store.ErrVersionMismatch
}

func (r *Repository) List(ctx context.Context, f store.Filter) ([]model.Appointment, int, error) {
	where, params := filterClause(f)

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM appointments`+where, params...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count appointments: %w", err)
	}

	offset, limit := f.Page()
	n := len(params)
	rows, err := r.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM appointments%s ORDER BY start_time, id LIMIT $%d OFFSET $%d`, columns, where, n+1, n+2),
		append(params, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list appointments: %w", err)
	}
	items, err := collect(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *Repository) ListForAgent(ctx context.Context, agentID string, from, to time.Time) ([]model.Appointment, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+columns+` FROM appointments
		WHERE assigned_to_id = $1 AND start_time < $3 AND end_time > $2
		ORDER BY start_time, id`, agentID, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("list appointments for %s: %w", agentID, err)
	}
	return collect(rows)
}

// mapErr converts driver errors to store sentinels.
func mapErr(op string, err error) error {
	var pgErr *pgconn.PgError
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return store.ErrNotFound
	case errors.As(err, &pgErr) && pgErr.Code == exclusionViolation:
		return fmt.Errorf("%s: %w", op, store.ErrOverlap)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func filterClause(f store.Filter) (string, []any) {
	var conds []string
	var params []any
	add := func(cond string, v any) {
		params = append(params, v)
		conds = append(conds, fmt.Sprintf(cond, len(params)))
	}

	if len(f.AgentIDs) > 0 {
		add("assigned_to_id = ANY($%d)", f.AgentIDs)
	}
	if len(f.Statuses) > 0 {
		add("status = ANY($%d)", toStrings(f.Statuses))
	}
	if len(f.Types) > 0 {
		add("type = ANY($%d)", toStrings(f.Types))
	}
	if len(f.Priorities) > 0 {
		add("priority = ANY($%d)", toStrings(f.Priorities))
	}
	if f.ContactID != "" {
		add("contact_id = $%d", f.ContactID)
	}
	if f.PropertyID != "" {
		add("property_id = $%d", f.PropertyID)
	}
	if !f.From.IsZero() {
		add("start_time >= $%d", f.From.UTC())
	}
	if !f.To.IsZero() {
		add("start_time < $%d", f.To.UTC())
	}
	if f.Search != "" {
		params = append(params, "%"+f.Search+"%")
		n := len(params)
		conds = append(conds, fmt.Sprintf("(title ILIKE $%d OR description ILIKE $%d)", n, n))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), params
}

func toStrings[T ~string](values []T) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = string(v)
	}
	return out
}

func args(a *model.Appointment) []any {
	attendees := a.Attendees
	if attendees == nil {
		attendees = []model.Attendee{}
	}
	reminders := a.Reminders
	if reminders == nil {
		reminders = []model.Reminder{}
	}
	metadata := a.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	return []any{
		a.ID, a.Title, a.Description, string(a.Type), string(a.Status), string(a.Priority),
		a.StartTime.UTC(), a.EndTime.UTC(), a.Location, a.MeetingURL, a.ContactID,
		a.AssignedToID, a.PropertyID, attendees, reminders, metadata, a.RecurringPattern,
		a.Version, a.CreatedAt.UTC(), a.UpdatedAt.UTC(),
	}
}

func scan(row pgx.Row) (*model.Appointment, error) {
	var a model.Appointment
	var typ, status, priority string
	err := row.Scan(
		&a.ID, &a.Title, &a.Description, &typ, &status, &priority, &a.StartTime, &a.EndTime,
		&a.Location, &a.MeetingURL, &a.ContactID, &a.AssignedToID, &a.PropertyID,
		&a.Attendees, &a.Reminders, &a.Metadata, &a.RecurringPattern, &a.Version, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.Type = model.AppointmentType(typ)
	a.Status = model.Status(status)
	a.Priority = model.Priority(priority)
	a.StartTime = a.StartTime.UTC()
	a.EndTime = a.EndTime.UTC()
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return &a, nil
}

func collect(rows pgx.Rows) ([]model.Appointment, error) {
	defer rows.Close()
	out := make([]model.Appointment, 0)
	for rows.Next() {
		a, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan appointment: %w", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate appointments: %w", err)
	}
	return out, nil
}

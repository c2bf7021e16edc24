package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"agentcal/internal/model"
	"agentcal/internal/store"
)

const appointmentColumns = `id, title, description, type, status, priority, start_ms, end_ms,
	location, meeting_url, contact_id, assigned_to_id, property_id,
	attendees, reminders, metadata, recurring_pattern, version, created_ms, updated_ms`

// AppointmentRepository implements store.Repository on SQLite.
type AppointmentRepository struct {
	db *DB
}

// NewAppointmentRepository creates a repository over db.
func NewAppointmentRepository(db *DB) *AppointmentRepository {
	return &AppointmentRepository{db: db}
}

var _ store.Repository = (*AppointmentRepository)(nil)

type appointmentRow struct {
	attendees, reminders, metadata string
	pattern                        sql.NullString
	startMS, endMS                 int64
	createdMS, updatedMS           int64
}

func (r *AppointmentRepository) Insert(ctx context.Context, a *model.Appointment) error {
	args, err := appointmentArgs(a)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `INSERT INTO appointments (`+appointmentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	if err != nil {
		return fmt.Errorf("insert appointment %s: %w", a.ID, err)
	}
	return nil
}

func (r *AppointmentRepository) Get(ctx context.Context, id string) (*model.Appointment, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = ?`, id)
	a, err := scanAppointment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get appointment %s: %w", id, err)
	}
	return a, nil
}

func (r *AppointmentRepository) Replace(ctx context.Context, a *model.Appointment, expected int64) error {
	args, err := appointmentArgs(a)
	if err != nil {
		return err
	}
	// args[0] is the id; move it to the WHERE clause.
	res, err := r.db.ExecContext(ctx, `UPDATE appointments SET
			title = ?, description = ?, type = ?, status = ?, priority = ?, start_ms = ?, end_ms = ?,
			location = ?, meeting_url = ?, contact_id = ?, assigned_to_id = ?, property_id = ?,
			attendees = ?, reminders = ?, metadata = ?, recurring_pattern = ?, version = ?,
			created_ms = ?, updated_ms = ?
		WHERE id = ? AND version = ?`,
		append(args[1:], a.ID, expected)...)
	if err != nil {
		return fmt.Errorf("update appointment %s: %w", a.ID, err)
	}
	return r.checkSwapped(ctx, res, a.ID)
}

func (r *AppointmentRepository) Remove(ctx context.Context, id string, expected int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM appointments WHERE id = ? AND version = ?`, id, expected)
	if err != nil {
		return fmt.Errorf("delete appointment %s: %w", id, err)
	}
	return r.checkSwapped(ctx, res, id)
}

// checkSwapped tells a missing row from a stale version after a guarded
// write touched nothing.
func (r *AppointmentRepository) checkSwapped(ctx context.Context, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var exists int
	err = r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM appointments WHERE id = ?`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check appointment %s: %w", id, err)
	}
	if exists == 0 {
		return store.ErrNotFound
	}
	return store.ErrVersionMismatch
}

func (r *AppointmentRepository) List(ctx context.Context, f store.Filter) ([]model.Appointment, int, error) {
	where, args := filterClause(f)

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM appointments`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count appointments: %w", err)
	}

	offset, limit := f.Page()
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+appointmentColumns+` FROM appointments`+where+` ORDER BY start_ms, id LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list appointments: %w", err)
	}
	defer rows.Close()

	items, err := scanAppointments(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *AppointmentRepository) ListForAgent(ctx context.Context, agentID string, from, to time.Time) ([]model.Appointment, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+appointmentColumns+` FROM appointments
		WHERE assigned_to_id = ? AND start_ms < ? AND end_ms > ?
		ORDER BY start_ms, id`,
		agentID, toMillis(to), toMillis(from))
	if err != nil {
		return nil, fmt.Errorf("list appointments for %s: %w", agentID, err)
	}
	defer rows.Close()
	return scanAppointments(rows)
}

func filterClause(f store.Filter) (string, []any) {
	var conds []string
	var args []any
	in := func(column string, values []string) {
		if len(values) == 0 {
			return
		}
		conds = append(conds, column+" IN ("+strings.TrimSuffix(strings.Repeat("?,", len(values)), ",")+")")
		for _, v := range values {
			args = append(args, v)
		}
	}

	in("assigned_to_id", f.AgentIDs)
	in("status", stringsOf(f.Statuses))
	in("type", stringsOf(f.Types))
	in("priority", stringsOf(f.Priorities))
	if f.ContactID != "" {
		conds = append(conds, "contact_id = ?")
		args = append(args, f.ContactID)
	}
	if f.PropertyID != "" {
		conds = append(conds, "property_id = ?")
		args = append(args, f.PropertyID)
	}
	if !f.From.IsZero() {
		conds = append(conds, "start_ms >= ?")
		args = append(args, toMillis(f.From))
	}
	if !f.To.IsZero() {
		conds = append(conds, "start_ms < ?")
		args = append(args, toMillis(f.To))
	}
	if f.Search != "" {
		conds = append(conds, "(lower(title) LIKE ? OR lower(description) LIKE ?)")
		pattern := "%" + strings.ToLower(f.Search) + "%"
		args = append(args, pattern, pattern)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func stringsOf[T ~string](values []T) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = string(v)
	}
	return out
}

func appointmentArgs(a *model.Appointment) ([]any, error) {
	attendees, err := encodeJSON(nonNil(a.Attendees))
	if err != nil {
		return nil, fmt.Errorf("encode attendees: %w", err)
	}
	reminders, err := encodeJSON(nonNil(a.Reminders))
	if err != nil {
		return nil, fmt.Errorf("encode reminders: %w", err)
	}
	metadata := a.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	meta, err := encodeJSON(metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	pattern, err := encodeNullableJSON(a.RecurringPattern)
	if err != nil {
		return nil, fmt.Errorf("encode recurring pattern: %w", err)
	}
	return []any{
		a.ID, a.Title, a.Description, string(a.Type), string(a.Status), string(a.Priority),
		toMillis(a.StartTime), toMillis(a.EndTime),
		a.Location, a.MeetingURL, a.ContactID, a.AssignedToID, a.PropertyID,
		attendees, reminders, meta, pattern, a.Version,
		toMillis(a.CreatedAt), toMillis(a.UpdatedAt),
	}, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAppointment(s scanner) (*model.Appointment, error) {
	var a model.Appointment
	var row appointmentRow
	err := s.Scan(
		&a.ID, &a.Title, &a.Description, &a.Type, &a.Status, &a.Priority, &row.startMS, &row.endMS,
		&a.Location, &a.MeetingURL, &a.ContactID, &a.AssignedToID, &a.PropertyID,
		&row.attendees, &row.reminders, &row.metadata, &row.pattern, &a.Version, &row.createdMS, &row.updatedMS,
	)
	if err != nil {
		return nil, err
	}
	a.StartTime = fromMillis(row.startMS)
	a.EndTime = fromMillis(row.endMS)
	a.CreatedAt = fromMillis(row.createdMS)
	a.UpdatedAt = fromMillis(row.updatedMS)

	if err := json.Unmarshal([]byte(row.attendees), &a.Attendees); err != nil {
		return nil, fmt.Errorf("decode attendees of %s: %w", a.ID, err)
	}
	if err := json.Unmarshal([]byte(row.reminders), &a.Reminders); err != nil {
		return nil, fmt.Errorf("decode reminders of %s: %w", a.ID, err)
	}
	if err := json.Unmarshal([]byte(row.metadata), &a.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata of %s: %w", a.ID, err)
	}
	if a.RecurringPattern, err = decodeNullableJSON[model.RecurringPattern](row.pattern); err != nil {
		return nil, fmt.Errorf("decode recurring pattern of %s: %w", a.ID, err)
	}
	return &a, nil
}

func scanAppointments(rows *sql.Rows) ([]model.Appointment, error) {
	out := make([]model.Appointment, 0)
	for rows.Next() {
		a, err := scanAppointment(rows)
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

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

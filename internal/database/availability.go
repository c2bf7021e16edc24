package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"agentcal/internal/availability"
	"agentcal/internal/model"
)

const entryColumns = `id, user_id, kind, day_of_week, is_recurring, recurring_pattern, date,
	start_minute, end_minute, timezone, effective_from, created_ms`

// AvailabilityRepository stores availability entries.
type AvailabilityRepository struct {
	db *DB
}

// NewAvailabilityRepository creates a repository over db.
func NewAvailabilityRepository(db *DB) *AvailabilityRepository {
	return &AvailabilityRepository{db: db}
}

var _ availability.EntryStore = (*AvailabilityRepository)(nil)

func (r *AvailabilityRepository) ListAvailability(ctx context.Context, agentID string) ([]model.AvailabilityEntry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM availability_entries WHERE user_id = ? ORDER BY created_ms, id`, agentID)
	if err != nil {
		return nil, fmt.Errorf("list availability for %s: %w", agentID, err)
	}
	defer rows.Close()

	out := make([]model.AvailabilityEntry, 0)
	for rows.Next() {
		var (
			e                    model.AvailabilityEntry
			pattern              sql.NullString
			date, effectiveFrom  string
			startMin, endMin     int
			dayOfWeek, createdMS int64
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.Kind, &dayOfWeek, &e.IsRecurring, &pattern, &date,
			&startMin, &endMin, &e.Timezone, &effectiveFrom, &createdMS); err != nil {
			return nil, fmt.Errorf("scan availability entry: %w", err)
		}
		e.DayOfWeek = time.Weekday(dayOfWeek)
		e.StartTime = model.TimeOfDay(startMin)
		e.EndTime = model.TimeOfDay(endMin)
		e.CreatedAt = fromMillis(createdMS)
		if err := e.Date.UnmarshalText([]byte(date)); err != nil {
			return nil, fmt.Errorf("entry %s date: %w", e.ID, err)
		}
		if err := e.EffectiveFrom.UnmarshalText([]byte(effectiveFrom)); err != nil {
			return nil, fmt.Errorf("entry %s effective from: %w", e.ID, err)
		}
		if e.RecurringPattern, err = decodeNullableJSON[model.RecurringPattern](pattern); err != nil {
			return nil, fmt.Errorf("entry %s pattern: %w", e.ID, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate availability: %w", err)
	}
	return out, nil
}

func (r *AvailabilityRepository) UpsertAvailability(ctx context.Context, agentID string, entries []model.AvailabilityEntry) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		return insertEntries(ctx, tx, entries)
	})
}

func (r *AvailabilityRepository) ReplaceAvailability(ctx context.Context, agentID string, entries []model.AvailabilityEntry) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM availability_entries WHERE user_id = ?`, agentID); err != nil {
			return fmt.Errorf("clear availability for %s: %w", agentID, err)
		}
		return insertEntries(ctx, tx, entries)
	})
}

func (r *AvailabilityRepository) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// insertEntries upserts entries. After a replace has cleared the agent's rows
// any remaining conflict is an id owned by another agent.
func insertEntries(ctx context.Context, tx *sql.Tx, entries []model.AvailabilityEntry) error {
	query := `INSERT INTO availability_entries (` + entryColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			day_of_week = excluded.day_of_week,
			is_recurring = excluded.is_recurring,
			recurring_pattern = excluded.recurring_pattern,
			date = excluded.date,
			start_minute = excluded.start_minute,
			end_minute = excluded.end_minute,
			timezone = excluded.timezone,
			effective_from = excluded.effective_from
		WHERE availability_entries.user_id = excluded.user_id`
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return fmt.Errorf("prepare availability insert: %w", err)
	}
	defer stmt.Close()

	for i, e := range entries {
		pattern, err := encodeNullableJSON(e.RecurringPattern)
		if err != nil {
			return fmt.Errorf("encode pattern of %s: %w", e.ID, err)
		}
		date, _ := e.Date.MarshalText()
		effectiveFrom, _ := e.EffectiveFrom.MarshalText()
		res, err := stmt.ExecContext(ctx,
			e.ID, e.UserID, string(e.Kind), int(e.DayOfWeek), e.IsRecurring, pattern, string(date),
			int(e.StartTime), int(e.EndTime), e.Timezone, string(effectiveFrom), toMillis(e.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("store availability entry %s: %w", e.ID, err)
		}
		// The guarded upsert touches no row when another agent owns the id.
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("store availability entry %s: %w", e.ID, err)
		}
		if n == 0 {
			return availability.ForeignEntryError(i, e.ID)
		}
	}
	return nil
}

package store

import (
	"context"
	"time"

	"agentcal/internal/apperr"
)

// BulkUpdateItem is one element of a bulk update.
type BulkUpdateItem struct {
	ID      string        `json:"id"`
	Version int64         `json:"version"`
	Changes UpdateRequest `json:"changes"`
}

// BulkFailure describes an item that was not applied.
type BulkFailure struct {
	ID     string      `json:"id"`
	Code   apperr.Code `json:"code"`
	Reason string      `json:"reason"`
}

// BulkResult partitions a batch. Items are applied independently; a
// failure never rolls back the others.
type BulkResult struct {
	Succeeded []string      `json:"succeeded"`
	Failed    []BulkFailure `json:"failed"`
}

func newBulkResult(n int) BulkResult {
	return BulkResult{Succeeded: make([]string, 0, n), Failed: []BulkFailure{}}
}

func (r *BulkResult) record(id string, err error) {
	if err == nil {
		r.Succeeded = append(r.Succeeded, id)
		return
	}
	r.Failed = append(r.Failed, BulkFailure{ID: id, Code: apperr.CodeOf(err), Reason: err.Error()})
}

// BulkUpdate applies each item with Update.
func (s *Store) BulkUpdate(ctx context.Context, items []BulkUpdateItem) BulkResult {
	res := newBulkResult(len(items))
	started := time.Now()
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			res.record(item.ID, apperr.FromContext("bulk update", started, err))
			continue
		}
		_, err := s.Update(ctx, item.ID, item.Version, item.Changes)
		res.record(item.ID, err)
	}
	s.logger.Info().
		Int("succeeded", len(res.Succeeded)).
		Int("failed", len(res.Failed)).
		Msg("bulk update finished")
	return res
}

// BulkDelete applies Delete to each id with the same options.
func (s *Store) BulkDelete(ctx context.Context, ids []string, opts DeleteOptions) BulkResult {
	res := newBulkResult(len(ids))
	started := time.Now()
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			res.record(id, apperr.FromContext("bulk delete", started, err))
			continue
		}
		res.record(id, s.Delete(ctx, id, DeleteOptions{Hard: opts.Hard}))
	}
	s.logger.Info().
		Int("succeeded", len(res.Succeeded)).
		Int("failed", len(res.Failed)).
		Msg("bulk delete finished")
	return res
}

package analytics

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"agentcal/internal/apperr"
	"agentcal/internal/cache"
	"agentcal/internal/model"
	"agentcal/internal/store"
)

// Lister pages through appointments.
type Lister interface {
	List(ctx context.Context, f store.Filter) (store.ListResult, error)
}

// Aggregator loads appointments and computes analytics over them.
type Aggregator struct {
	appointments Lister
	cache        *cache.Cache
	logger       zerolog.Logger
}

// NewAggregator creates an aggregator. c may be nil.
func NewAggregator(appointments Lister, c *cache.Cache, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		appointments: appointments,
		cache:        c,
		logger:       logger.With().Str("component", "analytics").Logger(),
	}
}

// Analytics computes the aggregate for q, read through the cache.
func (a *Aggregator) Analytics(ctx context.Context, q Query) (CalendarAnalytics, error) {
	if err := q.Validate(); err != nil {
		return CalendarAnalytics{}, err
	}
	return cache.GetOrLoad(ctx, a.cache, cacheKey("analytics", q), func(ctx context.Context) (CalendarAnalytics, error) {
		started := time.Now()
		appts, err := a.load(ctx, store.Filter{AgentIDs: q.AgentIDs, From: q.From, To: q.To})
		if err != nil {
			return CalendarAnalytics{}, err
		}
		out := Compute(appts, q)
		a.logger.Debug().
			Int("appointments", len(appts)).
			Dur("elapsed", time.Since(started)).
			Msg("analytics computed")
		return out, nil
	})
}

type worstHour struct {
	Hour int  `json:"hour"`
	OK   bool `json:"ok"`
}

// WorstCompletionHour reports the agent's weakest hour of day over [from, to).
func (a *Aggregator) WorstCompletionHour(ctx context.Context, agentID string, from, to time.Time) (int, bool, error) {
	q := Query{From: from.UTC().Truncate(time.Hour), To: to.UTC().Truncate(time.Hour), AgentIDs: []string{agentID}}
	res, err := cache.GetOrLoad(ctx, a.cache, cacheKey("worst-hour", q), func(ctx context.Context) (worstHour, error) {
		appts, err := a.load(ctx, store.Filter{
			AgentIDs: []string{agentID},
			Statuses: []model.Status{model.StatusCompleted, model.StatusCancelled, model.StatusNoShow},
			From:     q.From,
			To:       q.To,
		})
		if err != nil {
			return worstHour{}, err
		}
		h, ok := WorstHour(appts)
		return worstHour{Hour: h, OK: ok}, nil
	})
	if err != nil {
		return 0, false, err
	}
	return res.Hour, res.OK, nil
}

// load collects every page of f.
func (a *Aggregator) load(ctx context.Context, f store.Filter) ([]model.Appointment, error) {
	f.Limit = store.MaxListLimit
	var out []model.Appointment
	for {
		if err := ctx.Err(); err != nil {
			return nil, apperr.FromContext("analytics", time.Now(), err)
		}
		page, err := a.appointments.List(ctx, f)
		if err != nil {
			return nil, fmt.Errorf("list appointments: %w", err)
		}
		out = append(out, page.Items...)
		if len(page.Items) == 0 || len(out) >= page.Count {
			return out, nil
		}
		f.Offset += len(page.Items)
	}
}

func cacheKey(kind string, q Query) string {
	agents := append([]string(nil), q.AgentIDs...)
	sort.Strings(agents)
	return fmt.Sprintf("%s:%d:%d:%s:%s:%d", kind, q.From.UnixMilli(), q.To.UnixMilli(),
		strings.Join(agents, ","), q.GroupBy, q.TopN)
}

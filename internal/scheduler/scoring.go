package scheduler

import (
	"math"
	"sort"
	"time"

	"agentcal/internal/model"
)

// Weights blend the scoring factors. They need not sum to one.
type Weights struct {
	Proximity float64 `yaml:"proximity" json:"proximity"`
	Urgency   float64 `yaml:"urgency" json:"urgency"`
	Load      float64 `yaml:"load" json:"load"`
	Peak      float64 `yaml:"peak" json:"peak"`
}

// DefaultWeights are used when no weights are configured.
var DefaultWeights = Weights{Proximity: 0.4, Urgency: 0.3, Load: 0.2, Peak: 0.1}

// IsZero reports whether no weight is set.
func (w Weights) IsZero() bool {
	return w == Weights{}
}

const scoreEpsilon = 1e-9

// earlyPenaltyDays is added to the distance of a slot that falls before the
// nearest preferred date.
const earlyPenaltyDays = 0.5

var urgencyFactor = map[model.Priority]float64{
	model.PriorityUrgent: 1.0,
	model.PriorityHigh:   0.7,
	model.PriorityMedium: 0.3,
	model.PriorityLow:    0.1,
}

// Factors are the per-candidate inputs, each in [0, 1].
type Factors struct {
	Proximity float64
	Urgency   float64
	Load      float64
	Peak      float64

	DaysFromPreferred int
	SameDayLoad       int
	InWorstHour       bool
}

// Candidate is a scored slot.
type Candidate struct {
	Slot    model.TimeSlot
	Factors Factors
	Score   float64
}

type scoringInput struct {
	preferred  []model.Date
	priority   model.Priority
	windowFrom time.Time
	windowTo   time.Time
	loadByDay  map[model.Date]int
	worstHour  int
	hasWorst   bool
	weights    Weights
}

func (in scoringInput) score(slot model.TimeSlot) Candidate {
	start := slot.StartTime.UTC()
	day := model.DateOf(start)
	f := Factors{Proximity: 1, Peak: 1, DaysFromPreferred: -1}

	if len(in.preferred) > 0 {
		d, early := daysToNearest(day, in.preferred)
		f.DaysFromPreferred = d
		dist := float64(d)
		if early {
			dist += earlyPenaltyDays
		}
		f.Proximity = 1 / (1 + dist)
	}

	earliness := 1.0
	if span := in.windowTo.Sub(in.windowFrom); span > 0 {
		earliness = 1 - float64(start.Sub(in.windowFrom))/float64(span)
		earliness = math.Max(0, math.Min(1, earliness))
	}
	f.Urgency = urgencyFactor[in.priority] * earliness

	f.SameDayLoad = in.loadByDay[day]
	f.Load = 1 / (1 + float64(f.SameDayLoad))

	if in.hasWorst && start.Hour() == in.worstHour {
		f.InWorstHour = true
		f.Peak = 0
	}

	w := in.weights
	return Candidate{
		Slot:    slot,
		Factors: f,
		Score:   w.Proximity*f.Proximity + w.Urgency*f.Urgency + w.Load*f.Load + w.Peak*f.Peak,
	}
}

// rank orders candidates by score, earliest start first on ties.
func rank(cands []Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		if math.Abs(cands[i].Score-cands[j].Score) > scoreEpsilon {
			return cands[i].Score > cands[j].Score
		}
		return cands[i].Slot.StartTime.Before(cands[j].Slot.StartTime)
	})
}

// daysToNearest returns the whole-day distance to the closest preferred
// date and whether the day falls before it. Days before a preferred date
// rank behind days the same distance after it.
func daysToNearest(day model.Date, preferred []model.Date) (int, bool) {
	best, bestEarly := -1, false
	target := day.In(time.UTC)
	for _, p := range preferred {
		diff := int(math.Round(target.Sub(p.In(time.UTC)).Hours() / 24))
		d, early := diff, false
		if diff < 0 {
			d, early = -diff, true
		}
		if best < 0 || d < best || (d == best && bestEarly && !early) {
			best, bestEarly = d, early
		}
	}
	return best, bestEarly
}

package model

import "time"

// TimeSlot is a candidate bookable window. It is never persisted.
type TimeSlot struct {
	StartTime      time.Time `json:"startTime"`
	EndTime        time.Time `json:"endTime"`
	Duration       int       `json:"duration"` // minutes
	Available      bool      `json:"available"`
	ConflictReason string    `json:"conflictReason,omitempty"`
}

// NewTimeSlot builds an available slot of the given length.
func NewTimeSlot(start time.Time, d time.Duration) TimeSlot {
	return TimeSlot{
		StartTime: start,
		EndTime:   start.Add(d),
		Duration:  int(d / time.Minute),
		Available: true,
	}
}

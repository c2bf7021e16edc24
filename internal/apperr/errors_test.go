package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentcal/internal/model"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"nil", nil, ""},
		{"validation", Invalid("duration", "must be positive"), CodeValidation},
		{"conflict", &ConflictError{}, CodeConflict},
		{"no availability", &NoAvailabilityError{AgentID: "a"}, CodeNoAvailability},
		{"concurrency", &ConcurrencyError{ID: "x", Expected: 1, Actual: 2}, CodeConcurrency},
		{"transition", &InvalidTransitionError{From: model.StatusCompleted, To: model.StatusConfirmed}, CodeInvalidTransition},
		{"not found", &NotFoundError{Resource: "appointment", ID: "x"}, CodeNotFound},
		{"timeout", &TimeoutError{Op: "smart schedule"}, CodeTimeout},
		{"forbidden", &ForbiddenError{Action: "hard delete"}, CodeForbidden},
		{"wrapped not found", fmt.Errorf("get: %w", &NotFoundError{Resource: "appointment", ID: "x"}), CodeNotFound},
		{"plain", errors.New("disk full"), CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeOf(tt.err))
		})
	}
}

func TestInternal(t *testing.T) {
	cause := errors.New("connection reset")
	err := Internal("create appointment", cause)

	var ie *InternalError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, "internal error", err.Error())
	assert.ErrorIs(t, err, cause)

	typed := &ConcurrencyError{ID: "a"}
	assert.Same(t, typed, Internal("update", typed))
	assert.NoError(t, Internal("noop", nil))
	assert.Same(t, err, Internal("again", err))
}

func TestValidationError(t *testing.T) {
	v := &ValidationError{}
	assert.NoError(t, v.OrNil())

	v.Add("endTime", "must be after startTime")
	v.Add("assignedToId", "is required")
	err := v.OrNil()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "endTime: must be after startTime")
	assert.Len(t, v.Fields, 2)
}

func TestFromContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	err := FromContext("smart schedule", time.Now(), ctx.Err())
	assert.Equal(t, CodeTimeout, CodeOf(err))

	err = FromContext("smart schedule", time.Now(), context.Canceled)
	assert.Equal(t, CodeInternal, CodeOf(err))
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(&ConflictError{}))
	assert.True(t, Retryable(&ConcurrencyError{}))
	assert.False(t, Retryable(&InvalidTransitionError{}))
	assert.False(t, Retryable(errors.New("boom")))
}

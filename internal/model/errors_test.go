package model

import (
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

func TestValidationError(t *testing.T) {
	err := NewValidationError("likelihood", "must be between %d and %d", 1, 5)
	assert.Equal(t, "likelihood: must be between 1 and 5", err.Error())
	assert.True(t, IsValidation(err))
	assert.False(t, IsNotFound(err))
}

func TestValidationErrorNoField(t *testing.T) {
	err := &ValidationError{Message: "framework ids required"}
	assert.Equal(t, "framework ids required", err.Error())
}

func TestNotFoundError(t *testing.T) {
	err := NewNotFoundError("risk", "r-42")
	assert.Equal(t, "risk not found: r-42", err.Error())
	assert.True(t, IsNotFound(err))
	assert.False(t, IsValidation(err))
}

func TestErrorsSurviveWrapping(t *testing.T) {
	wrapped := eris.Wrap(NewValidationError("impact", "must be between 1 and 5"), "heatmap: cell")
	assert.True(t, IsValidation(wrapped))

	wrapped = eris.Wrap(NewNotFoundError("framework", "fw-1"), "gaps: load")
	assert.True(t, IsNotFound(wrapped))
}

func TestAssessmentStatusCounted(t *testing.T) {
	tests := []struct {
		status AssessmentStatus
		want   bool
	}{
		{AssessmentInProgress, true},
		{AssessmentApproved, true},
		{AssessmentCompleted, true},
		{AssessmentDraft, false},
		{AssessmentCancelled, false},
		{AssessmentStatus("bogus"), false},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.Counted())
		})
	}
}

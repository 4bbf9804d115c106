package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipelineAt(status PipelineStatus, current int) Pipeline {
	p := Pipeline{ID: "p1", Status: status, CurrentStep: current, TotalSteps: len(DefaultSteps)}
	for i, st := range DefaultSteps {
		p.Steps = append(p.Steps, PipelineStep{ID: st.Label(), StepOrder: i, StepType: st, Status: StepPending})
	}
	return p
}

func TestIsPausedForReview(t *testing.T) {
	t.Parallel()

	statuses := []PipelineStatus{
		PipelineCreated, PipelineRunning, PipelinePaused,
		PipelineCompleted, PipelineFailed, PipelineCancelled,
	}
	for _, status := range statuses {
		for i, st := range DefaultSteps {
			p := pipelineAt(status, i)
			want := status == PipelinePaused && st == StepValidateParse
			assert.Equal(t, want, p.IsPausedForReview(), "%s at %s", status, st)
		}
	}
}

func TestIsPausedForReviewOutOfRange(t *testing.T) {
	t.Parallel()

	p := pipelineAt(PipelinePaused, len(DefaultSteps))
	assert.False(t, p.IsPausedForReview())

	p = pipelineAt(PipelinePaused, -1)
	assert.False(t, p.IsPausedForReview())

	empty := Pipeline{Status: PipelinePaused, CurrentStep: 1}
	assert.False(t, empty.IsPausedForReview())
}

func TestPipelineStatusHelpers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status   PipelineStatus
		terminal bool
		stops    bool
		active   bool
	}{
		{PipelineCreated, false, false, true},
		{PipelineRunning, false, false, true},
		{PipelinePaused, false, true, false},
		{PipelineCompleted, true, true, false},
		{PipelineFailed, true, true, false},
		{PipelineCancelled, true, true, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.terminal, tt.status.IsTerminal())
			assert.Equal(t, tt.stops, tt.status.StopsPolling())
			assert.Equal(t, tt.active, tt.status.IsActive())
		})
	}
}

func TestCanResume(t *testing.T) {
	t.Parallel()

	assert.True(t, Pipeline{Status: PipelinePaused}.CanResume())
	assert.True(t, Pipeline{Status: PipelineFailed}.CanResume())
	assert.False(t, Pipeline{Status: PipelineRunning}.CanResume())
	assert.False(t, Pipeline{Status: PipelineCompleted}.CanResume())
	assert.False(t, Pipeline{Status: PipelineCancelled}.CanResume())
}

func TestPipelineConsistent(t *testing.T) {
	t.Parallel()

	assert.True(t, pipelineAt(PipelineRunning, 0).Consistent())
	assert.True(t, pipelineAt(PipelineCompleted, len(DefaultSteps)).Consistent())
	assert.False(t, pipelineAt(PipelineRunning, len(DefaultSteps)+1).Consistent())

	p := pipelineAt(PipelineRunning, 0)
	p.Steps = p.Steps[:3]
	assert.False(t, p.Consistent())
}

func TestPipelineBelongsTo(t *testing.T) {
	t.Parallel()

	id := "proj-1"
	assert.True(t, Pipeline{ProjectID: &id}.BelongsTo("proj-1"))
	assert.False(t, Pipeline{ProjectID: &id}.BelongsTo("proj-2"))
	assert.False(t, Pipeline{}.BelongsTo("proj-1"))
}

func TestPipelineCloneIsolatesSteps(t *testing.T) {
	t.Parallel()

	p := pipelineAt(PipelineRunning, 0)
	cp := p.Clone()
	cp.Steps[0].Status = StepFailed
	assert.Equal(t, StepPending, p.Steps[0].Status)
}

func TestStepTypeLabel(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "Validate parsed data", StepValidateParse.Label())
	assert.Equal(t, "SOMETHING_NEW", StepType("SOMETHING_NEW").Label())
}

func TestPipelineDecodesEngineJSON(t *testing.T) {
	t.Parallel()

	raw := `{
		"id": "9b1c",
		"projectId": null,
		"status": "PAUSED",
		"currentStep": 1,
		"totalSteps": 2,
		"progressPercent": 28,
		"errorMessage": null,
		"createdAt": "2025-03-01T10:15:30.123456",
		"startedAt": "2025-03-01T10:15:31",
		"completedAt": null,
		"steps": [
			{"id": "s1", "stepOrder": 0, "stepType": "PARSE_FILES", "status": "COMPLETED", "retryCount": 0},
			{"id": "s2", "stepOrder": 1, "stepType": "VALIDATE_PARSE", "status": "RUNNING", "retryCount": 1}
		]
	}`

	var p Pipeline
	require.NoError(t, json.Unmarshal([]byte(raw), &p))
	assert.Nil(t, p.ProjectID)
	assert.True(t, p.IsPausedForReview())
	assert.Equal(t, 2025, p.CreatedAt.Year())
	assert.Equal(t, 123456000, p.CreatedAt.Nanosecond())
	assert.True(t, p.CompletedAt.IsZero())
	assert.Equal(t, 1, p.Steps[1].RetryCount)
}

package model

// PipelineStatus is the server-side state of a Pipeline.
type PipelineStatus string

const (
	PipelineCreated   PipelineStatus = "CREATED"
	PipelineRunning   PipelineStatus = "RUNNING"
	PipelinePaused    PipelineStatus = "PAUSED"
	PipelineCompleted PipelineStatus = "COMPLETED"
	PipelineFailed    PipelineStatus = "FAILED"
	PipelineCancelled PipelineStatus = "CANCELLED"
)

// IsTerminal reports whether no further transition happens without an
// operator action. FAILED is terminal here: it is never retried automatically.
func (s PipelineStatus) IsTerminal() bool {
	switch s {
	case PipelineCompleted, PipelineFailed, PipelineCancelled:
		return true
	}
	return false
}

// IsActive reports whether the engine is expected to make progress on its own.
func (s PipelineStatus) IsActive() bool {
	return s == PipelineCreated || s == PipelineRunning
}

// StopsPolling reports whether an observed status ends a poll loop.
func (s PipelineStatus) StopsPolling() bool {
	return s.IsTerminal() || s == PipelinePaused
}

// StepType names a phase of the processing workflow.
type StepType string

const (
	StepParseFiles      StepType = "PARSE_FILES"
	StepValidateParse   StepType = "VALIDATE_PARSE"
	StepMatchSuppliers  StepType = "MATCH_SUPPLIERS"
	StepEnrichCompanies StepType = "ENRICH_COMPANIES"
	StepSendRfqs        StepType = "SEND_RFQS"
	StepAwaitBids       StepType = "AWAIT_BIDS"
	StepCompareBids     StepType = "COMPARE_BIDS"
)

// DefaultSteps is the order the pipeline engine creates steps in.
var DefaultSteps = []StepType{
	StepParseFiles,
	StepValidateParse,
	StepMatchSuppliers,
	StepEnrichCompanies,
	StepSendRfqs,
	StepAwaitBids,
	StepCompareBids,
}

var stepLabels = map[StepType]string{
	StepParseFiles:      "Parse files",
	StepValidateParse:   "Validate parsed data",
	StepMatchSuppliers:  "Match suppliers",
	StepEnrichCompanies: "Enrich companies",
	StepSendRfqs:        "Send RFQs",
	StepAwaitBids:       "Await bids",
	StepCompareBids:     "Compare bids",
}

// Label returns a human-readable name, falling back to the raw type.
func (t StepType) Label() string {
	if l, ok := stepLabels[t]; ok {
		return l
	}
	return string(t)
}

// StepStatus is the state of a single PipelineStep.
type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepRunning   StepStatus = "RUNNING"
	StepCompleted StepStatus = "COMPLETED"
	StepFailed    StepStatus = "FAILED"
	StepSkipped   StepStatus = "SKIPPED"
)

// PipelineStep is one phase within a Pipeline.
type PipelineStep struct {
	ID           string     `json:"id"`
	StepOrder    int        `json:"stepOrder"`
	StepType     StepType   `json:"stepType"`
	StepName     string     `json:"stepName"`
	Status       StepStatus `json:"status"`
	ErrorMessage *string    `json:"errorMessage"`
	RetryCount   int        `json:"retryCount"`
	StartedAt    Timestamp  `json:"startedAt"`
	CompletedAt  Timestamp  `json:"completedAt"`
}

// Pipeline is a server-tracked workflow instance. It is only observed here;
// the engine owns every mutation.
type Pipeline struct {
	ID              string         `json:"id"`
	ProjectID       *string        `json:"projectId"`
	Status          PipelineStatus `json:"status"`
	CurrentStep     int            `json:"currentStep"`
	TotalSteps      int            `json:"totalSteps"`
	ProgressPercent int            `json:"progressPercent"`
	ErrorMessage    *string        `json:"errorMessage"`
	Steps           []PipelineStep `json:"steps"`
	CreatedAt       Timestamp      `json:"createdAt"`
	StartedAt       Timestamp      `json:"startedAt"`
	CompletedAt     Timestamp      `json:"completedAt"`
}

// Step returns the step at the current index, if the index is in range.
func (p Pipeline) Step() (PipelineStep, bool) {
	if p.CurrentStep < 0 || p.CurrentStep >= len(p.Steps) {
		return PipelineStep{}, false
	}
	return p.Steps[p.CurrentStep], true
}

// IsPausedForReview is true iff the pipeline is PAUSED at a VALIDATE_PARSE step.
func (p Pipeline) IsPausedForReview() bool {
	if p.Status != PipelinePaused {
		return false
	}
	step, ok := p.Step()
	return ok && step.StepType == StepValidateParse
}

// CanResume reports whether the engine accepts a resume request.
func (p Pipeline) CanResume() bool {
	return p.Status == PipelinePaused || p.Status == PipelineFailed
}

// BelongsTo reports whether the pipeline was created for projectID.
func (p Pipeline) BelongsTo(projectID string) bool {
	return p.ProjectID != nil && *p.ProjectID == projectID
}

// Consistent checks 0 <= currentStep <= totalSteps and len(steps) == totalSteps.
func (p Pipeline) Consistent() bool {
	return p.CurrentStep >= 0 && p.CurrentStep <= p.TotalSteps && len(p.Steps) == p.TotalSteps
}

// Clone returns a deep copy.
func (p Pipeline) Clone() Pipeline {
	out := p
	out.Steps = append([]PipelineStep(nil), p.Steps...)
	return out
}

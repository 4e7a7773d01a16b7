package domain

import "time"

// RunKind distinguishes training from evaluation jobs.
type RunKind string

const (
	RunKindTraining   RunKind = "training"
	RunKindEvaluation RunKind = "evaluation"
)

// Valid reports whether the kind is known.
func (k RunKind) Valid() bool {
	return k == RunKindTraining || k == RunKindEvaluation
}

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed
}

// CanTransition reports whether moving from s to next keeps the lifecycle monotonic.
// A pending run may fail directly when it never reached the sandbox.
func (s RunStatus) CanTransition(next RunStatus) bool {
	switch s {
	case RunStatusPending:
		return next == RunStatusRunning || next == RunStatusFailed
	case RunStatusRunning:
		return next == RunStatusSucceeded || next == RunStatusFailed
	default:
		return false
	}
}

// Run is the persisted record of one training or evaluation job.
type Run struct {
	ID           string     `json:"id"`
	ProjectID    string     `json:"project_id"`
	Kind         RunKind    `json:"kind"`
	Status       RunStatus  `json:"status"`
	DatasetID    string     `json:"dataset_id,omitempty"`
	DataConfigID string     `json:"data_config_id,omitempty"`
	ModelRunID   string     `json:"model_run_id,omitempty"`
	Config       Value      `json:"config"`
	Logs         string     `json:"logs"`
	Metrics      Value      `json:"metrics"`
	Reason       string     `json:"reason,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// RunCompletion carries everything written by the single terminal transition.
type RunCompletion struct {
	RunID      string
	Status     RunStatus
	Logs       string
	Metrics    Value
	Reason     string
	FinishedAt time.Time
	Artifacts  []Artifact
}

// Artifact is a file produced by a successful run.
type Artifact struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	RunID     string    `json:"run_id"`
	Path      string    `json:"path"`
	Format    string    `json:"format"`
	SizeBytes int64     `json:"size_bytes"`
	Metrics   Value     `json:"metrics"`
	CreatedAt time.Time `json:"created_at"`
}

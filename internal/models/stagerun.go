package models

// StageStatus represents the status of one stage execution.
type StageStatus string

const (
	// StageStatusPending indicates the stage has not started.
	StageStatusPending StageStatus = "pending"
	// StageStatusRunning indicates the stage is executing.
	StageStatusRunning StageStatus = "running"
	// StageStatusCompleted indicates the stage finished successfully.
	StageStatusCompleted StageStatus = "completed"
	// StageStatusFailed indicates the stage ended in an error.
	StageStatusFailed StageStatus = "failed"
)

// StageRun is the durable record of one stage execution for one project.
// There is at most one row per (project, stage) pair; reruns reset it.
type StageRun struct {
	BaseModel

	// ProjectID is the owning project.
	ProjectID ULID `gorm:"type:varchar(26);not null;index;uniqueIndex:idx_stage_runs_project_stage" json:"project_id"`

	// Stage is the pipeline stage name.
	Stage StageName `gorm:"not null;size:32;uniqueIndex:idx_stage_runs_project_stage" json:"stage"`

	// Status is the current stage status.
	Status StageStatus `gorm:"not null;default:'pending';size:20;index" json:"status"`

	// StartedAt is when the stage began executing.
	StartedAt *Time `json:"started_at,omitempty"`

	// CompletedAt is when the stage finished (successfully or not).
	CompletedAt *Time `json:"completed_at,omitempty"`

	// Progress is the persisted progress percentage in [0,100].
	Progress int `gorm:"default:0" json:"progress"`

	// ProgressMessage is the most recent progress message.
	ProgressMessage string `gorm:"size:512" json:"progress_message,omitempty"`

	// Metadata is the metrics bag (items_processed, token totals, concurrency...).
	Metadata JSONMap `gorm:"type:text" json:"metadata,omitempty"`

	// ErrorCode is the stable error code of the last failure.
	ErrorCode string `gorm:"size:64" json:"error_code,omitempty"`

	// ErrorMessage is the last failure message.
	ErrorMessage string `gorm:"size:4096" json:"error_message,omitempty"`

	// InputArtifacts maps artifact name -> storage identifier consumed by the stage.
	InputArtifacts StringMap `gorm:"type:text" json:"input_artifacts,omitempty"`

	// OutputArtifacts maps artifact name -> storage identifier produced by the stage.
	OutputArtifacts StringMap `gorm:"type:text" json:"output_artifacts,omitempty"`
}

// TableName returns the table name for StageRun.
func (StageRun) TableName() string {
	return "stage_runs"
}

// DurationMs returns the execution duration in milliseconds, or 0 if unknown.
func (r *StageRun) DurationMs() int64 {
	if r.StartedAt == nil || r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(*r.StartedAt).Milliseconds()
}

// IsFinished reports whether the stage run reached a terminal status.
func (r *StageRun) IsFinished() bool {
	return r.Status == StageStatusCompleted || r.Status == StageStatusFailed
}

// MarkRunning transitions the run to running, clearing prior error state.
func (r *StageRun) MarkRunning() {
	now := Now()
	r.Status = StageStatusRunning
	r.StartedAt = &now
	r.CompletedAt = nil
	r.Progress = 0
	r.ProgressMessage = ""
	r.ErrorCode = ""
	r.ErrorMessage = ""
}

// MarkCompleted transitions the run to completed.
func (r *StageRun) MarkCompleted() {
	now := Now()
	r.Status = StageStatusCompleted
	r.CompletedAt = &now
	r.Progress = 100
}

// MarkFailed transitions the run to failed with a stable error code.
func (r *StageRun) MarkFailed(code, message string) {
	now := Now()
	r.Status = StageStatusFailed
	r.CompletedAt = &now
	r.ErrorCode = code
	r.ErrorMessage = message
}

// ResetToPending clears all execution state, returning the run to pending.
func (r *StageRun) ResetToPending() {
	r.Status = StageStatusPending
	r.StartedAt = nil
	r.CompletedAt = nil
	r.Progress = 0
	r.ProgressMessage = ""
	r.Metadata = JSONMap{}
	r.ErrorCode = ""
	r.ErrorMessage = ""
	r.InputArtifacts = StringMap{}
	r.OutputArtifacts = StringMap{}
}

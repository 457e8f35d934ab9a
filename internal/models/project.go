package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"gorm.io/gorm"
)

// ProjectStatus represents the lifecycle status of a project.
type ProjectStatus string

const (
	// ProjectStatusPending indicates the project has been created but not started.
	ProjectStatusPending ProjectStatus = "pending"
	// ProjectStatusProcessing indicates a pipeline run is in flight.
	ProjectStatusProcessing ProjectStatus = "processing"
	// ProjectStatusPaused indicates the project stopped between stages
	// (manual stage mode or external cancellation).
	ProjectStatusPaused ProjectStatus = "paused"
	// ProjectStatusCompleted indicates all stages finished.
	ProjectStatusCompleted ProjectStatus = "completed"
	// ProjectStatusFailed indicates the last run ended in a stage failure.
	ProjectStatusFailed ProjectStatus = "failed"
)

// ArtifactMap maps stage name -> artifact name -> storage identifier.
type ArtifactMap map[string]map[string]string

// Value implements driver.Valuer.
func (m ArtifactMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshaling ArtifactMap: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (m *ArtifactMap) Scan(value any) error {
	if value == nil {
		*m = ArtifactMap{}
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported type for ArtifactMap: %T", value)
	}
	if len(data) == 0 {
		*m = ArtifactMap{}
		return nil
	}
	return json.Unmarshal(data, m)
}

// GormDataType returns the GORM data type for ArtifactMap.
func (ArtifactMap) GormDataType() string {
	return "text"
}

// Project represents one translation job from media to bilingual subtitles.
type Project struct {
	BaseModel

	// Name is the display name of the project.
	Name string `gorm:"not null;size:255" json:"name"`

	// MediaURL is the source media location (local path, file:// or http(s) URL).
	MediaURL string `gorm:"not null;size:2048" json:"media_url"`

	// SourceLanguage is the optional spoken language hint for ASR.
	SourceLanguage string `gorm:"size:16" json:"source_language,omitempty"`

	// TargetLanguage is the translation target.
	TargetLanguage string `gorm:"not null;size:16" json:"target_language"`

	// AutoWorkflow runs all remaining stages after any run_stage task.
	AutoWorkflow bool `gorm:"default:true" json:"auto_workflow"`

	// Status is the lifecycle status.
	Status ProjectStatus `gorm:"not null;default:'pending';size:20;index" json:"status"`

	// CurrentStage is the 1-based index of the last completed stage (0 = none).
	CurrentStage int `gorm:"not null;default:0" json:"current_stage"`

	// Artifacts maps stage name -> artifact name -> storage identifier.
	Artifacts ArtifactMap `gorm:"type:text" json:"artifacts"`

	// ErrorMessage holds the most recent failure message.
	ErrorMessage string `gorm:"size:4096" json:"error_message,omitempty"`

	// Errors accumulates task-level error strings across runs.
	Errors StringList `gorm:"type:text" json:"errors,omitempty"`

	// StageRuns are the per-stage execution records (loaded on demand).
	StageRuns []*StageRun `gorm:"-" json:"stage_runs,omitempty"`
}

// TableName returns the table name for Project.
func (Project) TableName() string {
	return "projects"
}

// IsTerminal reports whether the project reached a terminal status.
func (p *Project) IsTerminal() bool {
	return p.Status == ProjectStatusCompleted || p.Status == ProjectStatusFailed
}

// StageArtifacts returns the artifact identifiers recorded for a stage.
func (p *Project) StageArtifacts(stage StageName) map[string]string {
	if p.Artifacts == nil {
		return nil
	}
	return p.Artifacts[stage.String()]
}

// SetStageArtifacts records artifact identifiers for a stage.
func (p *Project) SetStageArtifacts(stage StageName, artifacts map[string]string) {
	if len(artifacts) == 0 {
		return
	}
	if p.Artifacts == nil {
		p.Artifacts = ArtifactMap{}
	}
	p.Artifacts[stage.String()] = artifacts
}

// Validate performs basic validation on the project.
func (p *Project) Validate() error {
	if p.Name == "" {
		return ErrProjectNameRequired
	}
	if p.MediaURL == "" {
		return ErrProjectMediaRequired
	}
	if p.TargetLanguage == "" {
		return ErrProjectTargetLanguageRequired
	}
	return nil
}

// BeforeCreate is a GORM hook that validates the project and generates its ULID.
func (p *Project) BeforeCreate(tx *gorm.DB) error {
	if err := p.BaseModel.BeforeCreate(tx); err != nil {
		return err
	}
	return p.Validate()
}

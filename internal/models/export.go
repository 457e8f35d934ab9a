package models

// ExportFormat is a subtitle file format.
type ExportFormat string

const (
	// ExportFormatSRT is SubRip.
	ExportFormatSRT ExportFormat = "srt"
	// ExportFormatVTT is WebVTT.
	ExportFormatVTT ExportFormat = "vtt"
	// ExportFormatASS is Advanced SubStation Alpha.
	ExportFormatASS ExportFormat = "ass"
	// ExportFormatJSON is the structured JSON export.
	ExportFormatJSON ExportFormat = "json"
)

// ContentMode selects which languages an export contains.
type ContentMode string

const (
	// ContentModeBoth renders source and translation lines.
	ContentModeBoth ContentMode = "both"
	// ContentModePrimaryOnly renders only the translation.
	ContentModePrimaryOnly ContentMode = "primary_only"
	// ContentModeSecondaryOnly renders only the source text.
	ContentModeSecondaryOnly ContentMode = "secondary_only"
)

// ExportSource records whether an export came from auto output or edits.
type ExportSource string

const (
	// ExportSourceAuto is rendered from pipeline output.
	ExportSourceAuto ExportSource = "auto"
	// ExportSourceEdited is rendered from operator-edited chunks.
	ExportSourceEdited ExportSource = "edited"
)

// SubtitleExport is a materialised subtitle artifact for a project.
type SubtitleExport struct {
	BaseModel

	// ProjectID is the owning project.
	ProjectID ULID `gorm:"type:varchar(26);not null;index" json:"project_id"`

	// Format is the subtitle file format.
	Format ExportFormat `gorm:"not null;size:8" json:"format"`

	// ContentMode selects the rendered languages.
	ContentMode ContentMode `gorm:"not null;size:16;default:'both'" json:"content_mode"`

	// Config is the renderer configuration used for this export.
	Config JSONMap `gorm:"type:text" json:"config,omitempty"`

	// StorageKey is the artifact-store identifier of the rendered file.
	StorageKey string `gorm:"size:1024" json:"storage_key"`

	// Source records whether the export used auto or edited chunks.
	Source ExportSource `gorm:"not null;size:8;default:'auto'" json:"source"`
}

// TableName returns the table name for SubtitleExport.
func (SubtitleExport) TableName() string {
	return "subtitle_exports"
}

package models

import "time"

// FileBlob is the metadata row for one content-addressed media blob.
type FileBlob struct {
	// Hash is the SHA-256 content hash, primary key.
	Hash string `gorm:"primarykey;size:64" json:"hash"`

	// Size is the blob size in bytes.
	Size int64 `gorm:"not null" json:"size"`

	// MIME is the optional content type.
	MIME string `gorm:"size:128" json:"mime,omitempty"`

	// RefCount is the number of project_files rows referencing this blob.
	RefCount int `gorm:"not null;default:0" json:"ref_count"`

	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
}

// TableName returns the table name for FileBlob.
func (FileBlob) TableName() string {
	return "file_blobs"
}

// ProjectFileType classifies a project's media files.
type ProjectFileType string

const (
	// ProjectFileInputVideo is the original uploaded/downloaded media.
	ProjectFileInputVideo ProjectFileType = "input_video"
	// ProjectFileAudio is the extracted 16 kHz mono WAV.
	ProjectFileAudio ProjectFileType = "audio"
	// ProjectFileVocals is the separated vocals track.
	ProjectFileVocals ProjectFileType = "vocals"
)

// ProjectFile associates a (project, file type) pair with one blob.
type ProjectFile struct {
	BaseModel

	// ProjectID is the owning project.
	ProjectID ULID `gorm:"type:varchar(26);not null;index;uniqueIndex:idx_project_files_project_type" json:"project_id"`

	// FileType classifies the file within the project.
	FileType ProjectFileType `gorm:"not null;size:20;uniqueIndex:idx_project_files_project_type" json:"file_type"`

	// BlobHash references file_blobs.hash.
	BlobHash string `gorm:"not null;size:64;index" json:"blob_hash"`
}

// TableName returns the table name for ProjectFile.
func (ProjectFile) TableName() string {
	return "project_files"
}

// DerivedBlob indexes a deterministic derivative of a source blob, keyed by
// the transform name, the source hash and the canonical params hash.
type DerivedBlob struct {
	// Transform names the derivation (e.g. "demucs_vocals").
	Transform string `gorm:"primarykey;size:64" json:"transform"`

	// SourceHash is the input blob hash.
	SourceHash string `gorm:"primarykey;size:64" json:"source_hash"`

	// ParamsHash is the SHA-256 of the canonicalised params JSON.
	ParamsHash string `gorm:"primarykey;size:64" json:"params_hash"`

	// DstHash is the derived blob hash.
	DstHash string `gorm:"not null;size:64" json:"dst_hash"`

	CreatedAt time.Time `json:"created_at"`
}

// TableName returns the table name for DerivedBlob.
func (DerivedBlob) TableName() string {
	return "derived_blobs"
}

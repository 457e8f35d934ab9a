// Package repository provides data access interfaces and GORM implementations
// for subflow entities.
package repository

import (
	"context"
	"time"

	"github.com/subflowhq/subflow/internal/database"
	"github.com/subflowhq/subflow/internal/models"
)

// ProjectRepository manages Project rows.
type ProjectRepository interface {
	Create(ctx context.Context, project *models.Project) error
	GetByID(ctx context.Context, id models.ULID) (*models.Project, error)
	Update(ctx context.Context, project *models.Project) error
	// UpdateStatus updates status and optionally current stage / error message.
	// Pass a negative currentStage to leave it unchanged.
	UpdateStatus(ctx context.Context, id models.ULID, status models.ProjectStatus, currentStage int, errorMessage string) error
	List(ctx context.Context, limit, offset int) ([]*models.Project, error)
	ListAllIDs(ctx context.Context) ([]models.ULID, error)
	// FindStaleProcessing returns projects stuck in processing whose updated_at
	// is older than maxAge. Used by crash recovery.
	FindStaleProcessing(ctx context.Context, maxAge time.Duration, limit int) ([]*models.Project, error)
	// Delete removes the project and all child rows in one transaction,
	// releasing its blob references. Artifact-store cleanup is the
	// caller's responsibility; pipeline.DeleteProject composes both.
	Delete(ctx context.Context, id models.ULID) error
}

// StageRunRepository manages StageRun rows.
type StageRunRepository interface {
	Upsert(ctx context.Context, run *models.StageRun) error
	Get(ctx context.Context, projectID models.ULID, stage models.StageName) (*models.StageRun, error)
	ListByProject(ctx context.Context, projectID models.ULID) ([]*models.StageRun, error)
	// MarkRunning upserts the run as running, clearing error and progress.
	MarkRunning(ctx context.Context, projectID models.ULID, stage models.StageName) (*models.StageRun, error)
	MarkCompleted(ctx context.Context, projectID models.ULID, stage models.StageName, outputArtifacts map[string]string) error
	MarkFailed(ctx context.Context, projectID models.ULID, stage models.StageName, errorCode, errorMessage string) error
	ResetToPending(ctx context.Context, projectID models.ULID, stage models.StageName) error
	// SetProgress persists progress and merges metrics into the metadata bag.
	SetProgress(ctx context.Context, projectID models.ULID, stage models.StageName, progress int, message string, metrics map[string]any) error
}

// VADRegionRepository manages VADRegion rows.
type VADRegionRepository interface {
	BulkInsert(ctx context.Context, regions []*models.VADRegion) error
	GetByProject(ctx context.Context, projectID models.ULID) ([]*models.VADRegion, error)
	DeleteByProject(ctx context.Context, projectID models.ULID) error
}

// ASRSegmentRepository manages ASRSegment rows.
type ASRSegmentRepository interface {
	BulkInsert(ctx context.Context, segments []*models.ASRSegment) error
	// GetByProject returns segments in segment-index order.
	GetByProject(ctx context.Context, projectID models.ULID) ([]*models.ASRSegment, error)
	// GetCorrectedMap returns segment index -> corrected text for segments
	// that have a correction.
	GetCorrectedMap(ctx context.Context, projectID models.ULID) (map[int64]string, error)
	UpdateCorrectedTexts(ctx context.Context, projectID models.ULID, corrections map[int64]string) error
	ClearCorrectedTexts(ctx context.Context, projectID models.ULID) error
	GetByTimeRange(ctx context.Context, projectID models.ULID, start, end float64) ([]*models.ASRSegment, error)
	DeleteByProject(ctx context.Context, projectID models.ULID) error
}

// ASRMergedChunkRepository manages ASRMergedChunk rows.
type ASRMergedChunkRepository interface {
	BulkUpsert(ctx context.Context, chunks []*models.ASRMergedChunk) error
	GetByProject(ctx context.Context, projectID models.ULID) ([]*models.ASRMergedChunk, error)
	DeleteByProject(ctx context.Context, projectID models.ULID) error
}

// GlobalContextRepository manages the per-project GlobalContext row.
type GlobalContextRepository interface {
	Save(ctx context.Context, gc *models.GlobalContext) error
	GetByProject(ctx context.Context, projectID models.ULID) (*models.GlobalContext, error)
	DeleteByProject(ctx context.Context, projectID models.ULID) error
}

// SemanticChunkRepository manages SemanticChunk rows and their children.
type SemanticChunkRepository interface {
	// BulkInsert inserts parents and their translation chunks transactionally.
	BulkInsert(ctx context.Context, chunks []*models.SemanticChunk) error
	// GetByProject returns chunks in chunk-index order with children attached.
	GetByProject(ctx context.Context, projectID models.ULID) ([]*models.SemanticChunk, error)
	DeleteByProject(ctx context.Context, projectID models.ULID) error
}

// SubtitleExportRepository manages SubtitleExport rows.
type SubtitleExportRepository interface {
	Create(ctx context.Context, export *models.SubtitleExport) error
	GetByID(ctx context.Context, id models.ULID) (*models.SubtitleExport, error)
	ListByProject(ctx context.Context, projectID models.ULID) ([]*models.SubtitleExport, error)
}

// Registry bundles all repositories over one database connection.
type Registry struct {
	Projects        ProjectRepository
	StageRuns       StageRunRepository
	VADRegions      VADRegionRepository
	ASRSegments     ASRSegmentRepository
	ASRMergedChunks ASRMergedChunkRepository
	GlobalContexts  GlobalContextRepository
	SemanticChunks  SemanticChunkRepository
	SubtitleExports SubtitleExportRepository
}

// NewRegistry creates all repositories over the given database.
func NewRegistry(db *database.DB) *Registry {
	return &Registry{
		Projects:        NewProjectRepository(db),
		StageRuns:       NewStageRunRepository(db),
		VADRegions:      NewVADRegionRepository(db),
		ASRSegments:     NewASRSegmentRepository(db),
		ASRMergedChunks: NewASRMergedChunkRepository(db),
		GlobalContexts:  NewGlobalContextRepository(db),
		SemanticChunks:  NewSemanticChunkRepository(db),
		SubtitleExports: NewSubtitleExportRepository(db),
	}
}

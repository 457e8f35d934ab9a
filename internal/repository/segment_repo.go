package repository

import (
	"context"
	"fmt"

	"github.com/subflowhq/subflow/internal/database"
	"github.com/subflowhq/subflow/internal/models"
	"gorm.io/gorm/clause"
)

// bulkInsertBatchSize bounds one insert statement's row count.
const bulkInsertBatchSize = 500

// vadRegionRepo implements VADRegionRepository using GORM.
type vadRegionRepo struct {
	db *database.DB
}

// NewVADRegionRepository creates a new VADRegionRepository.
func NewVADRegionRepository(db *database.DB) VADRegionRepository {
	return &vadRegionRepo{db: db}
}

// BulkInsert inserts regions in batches.
func (r *vadRegionRepo) BulkInsert(ctx context.Context, regions []*models.VADRegion) error {
	if len(regions) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).CreateInBatches(regions, bulkInsertBatchSize).Error; err != nil {
		return fmt.Errorf("bulk inserting VAD regions: %w", err)
	}
	return nil
}

// GetByProject retrieves regions ordered by start time.
func (r *vadRegionRepo) GetByProject(ctx context.Context, projectID models.ULID) ([]*models.VADRegion, error) {
	var regions []*models.VADRegion
	err := r.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("start ASC, region_id ASC").
		Find(&regions).Error
	if err != nil {
		return nil, fmt.Errorf("getting VAD regions: %w", err)
	}
	return regions, nil
}

// DeleteByProject removes all regions for a project.
func (r *vadRegionRepo) DeleteByProject(ctx context.Context, projectID models.ULID) error {
	if err := r.db.WithContext(ctx).Where("project_id = ?", projectID).Delete(&models.VADRegion{}).Error; err != nil {
		return fmt.Errorf("deleting VAD regions: %w", err)
	}
	return nil
}

// asrSegmentRepo implements ASRSegmentRepository using GORM.
type asrSegmentRepo struct {
	db *database.DB
}

// NewASRSegmentRepository creates a new ASRSegmentRepository.
func NewASRSegmentRepository(db *database.DB) ASRSegmentRepository {
	return &asrSegmentRepo{db: db}
}

// BulkInsert inserts segments in batches.
func (r *asrSegmentRepo) BulkInsert(ctx context.Context, segments []*models.ASRSegment) error {
	if len(segments) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).CreateInBatches(segments, bulkInsertBatchSize).Error; err != nil {
		return fmt.Errorf("bulk inserting ASR segments: %w", err)
	}
	return nil
}

// GetByProject retrieves segments in segment-index order.
func (r *asrSegmentRepo) GetByProject(ctx context.Context, projectID models.ULID) ([]*models.ASRSegment, error) {
	var segments []*models.ASRSegment
	err := r.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("segment_index ASC").
		Find(&segments).Error
	if err != nil {
		return nil, fmt.Errorf("getting ASR segments: %w", err)
	}
	return segments, nil
}

// GetCorrectedMap returns segment index -> corrected text for corrected segments.
func (r *asrSegmentRepo) GetCorrectedMap(ctx context.Context, projectID models.ULID) (map[int64]string, error) {
	var segments []*models.ASRSegment
	err := r.db.WithContext(ctx).
		Select("segment_index", "corrected_text").
		Where("project_id = ? AND corrected_text <> ''", projectID).
		Find(&segments).Error
	if err != nil {
		return nil, fmt.Errorf("getting corrected texts: %w", err)
	}
	corrected := make(map[int64]string, len(segments))
	for _, seg := range segments {
		corrected[seg.SegmentIndex] = seg.CorrectedText
	}
	return corrected, nil
}

// UpdateCorrectedTexts applies corrections keyed by segment index.
func (r *asrSegmentRepo) UpdateCorrectedTexts(ctx context.Context, projectID models.ULID, corrections map[int64]string) error {
	if len(corrections) == 0 {
		return nil
	}
	for index, text := range corrections {
		err := r.db.WithContext(ctx).
			Model(&models.ASRSegment{}).
			Where("project_id = ? AND segment_index = ?", projectID, index).
			Update("corrected_text", text).Error
		if err != nil {
			return fmt.Errorf("updating corrected text for segment %d: %w", index, err)
		}
	}
	return nil
}

// ClearCorrectedTexts removes all corrections for a project.
func (r *asrSegmentRepo) ClearCorrectedTexts(ctx context.Context, projectID models.ULID) error {
	err := r.db.WithContext(ctx).
		Model(&models.ASRSegment{}).
		Where("project_id = ?", projectID).
		Update("corrected_text", "").Error
	if err != nil {
		return fmt.Errorf("clearing corrected texts: %w", err)
	}
	return nil
}

// GetByTimeRange retrieves segments overlapping [start, end), in time order.
func (r *asrSegmentRepo) GetByTimeRange(ctx context.Context, projectID models.ULID, start, end float64) ([]*models.ASRSegment, error) {
	var segments []*models.ASRSegment
	err := r.db.WithContext(ctx).
		Where("project_id = ? AND start < ? AND \"end\" > ?", projectID, end, start).
		Order("start ASC, segment_index ASC").
		Find(&segments).Error
	if err != nil {
		return nil, fmt.Errorf("getting ASR segments by time range: %w", err)
	}
	return segments, nil
}

// DeleteByProject removes all segments for a project.
func (r *asrSegmentRepo) DeleteByProject(ctx context.Context, projectID models.ULID) error {
	if err := r.db.WithContext(ctx).Where("project_id = ?", projectID).Delete(&models.ASRSegment{}).Error; err != nil {
		return fmt.Errorf("deleting ASR segments: %w", err)
	}
	return nil
}

// asrMergedChunkRepo implements ASRMergedChunkRepository using GORM.
type asrMergedChunkRepo struct {
	db *database.DB
}

// NewASRMergedChunkRepository creates a new ASRMergedChunkRepository.
func NewASRMergedChunkRepository(db *database.DB) ASRMergedChunkRepository {
	return &asrMergedChunkRepo{db: db}
}

// BulkUpsert inserts chunks, replacing rows with the same (project, region, chunk) key.
func (r *asrMergedChunkRepo) BulkUpsert(ctx context.Context, chunks []*models.ASRMergedChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "project_id"}, {Name: "region_id"}, {Name: "chunk_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"start", "end", "segment_ids", "text", "updated_at",
		}),
	}).CreateInBatches(chunks, bulkInsertBatchSize).Error
	if err != nil {
		return fmt.Errorf("bulk upserting merged chunks: %w", err)
	}
	return nil
}

// GetByProject retrieves chunks ordered by region then chunk id.
func (r *asrMergedChunkRepo) GetByProject(ctx context.Context, projectID models.ULID) ([]*models.ASRMergedChunk, error) {
	var chunks []*models.ASRMergedChunk
	err := r.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("region_id ASC, chunk_id ASC").
		Find(&chunks).Error
	if err != nil {
		return nil, fmt.Errorf("getting merged chunks: %w", err)
	}
	return chunks, nil
}

// DeleteByProject removes all merged chunks for a project.
func (r *asrMergedChunkRepo) DeleteByProject(ctx context.Context, projectID models.ULID) error {
	if err := r.db.WithContext(ctx).Where("project_id = ?", projectID).Delete(&models.ASRMergedChunk{}).Error; err != nil {
		return fmt.Errorf("deleting merged chunks: %w", err)
	}
	return nil
}

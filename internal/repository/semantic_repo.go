package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/subflowhq/subflow/internal/database"
	"github.com/subflowhq/subflow/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// globalContextRepo implements GlobalContextRepository using GORM.
type globalContextRepo struct {
	db *database.DB
}

// NewGlobalContextRepository creates a new GlobalContextRepository.
func NewGlobalContextRepository(db *database.DB) GlobalContextRepository {
	return &globalContextRepo{db: db}
}

// Save upserts the per-project context row.
func (r *globalContextRepo) Save(ctx context.Context, gc *models.GlobalContext) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "project_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"topic", "domain", "style", "glossary", "translation_notes", "updated_at",
		}),
	}).Create(gc).Error
	if err != nil {
		return fmt.Errorf("saving global context: %w", err)
	}
	return nil
}

// GetByProject retrieves the context row, or (nil, nil) if absent.
func (r *globalContextRepo) GetByProject(ctx context.Context, projectID models.ULID) (*models.GlobalContext, error) {
	var gc models.GlobalContext
	err := r.db.WithContext(ctx).Where("project_id = ?", projectID).First(&gc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting global context: %w", err)
	}
	return &gc, nil
}

// DeleteByProject removes the context row for a project.
func (r *globalContextRepo) DeleteByProject(ctx context.Context, projectID models.ULID) error {
	if err := r.db.WithContext(ctx).Where("project_id = ?", projectID).Delete(&models.GlobalContext{}).Error; err != nil {
		return fmt.Errorf("deleting global context: %w", err)
	}
	return nil
}

// semanticChunkRepo implements SemanticChunkRepository using GORM.
type semanticChunkRepo struct {
	db *database.DB
}

// NewSemanticChunkRepository creates a new SemanticChunkRepository.
func NewSemanticChunkRepository(db *database.DB) SemanticChunkRepository {
	return &semanticChunkRepo{db: db}
}

// BulkInsert inserts parents and their translation chunks in one transaction.
// Child rows reference the parent IDs generated during the insert.
func (r *semanticChunkRepo) BulkInsert(ctx context.Context, chunks []*models.SemanticChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.CreateInBatches(chunks, bulkInsertBatchSize).Error; err != nil {
			return err
		}
		var children []*models.TranslationChunk
		for _, chunk := range chunks {
			for i, tc := range chunk.TranslationChunks {
				tc.SemanticChunkID = chunk.ID
				tc.Position = i
				children = append(children, tc)
			}
		}
		if len(children) == 0 {
			return nil
		}
		return tx.CreateInBatches(children, bulkInsertBatchSize).Error
	})
	if err != nil {
		return fmt.Errorf("bulk inserting semantic chunks: %w", err)
	}
	return nil
}

// GetByProject retrieves chunks in chunk-index order with children attached.
func (r *semanticChunkRepo) GetByProject(ctx context.Context, projectID models.ULID) ([]*models.SemanticChunk, error) {
	var chunks []*models.SemanticChunk
	err := r.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("chunk_index ASC").
		Find(&chunks).Error
	if err != nil {
		return nil, fmt.Errorf("getting semantic chunks: %w", err)
	}
	if len(chunks) == 0 {
		return chunks, nil
	}

	ids := make([]models.ULID, len(chunks))
	byID := make(map[models.ULID]*models.SemanticChunk, len(chunks))
	for i, chunk := range chunks {
		ids[i] = chunk.ID
		byID[chunk.ID] = chunk
	}

	var children []*models.TranslationChunk
	err = r.db.WithContext(ctx).
		Where("semantic_chunk_id IN ?", ids).
		Order("position ASC").
		Find(&children).Error
	if err != nil {
		return nil, fmt.Errorf("getting translation chunks: %w", err)
	}
	for _, child := range children {
		if parent, ok := byID[child.SemanticChunkID]; ok {
			parent.TranslationChunks = append(parent.TranslationChunks, child)
		}
	}
	return chunks, nil
}

// DeleteByProject removes all chunks and their children for a project.
func (r *semanticChunkRepo) DeleteByProject(ctx context.Context, projectID models.ULID) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("semantic_chunk_id IN (?)",
			tx.Model(&models.SemanticChunk{}).Select("id").Where("project_id = ?", projectID),
		).Delete(&models.TranslationChunk{}).Error; err != nil {
			return err
		}
		return tx.Where("project_id = ?", projectID).Delete(&models.SemanticChunk{}).Error
	})
	if err != nil {
		return fmt.Errorf("deleting semantic chunks: %w", err)
	}
	return nil
}

// subtitleExportRepo implements SubtitleExportRepository using GORM.
type subtitleExportRepo struct {
	db *database.DB
}

// NewSubtitleExportRepository creates a new SubtitleExportRepository.
func NewSubtitleExportRepository(db *database.DB) SubtitleExportRepository {
	return &subtitleExportRepo{db: db}
}

// Create creates a new export record.
func (r *subtitleExportRepo) Create(ctx context.Context, export *models.SubtitleExport) error {
	if err := r.db.WithContext(ctx).Create(export).Error; err != nil {
		return fmt.Errorf("creating subtitle export: %w", err)
	}
	return nil
}

// GetByID retrieves an export by ID, or (nil, nil) if absent.
func (r *subtitleExportRepo) GetByID(ctx context.Context, id models.ULID) (*models.SubtitleExport, error) {
	var export models.SubtitleExport
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&export).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting subtitle export: %w", err)
	}
	return &export, nil
}

// ListByProject retrieves exports for a project, newest first.
func (r *subtitleExportRepo) ListByProject(ctx context.Context, projectID models.ULID) ([]*models.SubtitleExport, error) {
	var exports []*models.SubtitleExport
	err := r.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("created_at DESC").
		Find(&exports).Error
	if err != nil {
		return nil, fmt.Errorf("listing subtitle exports: %w", err)
	}
	return exports, nil
}

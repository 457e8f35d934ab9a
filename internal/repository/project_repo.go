package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/subflowhq/subflow/internal/database"
	"github.com/subflowhq/subflow/internal/models"
	"gorm.io/gorm"
)

// projectRepo implements ProjectRepository using GORM.
type projectRepo struct {
	db *database.DB
}

// NewProjectRepository creates a new ProjectRepository.
func NewProjectRepository(db *database.DB) ProjectRepository {
	return &projectRepo{db: db}
}

// Create creates a new project.
func (r *projectRepo) Create(ctx context.Context, project *models.Project) error {
	if err := r.db.WithContext(ctx).Create(project).Error; err != nil {
		return fmt.Errorf("creating project: %w", err)
	}
	return nil
}

// GetByID retrieves a project by ID, or (nil, nil) if absent.
func (r *projectRepo) GetByID(ctx context.Context, id models.ULID) (*models.Project, error) {
	var project models.Project
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&project).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting project by ID: %w", err)
	}
	return &project, nil
}

// Update updates an existing project.
func (r *projectRepo) Update(ctx context.Context, project *models.Project) error {
	if err := r.db.WithContext(ctx).Save(project).Error; err != nil {
		return fmt.Errorf("updating project: %w", err)
	}
	return nil
}

// UpdateStatus updates the project's status and optionally its current stage
// and error message. A negative currentStage leaves the stage unchanged.
func (r *projectRepo) UpdateStatus(ctx context.Context, id models.ULID, status models.ProjectStatus, currentStage int, errorMessage string) error {
	updates := map[string]any{
		"status":     status,
		"updated_at": time.Now(),
	}
	if currentStage >= 0 {
		updates["current_stage"] = currentStage
	}
	if errorMessage != "" {
		updates["error_message"] = errorMessage
	} else if status != models.ProjectStatusFailed {
		updates["error_message"] = ""
	}

	result := r.db.WithContext(ctx).Model(&models.Project{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("updating project status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("updating project status: project %s not found", id)
	}
	return nil
}

// List retrieves projects ordered by creation time, newest first.
func (r *projectRepo) List(ctx context.Context, limit, offset int) ([]*models.Project, error) {
	var projects []*models.Project
	query := r.db.WithContext(ctx).Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}
	if err := query.Find(&projects).Error; err != nil {
		return nil, fmt.Errorf("listing projects: %w", err)
	}
	return projects, nil
}

// ListAllIDs retrieves all project IDs.
func (r *projectRepo) ListAllIDs(ctx context.Context) ([]models.ULID, error) {
	var ids []models.ULID
	if err := r.db.WithContext(ctx).Model(&models.Project{}).Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("listing project IDs: %w", err)
	}
	return ids, nil
}

// FindStaleProcessing returns projects stuck in processing older than maxAge.
func (r *projectRepo) FindStaleProcessing(ctx context.Context, maxAge time.Duration, limit int) ([]*models.Project, error) {
	var projects []*models.Project
	cutoff := time.Now().Add(-maxAge)
	query := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", models.ProjectStatusProcessing, cutoff).
		Order("updated_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&projects).Error; err != nil {
		return nil, fmt.Errorf("finding stale processing projects: %w", err)
	}
	return projects, nil
}

// Delete removes the project and all child rows in one transaction,
// releasing the blob references held by its file slots. Blob files stay on
// disk until the next GC sweep.
func (r *projectRepo) Delete(ctx context.Context, id models.ULID) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Translation chunks hang off semantic chunks, delete them first.
		if err := tx.Where("semantic_chunk_id IN (?)",
			tx.Model(&models.SemanticChunk{}).Select("id").Where("project_id = ?", id),
		).Delete(&models.TranslationChunk{}).Error; err != nil {
			return err
		}
		var files []*models.ProjectFile
		if err := tx.Where("project_id = ?", id).Find(&files).Error; err != nil {
			return err
		}
		for _, pf := range files {
			err := tx.Model(&models.FileBlob{}).
				Where("hash = ? AND ref_count > 0", pf.BlobHash).
				Update("ref_count", gorm.Expr("ref_count - 1")).Error
			if err != nil {
				return err
			}
		}
		for _, child := range []any{
			&models.ProjectFile{},
			&models.SemanticChunk{},
			&models.GlobalContext{},
			&models.ASRMergedChunk{},
			&models.ASRSegment{},
			&models.VADRegion{},
			&models.StageRun{},
			&models.SubtitleExport{},
		} {
			if err := tx.Where("project_id = ?", id).Delete(child).Error; err != nil {
				return err
			}
		}
		return tx.Where("id = ?", id).Delete(&models.Project{}).Error
	})
	if err != nil {
		return fmt.Errorf("deleting project: %w", err)
	}
	return nil
}

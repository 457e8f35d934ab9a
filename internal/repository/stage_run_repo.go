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

// stageRunRepo implements StageRunRepository using GORM.
type stageRunRepo struct {
	db *database.DB
}

// NewStageRunRepository creates a new StageRunRepository.
func NewStageRunRepository(db *database.DB) StageRunRepository {
	return &stageRunRepo{db: db}
}

// Upsert inserts or replaces the run for its (project, stage) pair.
func (r *stageRunRepo) Upsert(ctx context.Context, run *models.StageRun) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "project_id"}, {Name: "stage"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status", "started_at", "completed_at", "progress", "progress_message",
			"metadata", "error_code", "error_message", "input_artifacts",
			"output_artifacts", "updated_at",
		}),
	}).Create(run).Error
	if err != nil {
		return fmt.Errorf("upserting stage run: %w", err)
	}
	return nil
}

// Get retrieves the run for a (project, stage) pair, or (nil, nil) if absent.
func (r *stageRunRepo) Get(ctx context.Context, projectID models.ULID, stage models.StageName) (*models.StageRun, error) {
	var run models.StageRun
	err := r.db.WithContext(ctx).
		Where("project_id = ? AND stage = ?", projectID, stage).
		First(&run).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting stage run: %w", err)
	}
	return &run, nil
}

// ListByProject retrieves all runs for a project in pipeline order.
func (r *stageRunRepo) ListByProject(ctx context.Context, projectID models.ULID) ([]*models.StageRun, error) {
	var runs []*models.StageRun
	err := r.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Find(&runs).Error
	if err != nil {
		return nil, fmt.Errorf("listing stage runs: %w", err)
	}
	// Pipeline order is not the row order; sort by stage index.
	ordered := make([]*models.StageRun, 0, len(runs))
	for _, stage := range models.OrderedStages {
		for _, run := range runs {
			if run.Stage == stage {
				ordered = append(ordered, run)
			}
		}
	}
	return ordered, nil
}

// MarkRunning upserts the run as running, clearing error and progress state.
func (r *stageRunRepo) MarkRunning(ctx context.Context, projectID models.ULID, stage models.StageName) (*models.StageRun, error) {
	run, err := r.Get(ctx, projectID, stage)
	if err != nil {
		return nil, err
	}
	if run == nil {
		run = &models.StageRun{
			ProjectID: projectID,
			Stage:     stage,
			Metadata:  models.JSONMap{},
		}
	}
	run.MarkRunning()
	if err := r.Upsert(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// MarkCompleted transitions the run to completed and records output artifacts.
func (r *stageRunRepo) MarkCompleted(ctx context.Context, projectID models.ULID, stage models.StageName, outputArtifacts map[string]string) error {
	run, err := r.Get(ctx, projectID, stage)
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("completing stage run: no run for project %s stage %s", projectID, stage)
	}
	run.MarkCompleted()
	if len(outputArtifacts) > 0 {
		run.OutputArtifacts = outputArtifacts
	}
	return r.Upsert(ctx, run)
}

// MarkFailed transitions the run to failed with a stable error code.
func (r *stageRunRepo) MarkFailed(ctx context.Context, projectID models.ULID, stage models.StageName, errorCode, errorMessage string) error {
	run, err := r.Get(ctx, projectID, stage)
	if err != nil {
		return err
	}
	if run == nil {
		run = &models.StageRun{
			ProjectID: projectID,
			Stage:     stage,
			Metadata:  models.JSONMap{},
		}
	}
	run.MarkFailed(errorCode, errorMessage)
	return r.Upsert(ctx, run)
}

// ResetToPending clears the run's execution state.
func (r *stageRunRepo) ResetToPending(ctx context.Context, projectID models.ULID, stage models.StageName) error {
	run, err := r.Get(ctx, projectID, stage)
	if err != nil {
		return err
	}
	if run == nil {
		return nil
	}
	run.ResetToPending()
	return r.Upsert(ctx, run)
}

// SetProgress persists progress and merges metrics into the metadata bag.
func (r *stageRunRepo) SetProgress(ctx context.Context, projectID models.ULID, stage models.StageName, progress int, message string, metrics map[string]any) error {
	run, err := r.Get(ctx, projectID, stage)
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("setting progress: no run for project %s stage %s", projectID, stage)
	}
	run.Progress = progress
	run.ProgressMessage = message
	if len(metrics) > 0 {
		if run.Metadata == nil {
			run.Metadata = models.JSONMap{}
		}
		for k, v := range metrics {
			run.Metadata[k] = v
		}
	}
	return r.Upsert(ctx, run)
}

package stages

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/subflowhq/subflow/internal/artifact"
	"github.com/subflowhq/subflow/internal/models"
	"github.com/subflowhq/subflow/internal/pipeline"
	"github.com/subflowhq/subflow/internal/progress"
)

// VADRunner detects speech regions in the vocals track and persists them.
type VADRunner struct{}

func (r *VADRunner) Stage() models.StageName { return models.StageVAD }

func (r *VADRunner) Run(ctx context.Context, deps *pipeline.Deps, project *models.Project, pctx *pipeline.ExecContext, rep *progress.Reporter) (map[string]string, error) {
	if pctx.VocalsPath == "" {
		return nil, fmt.Errorf("no vocals audio available for VAD")
	}

	rep.Report(ctx, 5, "detecting speech regions")
	result, err := deps.VAD.Detect(ctx, pctx.VocalsPath)
	if err != nil {
		return nil, fmt.Errorf("running voice activity detection: %w", err)
	}

	// Idempotence: drop any previous run's rows before writing.
	if err := deps.Repos.VADRegions.DeleteByProject(ctx, project.ID); err != nil {
		return nil, err
	}

	regions := make([]*models.VADRegion, len(result.Regions))
	for i, reg := range result.Regions {
		regions[i] = &models.VADRegion{
			ProjectID: project.ID,
			RegionID:  i,
			Start:     reg.Start,
			End:       reg.End,
		}
	}
	rep.Report(ctx, 60, "persisting speech regions")
	if err := deps.Repos.VADRegions.BulkInsert(ctx, regions); err != nil {
		return nil, err
	}
	pctx.Regions = regions

	artifacts := map[string]string{}
	id, err := artifact.SaveJSON(ctx, deps.Artifacts, project.ID.String(), r.Stage().String(), artifactVADRegions, result.Regions)
	if err != nil {
		return nil, fmt.Errorf("saving regions artifact: %w", err)
	}
	artifacts[artifactVADRegions] = id

	if len(result.FrameProbs) > 0 {
		data := encodeVADProbs(result.HopS, result.FrameProbs)
		id, err := deps.Artifacts.Save(ctx, project.ID.String(), r.Stage().String(), artifactVADProbs, data)
		if err != nil {
			return nil, fmt.Errorf("saving frame probs artifact: %w", err)
		}
		artifacts[artifactVADProbs] = id
	}

	deps.Logger.Info("speech detection finished",
		slog.String("project_id", project.ID.String()),
		slog.Int("regions", len(regions)),
		slog.Int("frame_probs", len(result.FrameProbs)))

	rep.ReportMetrics(ctx, 95, "speech regions persisted", map[string]any{
		"regions": len(regions),
	})
	return artifacts, nil
}

func (r *VADRunner) Hydrate(ctx context.Context, deps *pipeline.Deps, project *models.Project, pctx *pipeline.ExecContext) error {
	regions, err := deps.Repos.VADRegions.GetByProject(ctx, project.ID)
	if err != nil {
		return err
	}
	pctx.Regions = regions
	return nil
}

func (r *VADRunner) Reset(ctx context.Context, deps *pipeline.Deps, projectID models.ULID) error {
	return deps.Repos.VADRegions.DeleteByProject(ctx, projectID)
}

package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/subflowhq/subflow/internal/models"
	"github.com/subflowhq/subflow/internal/progress"
)

// Orchestrator drives a project through the pipeline stages, persisting
// stage runs and project state transitions along the way.
type Orchestrator struct {
	deps    *Deps
	runners map[models.StageName]Runner
	logger  *slog.Logger
}

// NewOrchestrator creates an orchestrator over the given runners.
func NewOrchestrator(deps *Deps, runners []Runner) (*Orchestrator, error) {
	byStage := make(map[models.StageName]Runner, len(runners))
	for _, r := range runners {
		byStage[r.Stage()] = r
	}
	for _, stage := range models.OrderedStages {
		if _, ok := byStage[stage]; !ok {
			return nil, fmt.Errorf("no runner registered for stage %s", stage)
		}
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{deps: deps, runners: byStage, logger: log}, nil
}

// RunStage runs the project forward through targetStage. Already-completed
// stages are hydrated, not re-run; the call is a pure read when the target
// is at or behind current_stage.
func (o *Orchestrator) RunStage(ctx context.Context, project *models.Project, targetStage models.StageName) (*ExecContext, error) {
	target := targetStage.Index()
	if target == 0 {
		return nil, fmt.Errorf("unknown stage: %q", targetStage)
	}

	pctx := &ExecContext{}
	if err := o.hydrate(ctx, project, pctx, project.CurrentStage); err != nil {
		return nil, err
	}
	if project.CurrentStage >= target {
		return pctx, nil
	}

	if err := o.deps.Repos.Projects.UpdateStatus(ctx, project.ID, models.ProjectStatusProcessing, -1, ""); err != nil {
		return nil, fmt.Errorf("marking project processing: %w", err)
	}
	project.Status = models.ProjectStatusProcessing

	for _, stage := range models.StagesFromTo(project.CurrentStage, target) {
		if err := o.runOne(ctx, project, pctx, stage); err != nil {
			return pctx, err
		}
	}

	if project.CurrentStage >= models.FinalStageIndex {
		if err := o.deps.Repos.Projects.UpdateStatus(ctx, project.ID, models.ProjectStatusCompleted, project.CurrentStage, ""); err != nil {
			return pctx, fmt.Errorf("marking project completed: %w", err)
		}
		project.Status = models.ProjectStatusCompleted
	}
	return pctx, nil
}

// runOne executes a single stage and persists the outcome.
func (o *Orchestrator) runOne(ctx context.Context, project *models.Project, pctx *ExecContext, stage models.StageName) error {
	runner := o.runners[stage]
	log := o.logger.With(
		slog.String("project_id", project.ID.String()),
		slog.String("stage", stage.String()))

	run, err := o.deps.Repos.StageRuns.MarkRunning(ctx, project.ID, stage)
	if err != nil {
		return fmt.Errorf("marking stage running: %w", err)
	}
	project.StageRuns = upsertRun(project.StageRuns, run)
	log.Info("stage started")

	reporter := progress.NewReporter(func(ctx context.Context, percent int, message string, metrics map[string]any) error {
		return o.deps.Repos.StageRuns.SetProgress(ctx, project.ID, stage, percent, message, metrics)
	}, log)

	artifacts, runErr := runner.Run(ctx, o.deps, project, pctx, reporter)
	if runErr != nil {
		stageErr := classify(ctx, stage, project.ID, runErr)
		if markErr := o.deps.Repos.StageRuns.MarkFailed(ctx, project.ID, stage, stageErr.Code, stageErr.Message); markErr != nil {
			log.Error("marking stage failed", slog.String("error", markErr.Error()))
		}

		// Cancellation pauses the project; real failures fail it.
		status := models.ProjectStatusFailed
		message := stageErr.Message
		if IsCancellation(stageErr) {
			status = models.ProjectStatusPaused
			message = ""
		}
		if updErr := o.deps.Repos.Projects.UpdateStatus(ctx, project.ID, status, -1, message); updErr != nil {
			log.Error("updating project status", slog.String("error", updErr.Error()))
		}
		project.Status = status
		log.Warn("stage failed",
			slog.String("error_code", stageErr.Code),
			slog.String("error", stageErr.Message))
		return stageErr
	}

	reporter.Complete(ctx, "completed", nil)
	if err := o.deps.Repos.StageRuns.MarkCompleted(ctx, project.ID, stage, artifacts); err != nil {
		return fmt.Errorf("marking stage completed: %w", err)
	}

	project.SetStageArtifacts(stage, artifacts)
	project.CurrentStage = stage.Index()
	if err := o.deps.Repos.Projects.Update(ctx, project); err != nil {
		return fmt.Errorf("persisting project progress: %w", err)
	}
	log.Info("stage completed", slog.Int("current_stage", project.CurrentStage))
	return nil
}

// RetryStage resets stage and everything downstream, then re-runs through
// resumeTarget (the previous current_stage, or the retried stage if the
// project had not progressed past it).
func (o *Orchestrator) RetryStage(ctx context.Context, project *models.Project, stage models.StageName) (*ExecContext, error) {
	idx := stage.Index()
	if idx == 0 {
		return nil, fmt.Errorf("unknown stage: %q", stage)
	}
	if project.CurrentStage < idx-1 {
		return nil, fmt.Errorf("cannot retry stage %s: prerequisites incomplete (current stage %d)", stage, project.CurrentStage)
	}

	resumeTarget := project.CurrentStage
	if resumeTarget < idx {
		resumeTarget = idx
	}

	// Drop owned rows for the retried stage and everything after it.
	for _, s := range models.StagesFromTo(idx-1, models.FinalStageIndex) {
		if err := o.runners[s].Reset(ctx, o.deps, project.ID); err != nil {
			return nil, fmt.Errorf("resetting stage %s: %w", s, err)
		}
		if err := o.deps.Repos.StageRuns.ResetToPending(ctx, project.ID, s); err != nil {
			return nil, fmt.Errorf("resetting stage run %s: %w", s, err)
		}
		delete(project.Artifacts, s.String())
	}

	// Segment corrections belong to the correction stage; retrying it or
	// anything before it invalidates them.
	if idx <= models.StageLLMCorrection.Index() {
		if err := o.deps.Repos.ASRSegments.ClearCorrectedTexts(ctx, project.ID); err != nil {
			return nil, fmt.Errorf("clearing corrected texts: %w", err)
		}
	}

	project.CurrentStage = idx - 1
	project.Status = models.ProjectStatusPending
	project.ErrorMessage = ""
	if err := o.deps.Repos.Projects.Update(ctx, project); err != nil {
		return nil, fmt.Errorf("persisting retry reset: %w", err)
	}

	o.logger.Info("stage reset for retry",
		slog.String("project_id", project.ID.String()),
		slog.String("stage", stage.String()),
		slog.Int("resume_target", resumeTarget))

	resumeStage, err := models.StageAt(resumeTarget)
	if err != nil {
		return nil, err
	}
	return o.RunStage(ctx, project, resumeStage)
}

// DeleteProject removes a project's database rows, released blob references
// included, and its artifact tree. Unreferenced blob files stay on disk
// until the next GC sweep.
func DeleteProject(ctx context.Context, deps *Deps, id models.ULID) error {
	if err := deps.Repos.Projects.Delete(ctx, id); err != nil {
		return err
	}
	if deps.Artifacts != nil {
		if _, err := deps.Artifacts.DeleteProject(ctx, id.String()); err != nil {
			return fmt.Errorf("deleting project artifacts: %w", err)
		}
	}
	return nil
}

// hydrate rebuilds the execution context from storage for all completed
// stages up to throughStage (a stage index).
func (o *Orchestrator) hydrate(ctx context.Context, project *models.Project, pctx *ExecContext, throughStage int) error {
	for _, stage := range models.StagesFromTo(0, throughStage) {
		if err := o.runners[stage].Hydrate(ctx, o.deps, project, pctx); err != nil {
			return fmt.Errorf("hydrating stage %s: %w", stage, err)
		}
	}
	return nil
}

// upsertRun replaces or appends a stage run in the project's in-memory list.
func upsertRun(runs []*models.StageRun, run *models.StageRun) []*models.StageRun {
	for i, existing := range runs {
		if existing.Stage == run.Stage {
			runs[i] = run
			return runs
		}
	}
	return append(runs, run)
}

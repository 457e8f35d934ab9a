package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/subflowhq/subflow/internal/models"
	"github.com/subflowhq/subflow/internal/pipeline"
	"github.com/subflowhq/subflow/internal/projectstore"
	"github.com/subflowhq/subflow/internal/repository"
)

const (
	defaultStaleAge      = 10 * time.Minute
	staleRecoveryBatch   = 100
	projectLockTTL       = 30 * time.Minute
	projectLockKeyPrefix = "subflow:lock:project:"
)

// Consumer pops tasks and drives the orchestrator. One consumer processes
// one task at a time; a redis lock keeps two consumers off the same project.
type Consumer struct {
	queue        *Queue
	orchestrator *pipeline.Orchestrator
	repos        *repository.Registry
	projects     *projectstore.Store
	rdb          *redis.Client
	staleAge     time.Duration
	logger       *slog.Logger
}

// NewConsumer creates a consumer. A zero staleAge uses the 10 minute default.
func NewConsumer(q *Queue, orch *pipeline.Orchestrator, repos *repository.Registry, projects *projectstore.Store, rdb *redis.Client, staleAge time.Duration, log *slog.Logger) *Consumer {
	if staleAge <= 0 {
		staleAge = defaultStaleAge
	}
	if log == nil {
		log = slog.Default()
	}
	return &Consumer{
		queue:        q,
		orchestrator: orch,
		repos:        repos,
		projects:     projects,
		rdb:          rdb,
		staleAge:     staleAge,
		logger:       log,
	}
}

// Run recovers stale projects, then loops popping and handling tasks until
// the context is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.RecoverStale(ctx); err != nil {
		// Recovery failing must not keep the worker down; stale projects
		// are retried on the next startup.
		c.logger.Error("crash recovery failed", slog.String("error", err.Error()))
	}

	c.logger.Info("queue consumer started")
	for {
		task, err := c.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("queue consumer stopping")
				return nil
			}
			c.logger.Error("dequeue failed", slog.String("error", err.Error()))
			continue
		}
		if task == nil {
			continue
		}
		c.handle(ctx, task)
	}
}

// RecoverStale reconciles projects stuck in processing after a crash. A
// project whose stage runs are all completed becomes completed; otherwise
// current_stage drops back to the highest completed index and the project
// stays processing for a fresh run_all.
func (c *Consumer) RecoverStale(ctx context.Context) error {
	stale, err := c.repos.Projects.FindStaleProcessing(ctx, c.staleAge, staleRecoveryBatch)
	if err != nil {
		return fmt.Errorf("finding stale projects: %w", err)
	}

	for _, project := range stale {
		runs, err := c.repos.StageRuns.ListByProject(ctx, project.ID)
		if err != nil {
			return fmt.Errorf("listing stage runs for %s: %w", project.ID, err)
		}

		completed := make(map[models.StageName]bool, len(runs))
		for _, run := range runs {
			if run.Status == models.StageStatusCompleted {
				completed[run.Stage] = true
			}
		}

		highest := 0
		for _, stage := range models.OrderedStages {
			if !completed[stage] {
				break
			}
			highest = stage.Index()
		}

		status := models.ProjectStatusProcessing
		if highest >= models.FinalStageIndex {
			status = models.ProjectStatusCompleted
		}
		if err := c.repos.Projects.UpdateStatus(ctx, project.ID, status, highest, ""); err != nil {
			return fmt.Errorf("reconciling project %s: %w", project.ID, err)
		}
		c.logger.Info("recovered stale project",
			slog.String("project_id", project.ID.String()),
			slog.String("status", string(status)),
			slog.Int("current_stage", highest))
	}
	return nil
}

// handle dispatches one task. Unhandled errors fail the project and are
// appended to its errors list; the loop keeps going.
func (c *Consumer) handle(ctx context.Context, task *Task) {
	log := c.logger.With(
		slog.String("task_id", task.ID),
		slog.String("task_type", string(task.Type)),
		slog.String("project_id", task.ProjectID.String()))

	if err := task.Validate(); err != nil {
		log.Error("dropping invalid task", slog.String("error", err.Error()))
		return
	}

	unlock, ok := c.lockProject(ctx, task.ProjectID)
	if !ok {
		// Another consumer owns the project; requeue rather than wait.
		log.Info("project locked elsewhere, requeueing task")
		if err := c.queue.Enqueue(ctx, task); err != nil {
			log.Error("requeueing task failed", slog.String("error", err.Error()))
		}
		return
	}
	defer unlock()

	project, err := c.repos.Projects.GetByID(ctx, task.ProjectID)
	if err != nil {
		log.Error("loading project failed", slog.String("error", err.Error()))
		return
	}
	if project == nil {
		log.Warn("dropping task for deleted project")
		return
	}

	log.Info("task started")
	if err := c.dispatch(ctx, task, project); err != nil {
		if pipeline.IsCancellation(err) {
			log.Info("task cancelled")
			c.refreshCache(ctx, project.ID)
			return
		}
		log.Error("task failed", slog.String("error", err.Error()))
		c.recordFailure(ctx, project, err)
	} else {
		log.Info("task finished", slog.Int("current_stage", project.CurrentStage))
	}
	c.refreshCache(ctx, project.ID)
}

func (c *Consumer) dispatch(ctx context.Context, task *Task, project *models.Project) error {
	switch task.Type {
	case TaskRunAll:
		// from_stage only skips ahead; completed stages are hydrated anyway.
		if task.FromStage.Valid() && project.CurrentStage < task.FromStage.Index()-1 {
			return fmt.Errorf("cannot start at stage %s: current stage is %d", task.FromStage, project.CurrentStage)
		}
		_, err := c.orchestrator.RunStage(ctx, project, models.StageLLM)
		return err

	case TaskRunStage:
		_, err := c.orchestrator.RunStage(ctx, project, task.Stage)
		if err != nil {
			return err
		}
		if project.AutoWorkflow && project.CurrentStage < models.FinalStageIndex {
			_, err = c.orchestrator.RunStage(ctx, project, models.StageLLM)
			return err
		}
		if project.CurrentStage < models.FinalStageIndex {
			if err := c.repos.Projects.UpdateStatus(ctx, project.ID, models.ProjectStatusPaused, -1, ""); err != nil {
				return fmt.Errorf("pausing project: %w", err)
			}
			project.Status = models.ProjectStatusPaused
		}
		return nil

	case TaskRetryStage:
		_, err := c.orchestrator.RetryStage(ctx, project, task.Stage)
		return err

	default:
		return fmt.Errorf("unknown task type: %q", task.Type)
	}
}

// recordFailure marks the project failed and appends the error to its list.
func (c *Consumer) recordFailure(ctx context.Context, project *models.Project, taskErr error) {
	fresh, err := c.repos.Projects.GetByID(ctx, project.ID)
	if err != nil || fresh == nil {
		c.logger.Error("reloading project for failure record failed",
			slog.String("project_id", project.ID.String()))
		return
	}
	fresh.Status = models.ProjectStatusFailed
	fresh.ErrorMessage = taskErr.Error()
	fresh.Errors = append(fresh.Errors, taskErr.Error())
	if err := c.repos.Projects.Update(ctx, fresh); err != nil {
		c.logger.Error("persisting failure record failed",
			slog.String("project_id", project.ID.String()),
			slog.String("error", err.Error()))
	}
}

// lockProject takes the per-project redis lock. Without redis the single
// consumer is the only writer and the lock degrades to a no-op.
func (c *Consumer) lockProject(ctx context.Context, id models.ULID) (func(), bool) {
	if c.rdb == nil {
		return func() {}, true
	}
	key := projectLockKeyPrefix + id.String()
	ok, err := c.rdb.SetNX(ctx, key, "1", projectLockTTL).Result()
	if err != nil {
		c.logger.Warn("project lock unavailable, proceeding without it",
			slog.String("project_id", id.String()),
			slog.String("error", err.Error()))
		return func() {}, true
	}
	if !ok {
		return nil, false
	}
	return func() {
		if err := c.rdb.Del(context.WithoutCancel(ctx), key).Err(); err != nil && !errors.Is(err, redis.ErrClosed) {
			c.logger.Warn("releasing project lock failed",
				slog.String("project_id", id.String()),
				slog.String("error", err.Error()))
		}
	}, true
}

func (c *Consumer) refreshCache(ctx context.Context, id models.ULID) {
	if c.projects == nil {
		return
	}
	fresh, err := c.repos.Projects.GetByID(ctx, id)
	if err != nil || fresh == nil {
		return
	}
	c.projects.Save(ctx, fresh)
}

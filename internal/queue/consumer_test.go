package queue

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subflowhq/subflow/internal/config"
	"github.com/subflowhq/subflow/internal/database"
	"github.com/subflowhq/subflow/internal/models"
	"github.com/subflowhq/subflow/internal/pipeline"
	"github.com/subflowhq/subflow/internal/progress"
	"github.com/subflowhq/subflow/internal/repository"
)

// noopRunner completes instantly; failWith makes it fail instead.
type noopRunner struct {
	stage    models.StageName
	runs     int
	failWith error
}

func (f *noopRunner) Stage() models.StageName { return f.stage }

func (f *noopRunner) Run(ctx context.Context, deps *pipeline.Deps, project *models.Project, pctx *pipeline.ExecContext, rep *progress.Reporter) (map[string]string, error) {
	f.runs++
	if f.failWith != nil {
		return nil, f.failWith
	}
	return map[string]string{}, nil
}

func (f *noopRunner) Hydrate(ctx context.Context, deps *pipeline.Deps, project *models.Project, pctx *pipeline.ExecContext) error {
	return nil
}

func (f *noopRunner) Reset(ctx context.Context, deps *pipeline.Deps, projectID models.ULID) error {
	return nil
}

type consumerFixture struct {
	consumer *Consumer
	queue    *Queue
	repos    *repository.Registry
	runners  map[models.StageName]*noopRunner
	redis    *miniredis.Miniredis
}

func newFixture(t *testing.T) *consumerFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	repos := repository.NewRegistry(database.NewTest(t))
	deps := &pipeline.Deps{
		Config: &config.Config{},
		Repos:  repos,
		Logger: slog.Default(),
	}

	fakes := make(map[models.StageName]*noopRunner, len(models.OrderedStages))
	runners := make([]pipeline.Runner, 0, len(models.OrderedStages))
	for _, stage := range models.OrderedStages {
		fake := &noopRunner{stage: stage}
		fakes[stage] = fake
		runners = append(runners, fake)
	}
	orch, err := pipeline.NewOrchestrator(deps, runners)
	require.NoError(t, err)

	q := NewQueue(rdb, "test:tasks", 50*time.Millisecond)
	return &consumerFixture{
		consumer: NewConsumer(q, orch, repos, nil, rdb, time.Millisecond, slog.Default()),
		queue:    q,
		repos:    repos,
		runners:  fakes,
		redis:    mr,
	}
}

func (f *consumerFixture) createProject(t *testing.T, auto bool) *models.Project {
	t.Helper()
	project := &models.Project{
		Name:           "demo",
		MediaURL:       "file:///tmp/demo.mp4",
		TargetLanguage: "zh",
		AutoWorkflow:   auto,
	}
	require.NoError(t, f.repos.Projects.Create(context.Background(), project))
	return project
}

func TestHandleRunAllCompletesProject(t *testing.T) {
	f := newFixture(t)
	project := f.createProject(t, true)

	f.consumer.handle(context.Background(), &Task{
		ID: "t1", Type: TaskRunAll, ProjectID: project.ID,
	})

	stored, err := f.repos.Projects.GetByID(context.Background(), project.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProjectStatusCompleted, stored.Status)
	assert.Equal(t, models.FinalStageIndex, stored.CurrentStage)
	for _, stage := range models.OrderedStages {
		assert.Equal(t, 1, f.runners[stage].runs, stage)
	}
}

func TestHandleRunStageManualModePauses(t *testing.T) {
	f := newFixture(t)
	project := f.createProject(t, false)

	f.consumer.handle(context.Background(), &Task{
		ID: "t1", Type: TaskRunStage, ProjectID: project.ID, Stage: models.StageVAD,
	})

	stored, err := f.repos.Projects.GetByID(context.Background(), project.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProjectStatusPaused, stored.Status)
	assert.Equal(t, 2, stored.CurrentStage)
	assert.Equal(t, 0, f.runners[models.StageASR].runs)
}

func TestHandleRunStageAutoWorkflowContinues(t *testing.T) {
	f := newFixture(t)
	project := f.createProject(t, true)

	f.consumer.handle(context.Background(), &Task{
		ID: "t1", Type: TaskRunStage, ProjectID: project.ID, Stage: models.StageVAD,
	})

	stored, err := f.repos.Projects.GetByID(context.Background(), project.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProjectStatusCompleted, stored.Status)
	assert.Equal(t, models.FinalStageIndex, stored.CurrentStage)
}

func TestHandleFailureRecordsError(t *testing.T) {
	f := newFixture(t)
	project := f.createProject(t, true)
	f.runners[models.StageASR].failWith = errors.New("backend down")

	f.consumer.handle(context.Background(), &Task{
		ID: "t1", Type: TaskRunAll, ProjectID: project.ID,
	})

	stored, err := f.repos.Projects.GetByID(context.Background(), project.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProjectStatusFailed, stored.Status)
	require.Len(t, stored.Errors, 1)
	assert.Contains(t, stored.Errors[0], "backend down")
}

func TestHandleRetryStageRecovers(t *testing.T) {
	f := newFixture(t)
	project := f.createProject(t, true)
	f.runners[models.StageASR].failWith = errors.New("flaky")

	f.consumer.handle(context.Background(), &Task{ID: "t1", Type: TaskRunAll, ProjectID: project.ID})
	f.runners[models.StageASR].failWith = nil
	f.consumer.handle(context.Background(), &Task{
		ID: "t2", Type: TaskRetryStage, ProjectID: project.ID, Stage: models.StageASR,
	})

	stored, err := f.repos.Projects.GetByID(context.Background(), project.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProjectStatusCompleted, stored.Status)
	assert.Equal(t, 2, f.runners[models.StageASR].runs)
}

func TestHandleLockedProjectRequeues(t *testing.T) {
	f := newFixture(t)
	project := f.createProject(t, true)
	require.NoError(t, f.redis.Set(projectLockKeyPrefix+project.ID.String(), "1"))

	f.consumer.handle(context.Background(), &Task{
		ID: "t1", Type: TaskRunAll, ProjectID: project.ID,
	})

	// Nothing ran; the task went back on the queue.
	assert.Equal(t, 0, f.runners[models.StageAudioPreprocess].runs)
	n, err := f.queue.Len(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestHandleUnknownProjectDropsTask(t *testing.T) {
	f := newFixture(t)

	f.consumer.handle(context.Background(), &Task{
		ID: "t1", Type: TaskRunAll, ProjectID: models.NewULID(),
	})
	for _, stage := range models.OrderedStages {
		assert.Equal(t, 0, f.runners[stage].runs)
	}
}

func TestRecoverStaleAllRunsCompleted(t *testing.T) {
	f := newFixture(t)
	project := f.createProject(t, true)

	// Simulate a crash after the last stage completed but before the
	// project row was finalised.
	for _, stage := range models.OrderedStages {
		_, err := f.repos.StageRuns.MarkRunning(context.Background(), project.ID, stage)
		require.NoError(t, err)
		require.NoError(t, f.repos.StageRuns.MarkCompleted(context.Background(), project.ID, stage, nil))
	}
	require.NoError(t, f.repos.Projects.UpdateStatus(context.Background(), project.ID, models.ProjectStatusProcessing, 4, ""))
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, f.consumer.RecoverStale(context.Background()))

	stored, err := f.repos.Projects.GetByID(context.Background(), project.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ProjectStatusCompleted, stored.Status)
	assert.Equal(t, models.FinalStageIndex, stored.CurrentStage)
}

func TestRecoverStalePartialRunsReconciles(t *testing.T) {
	f := newFixture(t)
	project := f.createProject(t, true)

	// Stages 1 and 2 completed, stage 3 died mid-flight.
	for _, stage := range models.OrderedStages[:2] {
		_, err := f.repos.StageRuns.MarkRunning(context.Background(), project.ID, stage)
		require.NoError(t, err)
		require.NoError(t, f.repos.StageRuns.MarkCompleted(context.Background(), project.ID, stage, nil))
	}
	_, err := f.repos.StageRuns.MarkRunning(context.Background(), project.ID, models.StageASR)
	require.NoError(t, err)
	require.NoError(t, f.repos.Projects.UpdateStatus(context.Background(), project.ID, models.ProjectStatusProcessing, 3, ""))
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, f.consumer.RecoverStale(context.Background()))

	stored, serr := f.repos.Projects.GetByID(context.Background(), project.ID)
	require.NoError(t, serr)
	assert.Equal(t, models.ProjectStatusProcessing, stored.Status)
	assert.Equal(t, 2, stored.CurrentStage)
}

package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subflowhq/subflow/internal/models"
)

func testQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewQueue(rdb, "test:tasks", 50*time.Millisecond), mr
}

func TestTaskValidate(t *testing.T) {
	pid := models.NewULID()

	assert.NoError(t, (&Task{Type: TaskRunAll, ProjectID: pid}).Validate())
	assert.NoError(t, (&Task{Type: TaskRunStage, ProjectID: pid, Stage: models.StageVAD}).Validate())
	assert.NoError(t, (&Task{Type: TaskRetryStage, ProjectID: pid, Stage: models.StageLLM}).Validate())

	assert.Error(t, (&Task{Type: TaskRunStage, ProjectID: pid}).Validate())
	assert.Error(t, (&Task{Type: TaskRunStage, ProjectID: pid, Stage: "bogus"}).Validate())
	assert.Error(t, (&Task{Type: "bogus", ProjectID: pid}).Validate())
	assert.Error(t, (&Task{Type: TaskRunAll}).Validate())
}

func TestEnqueueDequeueRoundTrip(t *testing.T) {
	q, _ := testQueue(t)
	pid := models.NewULID()

	task := &Task{Type: TaskRunStage, ProjectID: pid, Stage: models.StageASR}
	require.NoError(t, q.Enqueue(context.Background(), task))
	assert.NotEmpty(t, task.ID)

	got, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, TaskRunStage, got.Type)
	assert.Equal(t, pid, got.ProjectID)
	assert.Equal(t, models.StageASR, got.Stage)
}

func TestDequeueIsFIFO(t *testing.T) {
	q, _ := testQueue(t)
	pid := models.NewULID()

	first := &Task{Type: TaskRunAll, ProjectID: pid}
	second := &Task{Type: TaskRunAll, ProjectID: pid}
	require.NoError(t, q.Enqueue(context.Background(), first))
	require.NoError(t, q.Enqueue(context.Background(), second))

	n, err := q.Len(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	got, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)

	got, err = q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)
}

func TestDequeueEmptyTimesOut(t *testing.T) {
	q, _ := testQueue(t)

	got, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestEnqueueRejectsInvalidTask(t *testing.T) {
	q, _ := testQueue(t)

	err := q.Enqueue(context.Background(), &Task{Type: TaskRunStage, ProjectID: models.NewULID()})
	require.Error(t, err)

	n, lerr := q.Len(context.Background())
	require.NoError(t, lerr)
	assert.Zero(t, n)
}

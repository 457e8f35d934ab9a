// Package queue implements the redis-backed task queue and its consumer
// loop. Tasks are JSON payloads on a list; the consumer pops with a blocking
// timeout so shutdown stays responsive.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/subflowhq/subflow/internal/models"
)

// TaskType enumerates the queue task kinds.
type TaskType string

const (
	TaskRunAll     TaskType = "run_all"
	TaskRunStage   TaskType = "run_stage"
	TaskRetryStage TaskType = "retry_stage"
)

const (
	defaultQueueKey   = "subflow:tasks"
	defaultPopTimeout = 5 * time.Second
)

// Task is one unit of pipeline work for a project.
type Task struct {
	ID        string      `json:"id"`
	Type      TaskType    `json:"type"`
	ProjectID models.ULID `json:"project_id"`

	// Stage is the target stage for run_stage and retry_stage.
	Stage models.StageName `json:"stage,omitempty"`

	// FromStage optionally narrows run_all to start at a later stage.
	FromStage models.StageName `json:"from_stage,omitempty"`
}

// Validate checks the task shape against its type.
func (t *Task) Validate() error {
	switch t.Type {
	case TaskRunAll:
	case TaskRunStage, TaskRetryStage:
		if !t.Stage.Valid() {
			return fmt.Errorf("task %s requires a valid stage, got %q", t.Type, t.Stage)
		}
	default:
		return fmt.Errorf("unknown task type: %q", t.Type)
	}
	if t.ProjectID.IsZero() {
		return errors.New("task requires a project id")
	}
	return nil
}

// Queue is a redis list used as a FIFO task queue.
type Queue struct {
	rdb        *redis.Client
	key        string
	popTimeout time.Duration
}

// NewQueue creates a queue on the given list key. Zero values fall back to
// the defaults.
func NewQueue(rdb *redis.Client, key string, popTimeout time.Duration) *Queue {
	if key == "" {
		key = defaultQueueKey
	}
	if popTimeout <= 0 {
		popTimeout = defaultPopTimeout
	}
	return &Queue{rdb: rdb, key: key, popTimeout: popTimeout}
}

// Enqueue validates and pushes a task, assigning an id when absent.
func (q *Queue) Enqueue(ctx context.Context, task *Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if err := task.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshaling task: %w", err)
	}
	if err := q.rdb.LPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("enqueueing task: %w", err)
	}
	return nil
}

// Dequeue pops the oldest task, blocking up to the pop timeout. Returns
// (nil, nil) when the wait times out with an empty queue.
func (q *Queue) Dequeue(ctx context.Context) (*Task, error) {
	res, err := q.rdb.BRPop(ctx, q.popTimeout, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeuing task: %w", err)
	}
	// BRPop returns [key, value].
	var task Task
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		return nil, fmt.Errorf("decoding task payload: %w", err)
	}
	return &task, nil
}

// Len returns the number of queued tasks.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("reading queue length: %w", err)
	}
	return n, nil
}

// Package store provides the Redis-backed persistence for tasks and webhook
// subscriptions.
//
// Key layout:
//   - task:{id}: JSON-serialized task record
//   - tasks:pending: list of task ids awaiting an attempt (FIFO)
//   - tasks:status:{status}: set of task ids per status, for counting
//   - subscription:{id}: JSON-serialized subscription record
//   - subscriptions:active: sorted set of active subscription ids scored by
//     expiration timestamp, so expiring ones are a single range query
//
// The dispatcher is the sole writer of task state; each state change lands
// through one SaveTask call whose index maintenance runs in a TxPipeline.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/agilefinance/taskengine/pkg/tasks"
)

// ErrNotFound is returned when a task or subscription id has no record.
var ErrNotFound = errors.New("record not found")

// allStatuses enumerates the status index sets SaveTask maintains.
var allStatuses = []tasks.Status{
	tasks.StatusPending,
	tasks.StatusProcessing,
	tasks.StatusCompleted,
	tasks.StatusFailed,
}

// Store manages the connection to Redis and provides task and subscription
// persistence. All operations are context-aware.
type Store struct {
	rdb *redis.Client
}

// NewStore creates a store connected to the specified Redis address.
// The address should be in the format "host:port" (e.g., "localhost:6379").
func NewStore(addr string) *Store {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	return &Store{rdb: rdb}
}

// Ping verifies the Redis connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close releases the underlying Redis connection.
func (s *Store) Close() error {
	return s.rdb.Close()
}

func taskKey(id string) string {
	return fmt.Sprintf("task:%s", id)
}

func statusKey(status tasks.Status) string {
	return fmt.Sprintf("tasks:status:%s", status)
}

const pendingListKey = "tasks:pending"

// CreateTaskOptions tunes task creation.
type CreateTaskOptions struct {
	// MaxRetries overrides the default retry budget when > 0.
	MaxRetries int
}

// CreateTask persists a new pending task with a fresh UUID and pushes it onto
// the pending list. Unknown task types are rejected up front so a typo never
// reaches dispatch.
func (s *Store) CreateTask(ctx context.Context, typ tasks.Type, payload map[string]any, opts CreateTaskOptions) (tasks.Task, error) {
	if !typ.Valid() {
		return tasks.Task{}, fmt.Errorf("cannot create task with unknown type %q", typ)
	}

	maxRetries := tasks.DefaultMaxRetries
	if opts.MaxRetries > 0 {
		maxRetries = opts.MaxRetries
	}

	now := time.Now()
	task := tasks.Task{
		ID:         uuid.New().String(),
		Type:       typ,
		Payload:    payload,
		Status:     tasks.StatusPending,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	data, err := json.Marshal(task)
	if err != nil {
		return tasks.Task{}, err
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, taskKey(task.ID), data, 0)
	pipe.RPush(ctx, pendingListKey, task.ID)
	pipe.SAdd(ctx, statusKey(tasks.StatusPending), task.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return tasks.Task{}, err
	}

	return task, nil
}

// GetTask loads a task by id. Returns ErrNotFound for unknown ids.
func (s *Store) GetTask(ctx context.Context, id string) (tasks.Task, error) {
	data, err := s.rdb.Get(ctx, taskKey(id)).Result()
	if err == redis.Nil {
		return tasks.Task{}, ErrNotFound
	}
	if err != nil {
		return tasks.Task{}, err
	}

	var task tasks.Task
	if err := json.Unmarshal([]byte(data), &task); err != nil {
		return tasks.Task{}, err
	}
	return task, nil
}

// SaveTask persists a task's current state in a single atomic write,
// maintaining the pending list and status index sets.
//
// A task left pending (retryable failure) goes back to the tail of the list
// so other pending tasks get their turn first.
func (s *Store) SaveTask(ctx context.Context, task tasks.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, taskKey(task.ID), data, 0)

	for _, status := range allStatuses {
		if status == task.Status {
			pipe.SAdd(ctx, statusKey(status), task.ID)
		} else {
			pipe.SRem(ctx, statusKey(status), task.ID)
		}
	}

	pipe.LRem(ctx, pendingListKey, 0, task.ID)
	if task.Status == tasks.StatusPending {
		pipe.RPush(ctx, pendingListKey, task.ID)
	}

	_, err = pipe.Exec(ctx)
	return err
}

// FindPendingTasks returns up to limit pending tasks in FIFO order without
// removing them from the pending list. A task leaves the list only through
// SaveTask, so a worker crash mid-attempt leaves it eligible for re-pick
// (at-least-once execution).
func (s *Store) FindPendingTasks(ctx context.Context, limit int64) ([]tasks.Task, error) {
	ids, err := s.rdb.LRange(ctx, pendingListKey, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}

	var out []tasks.Task
	for _, id := range ids {
		task, err := s.GetTask(ctx, id)
		if err == ErrNotFound {
			// Stale index entry; drop it.
			s.rdb.LRem(ctx, pendingListKey, 0, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, nil
}

// CountByStatus returns the number of tasks currently in the given status.
func (s *Store) CountByStatus(ctx context.Context, status tasks.Status) (int64, error) {
	return s.rdb.SCard(ctx, statusKey(status)).Result()
}

// PendingCount returns the depth of the pending backlog. Cheaper than
// CountByStatus(StatusPending) since it reads the list length directly.
func (s *Store) PendingCount(ctx context.Context) (int64, error) {
	return s.rdb.LLen(ctx, pendingListKey).Result()
}

// PendingCountByType returns the number of pending tasks per type,
// feeding the pending gauge.
func (s *Store) PendingCountByType(ctx context.Context) (map[tasks.Type]int64, error) {
	counts := make(map[tasks.Type]int64)
	for _, typ := range tasks.Types() {
		counts[typ] = 0
	}

	ids, err := s.rdb.LRange(ctx, pendingListKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}

	for _, id := range ids {
		task, err := s.GetTask(ctx, id)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		counts[task.Type]++
	}
	return counts, nil
}

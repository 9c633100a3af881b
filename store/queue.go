package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const syncTaskKey = "sync:tasks"

// SyncTask is one unit of pipeline work. TaskKey stays stable across
// re-deliveries of the same notification so checkpoint rows line up.
type SyncTask struct {
	TaskKey        string `json:"task_key"`
	ProviderKind   string `json:"provider_kind"`
	ChangeToken    string `json:"change_token"`
	SubscriptionID string `json:"subscription_id"`
	// ConnectionID narrows the task to one connection when the caller
	// already knows it (manual sync, inbound ingestion). Zero means resolve
	// by subscription id.
	ConnectionID uint `json:"connection_id,omitempty"`
	Attempt      int  `json:"attempt,omitempty"`
}

func NewSyncTask(providerKind, changeToken, subscriptionID string) *SyncTask {
	return &SyncTask{
		TaskKey:        uuid.NewString(),
		ProviderKind:   providerKind,
		ChangeToken:    changeToken,
		SubscriptionID: subscriptionID,
	}
}

// TaskQueue carries sync tasks from the ingress to the worker pool.
type TaskQueue interface {
	Enqueue(ctx context.Context, task *SyncTask) error
	// Dequeue blocks up to timeout and returns nil when nothing arrived.
	Dequeue(ctx context.Context, timeout time.Duration) (*SyncTask, error)
}

// RedisQueue is a Redis list with LPUSH/BRPOP semantics.
type RedisQueue struct {
	client *redis.Client
}

func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client}
}

func (q *RedisQueue) Enqueue(ctx context.Context, task *SyncTask) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, syncTaskKey, payload).Err()
}

func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (*SyncTask, error) {
	res, err := q.client.BRPop(ctx, timeout, syncTaskKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// BRPOP returns [key, value].
	if len(res) != 2 {
		return nil, nil
	}
	var task SyncTask
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// MemoryQueue is the in-process TaskQueue used by tests.
type MemoryQueue struct {
	tasks chan *SyncTask
}

func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{tasks: make(chan *SyncTask, size)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, task *SyncTask) error {
	select {
	case q.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return errors.New("queue full")
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context, timeout time.Duration) (*SyncTask, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case task := <-q.tasks:
		return task, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *MemoryQueue) Len() int { return len(q.tasks) }

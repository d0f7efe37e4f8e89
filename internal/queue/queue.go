package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/taskmgr818/stargraph-broker/internal/model"
)

// Queue is the priority queue of pending jobs plus their payload store.
// Lower score = higher priority; scores come from one monotonic counter.
type Queue struct {
	rdb *redis.Client

	enqueueScript *redis.Script
	popScript     *redis.Script
	removeScript  *redis.Script
	boostScript   *redis.Script
}

// New loads the queue scripts.
func New(rdb *redis.Client) *Queue {
	return &Queue{
		rdb:           rdb,
		enqueueScript: redis.NewScript(luaEnqueue),
		popScript:     redis.NewScript(luaPop),
		removeScript:  redis.NewScript(luaRemove),
		boostScript:   redis.NewScript(luaBoost),
	}
}

// Enqueue assigns the job the next admission score, stores it and returns
// its zero-based index within the queue. job.QueuePosition is set to the score.
func (q *Queue) Enqueue(ctx context.Context, job *model.Job) (int64, error) {
	score, err := q.rdb.Incr(ctx, model.QueueCounterKey).Result()
	if err != nil {
		return 0, fmt.Errorf("next queue score: %w", err)
	}
	job.QueuePosition = score

	blob, err := json.Marshal(job)
	if err != nil {
		return 0, fmt.Errorf("marshal job: %w", err)
	}

	keys := []string{model.QueueKey, model.TaskKey(job.ID)}
	idx, err := q.enqueueScript.Run(ctx, q.rdb, keys, job.ID, score, blob).Int64()
	if err != nil {
		return 0, fmt.Errorf("enqueue lua: %w", err)
	}
	return idx, nil
}

// Pop atomically removes and returns the highest-priority job.
// Returns (nil, nil) when the queue is empty.
func (q *Queue) Pop(ctx context.Context) (*model.Job, error) {
	vals, err := q.popScript.Run(ctx, q.rdb, []string{model.QueueKey}, model.TaskKey("")).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("pop lua: %w", err)
	}
	if len(vals) < 2 {
		return nil, nil
	}

	var job model.Job
	if err := json.Unmarshal([]byte(vals[1]), &job); err != nil {
		return nil, &CorruptJobError{JobID: vals[0], Blob: vals[1], Err: err}
	}
	return &job, nil
}

// CorruptJobError is returned by Pop when the popped blob cannot be decoded.
// The entry has already left the queue; Blob is the raw payload.
type CorruptJobError struct {
	JobID string
	Blob  string
	Err   error
}

func (e *CorruptJobError) Error() string {
	return fmt.Sprintf("decode popped job %s: %v", e.JobID, e.Err)
}

func (e *CorruptJobError) Unwrap() error { return e.Err }

// Salvage reads the owner and frozen units out of the raw blob, ignoring
// every other field. ok is false when either is missing or unreadable.
func (e *CorruptJobError) Salvage() (ownerID, units int64, ok bool) {
	var partial struct {
		OwnerID   *int64 `json:"owner_id"`
		UnitCount *int64 `json:"unit_count"`
	}
	if err := json.Unmarshal([]byte(e.Blob), &partial); err != nil {
		return 0, 0, false
	}
	if partial.OwnerID == nil || partial.UnitCount == nil || *partial.UnitCount <= 0 {
		return 0, 0, false
	}
	return *partial.OwnerID, *partial.UnitCount, true
}

// Remove deletes a queued job. Returns false if it was not queued.
func (q *Queue) Remove(ctx context.Context, jobID string) (bool, error) {
	keys := []string{model.QueueKey, model.TaskKey(jobID)}
	n, err := q.removeScript.Run(ctx, q.rdb, keys, jobID).Int64()
	if err != nil {
		return false, fmt.Errorf("remove lua: %w", err)
	}
	return n == 1, nil
}

// Boost lowers the job's score by delta. Returns false if it is not queued.
func (q *Queue) Boost(ctx context.Context, jobID string, delta float64) (bool, error) {
	n, err := q.boostScript.Run(ctx, q.rdb, []string{model.QueueKey}, jobID, delta).Int64()
	if err != nil {
		return false, fmt.Errorf("boost lua: %w", err)
	}
	return n == 1, nil
}

// Position returns the job's zero-based index within the queue.
func (q *Queue) Position(ctx context.Context, jobID string) (int64, bool, error) {
	idx, err := q.rdb.ZRank(ctx, model.QueueKey, jobID).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("queue rank: %w", err)
	}
	return idx, true, nil
}

// HasAny reports whether at least one job is waiting.
func (q *Queue) HasAny(ctx context.Context) (bool, error) {
	n, err := q.Len(ctx)
	return n > 0, err
}

// Len returns the number of waiting jobs.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.rdb.ZCard(ctx, model.QueueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return n, nil
}

// Get returns a queued job without removing it, or nil if absent.
func (q *Queue) Get(ctx context.Context, jobID string) (*model.Job, error) {
	data, err := q.rdb.Get(ctx, model.TaskKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}

	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	return &job, nil
}

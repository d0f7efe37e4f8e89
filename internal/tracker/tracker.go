package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/taskmgr818/stargraph-broker/internal/model"
)

// Tracker records jobs that have left the queue but have not reached a
// terminal outcome. A record is either a placeholder keyed by job id (pop→submit
// window) or a running record keyed by the worker's prompt id.
type Tracker struct {
	rdb *redis.Client
	now func() time.Time

	placeholderScript *redis.Script
	promoteScript     *redis.Script
	takeScript        *redis.Script
	removeKeyScript   *redis.Script
	countScript       *redis.Script
}

// New creates a tracker using the wall clock.
func New(rdb *redis.Client) *Tracker {
	return NewWithClock(rdb, time.Now)
}

// NewWithClock creates a tracker whose expiry index uses now.
func NewWithClock(rdb *redis.Client, now func() time.Time) *Tracker {
	return &Tracker{
		rdb:               rdb,
		now:               now,
		placeholderScript: redis.NewScript(luaRecordPlaceholder),
		promoteScript:     redis.NewScript(luaPromote),
		takeScript:        redis.NewScript(luaTake),
		removeKeyScript:   redis.NewScript(luaRemoveKey),
		countScript:       redis.NewScript(luaCount),
	}
}

// RecordPlaceholder stores job under its job id for ttl.
func (t *Tracker) RecordPlaceholder(ctx context.Context, job *model.Job, ttl time.Duration) error {
	blob, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	keys := []string{model.PlaceholderKey(job.ID), model.RunningIndexKey}
	args := []interface{}{job.ID, blob, ttl.Milliseconds(), t.expiry(ttl)}
	if err := t.placeholderScript.Run(ctx, t.rdb, keys, args...).Err(); err != nil {
		return fmt.Errorf("record placeholder lua: %w", err)
	}
	return nil
}

// PromoteToRunning stores job under promptID for ttl and deletes its
// placeholder in the same step. job.ExternalJobID is set to promptID.
func (t *Tracker) PromoteToRunning(ctx context.Context, promptID string, job *model.Job, ttl time.Duration) error {
	job.ExternalJobID = promptID
	blob, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	keys := []string{
		model.RunningKey(promptID),
		model.PlaceholderKey(job.ID),
		model.RunningPointerKey(job.ID),
		model.RunningIndexKey,
	}
	args := []interface{}{job.ID, blob, ttl.Milliseconds(), t.expiry(ttl), promptID}
	if err := t.promoteScript.Run(ctx, t.rdb, keys, args...).Err(); err != nil {
		return fmt.Errorf("promote lua: %w", err)
	}
	return nil
}

// RemovePlaceholder deletes the placeholder for jobID, if any.
func (t *Tracker) RemovePlaceholder(ctx context.Context, jobID string) error {
	keys := []string{model.PlaceholderKey(jobID), model.RunningIndexKey}
	if err := t.removeKeyScript.Run(ctx, t.rdb, keys).Err(); err != nil {
		return fmt.Errorf("remove placeholder lua: %w", err)
	}
	return nil
}

// Lookup returns the running job for promptID, or nil if absent.
func (t *Tracker) Lookup(ctx context.Context, promptID string) (*model.Job, error) {
	return t.load(ctx, model.RunningKey(promptID))
}

// LookupByJobID returns the tracked job for jobID whether it is still a
// placeholder or already running, or nil if neither exists.
func (t *Tracker) LookupByJobID(ctx context.Context, jobID string) (*model.Job, error) {
	job, err := t.load(ctx, model.PlaceholderKey(jobID))
	if err != nil || job != nil {
		return job, err
	}

	promptID, err := t.rdb.Get(ctx, model.RunningPointerKey(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get running pointer: %w", err)
	}
	return t.Lookup(ctx, promptID)
}

// Take atomically removes the running record for promptID and returns it.
// Exactly one of several concurrent callers receives the job; the rest get nil.
func (t *Tracker) Take(ctx context.Context, promptID string) (*model.Job, error) {
	keys := []string{model.RunningKey(promptID), model.RunningIndexKey}
	data, err := t.takeScript.Run(ctx, t.rdb, keys, model.RunningPointerKey(""), promptID).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("take lua: %w", err)
	}

	var job model.Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("decode running job %s: %w", promptID, err)
	}
	return &job, nil
}

// Remove deletes the running record for promptID. Returns false if absent.
func (t *Tracker) Remove(ctx context.Context, promptID string) (bool, error) {
	job, err := t.Take(ctx, promptID)
	return job != nil, err
}

// MarkCancelling records that a cancel is interrupting promptID and will
// settle it. The marker expires after ttl.
func (t *Tracker) MarkCancelling(ctx context.Context, promptID string, ttl time.Duration) error {
	if err := t.rdb.Set(ctx, model.CancellingKey(promptID), 1, ttl).Err(); err != nil {
		return fmt.Errorf("mark cancelling: %w", err)
	}
	return nil
}

// ClearCancelling removes the cancel marker for promptID.
func (t *Tracker) ClearCancelling(ctx context.Context, promptID string) error {
	if err := t.rdb.Del(ctx, model.CancellingKey(promptID)).Err(); err != nil {
		return fmt.Errorf("clear cancelling: %w", err)
	}
	return nil
}

// Cancelling reports whether a cancel currently owns promptID's settlement.
func (t *Tracker) Cancelling(ctx context.Context, promptID string) (bool, error) {
	n, err := t.rdb.Exists(ctx, model.CancellingKey(promptID)).Result()
	if err != nil {
		return false, fmt.Errorf("check cancelling: %w", err)
	}
	return n > 0, nil
}

// Count returns the number of live placeholder and running records.
func (t *Tracker) Count(ctx context.Context) (int64, error) {
	n, err := t.countScript.Run(ctx, t.rdb, []string{model.RunningIndexKey}, t.now().UnixMilli()).Int64()
	if err != nil {
		return 0, fmt.Errorf("count lua: %w", err)
	}
	return n, nil
}

func (t *Tracker) expiry(ttl time.Duration) int64 {
	return t.now().Add(ttl).UnixMilli()
}

func (t *Tracker) load(ctx context.Context, key string) (*model.Job, error) {
	data, err := t.rdb.HGet(ctx, key, "job").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}

	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &job, nil
}

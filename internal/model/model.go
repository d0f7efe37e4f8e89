package model

import (
	"encoding/json"
	"time"
)

// ─────────────────────────────────────────────
// Job State Machine
// ─────────────────────────────────────────────

type JobStatus string

const (
	JobStatusQueued      JobStatus = "QUEUED"
	JobStatusRunning     JobStatus = "RUNNING"
	JobStatusCompleted   JobStatus = "COMPLETED"
	JobStatusFailed      JobStatus = "FAILED"
	JobStatusCancelled   JobStatus = "CANCELLED"
	JobStatusInterrupted JobStatus = "INTERRUPTED"
	JobStatusRejected    JobStatus = "REJECTED" // worker refused the submission
)

// PlatformOwnerID is the reserved owner of the platform ledger account.
const PlatformOwnerID int64 = 0

// ─────────────────────────────────────────────
// Core Domain Models
// ─────────────────────────────────────────────

// Job is an image-generation request waiting for, or occupying, a worker slot.
type Job struct {
	ID            string          `json:"id"`
	OwnerID       int64           `json:"owner_id"`
	ClientID      string          `json:"client_id,omitempty"` // requester's notification connection, informational
	Payload       json.RawMessage `json:"payload"`             // opaque worker prompt graph
	ExternalJobID string          `json:"external_job_id,omitempty"`
	UnitCount     int64           `json:"unit_count"` // frozen funds == UnitCount
	QueuePosition int64           `json:"queue_position"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Running reports whether the worker has accepted the job.
func (j *Job) Running() bool {
	return j.ExternalJobID != ""
}

// ─────────────────────────────────────────────
// Redis keys
// ─────────────────────────────────────────────

const (
	// QueueKey is the ZSET of pending job ids scored by admission counter.
	QueueKey = "DISTRIBUTED_QUEUE"
	// QueueCounterKey is the monotonic admission counter.
	QueueCounterKey = "DISTRIBUTED_ID"
	// RunningIndexKey is a ZSET of running record keys scored by expiry (unix ms).
	RunningIndexKey = "run_task:index"
	// SchedulerLockKey guards one scheduler tick across all instances.
	SchedulerLockKey = "SPRING_TASK_LOCK_KEY"
	// SemaphoreKey holds the available admission permits.
	SemaphoreKey = "TASK_RUN_SEMAPHORE"
	// SemaphoreCapacityKey holds the configured permit capacity.
	SemaphoreCapacityKey = "TASK_RUN_SEMAPHORE:capacity"
	// CompensationIndexKey is a ZSET of compensation record ids scored by creation time.
	CompensationIndexKey = "refund_compensation:index"
)

// TaskKey builds the pending job blob key: "task:{jobID}"
func TaskKey(jobID string) string {
	return "task:" + jobID
}

// RunningKey builds the externally-keyed running record key: "run_task:{promptID}"
func RunningKey(promptID string) string {
	return "run_task:" + promptID
}

// PlaceholderKey builds the pop→submit placeholder key: "run_task:temp:{jobID}"
func PlaceholderKey(jobID string) string {
	return "run_task:temp:" + jobID
}

// RunningPointerKey maps a job id to its worker prompt id: "run_job:{jobID}"
func RunningPointerKey(jobID string) string {
	return "run_job:" + jobID
}

// JobLockKey builds the per-job mutation lock key: "lock:task:{jobID}"
func JobLockKey(jobID string) string {
	return "lock:task:" + jobID
}

// TerminalMarkerKey records that a terminal outcome was already observed: "terminal:{promptID}"
func TerminalMarkerKey(promptID string) string {
	return "terminal:" + promptID
}

// CancellingKey marks a running job whose cancel owns its settlement: "cancelling:{promptID}"
func CancellingKey(promptID string) string {
	return "cancelling:" + promptID
}

// CompensationKey builds a compensation record hash key: "refund_compensation:{id}"
func CompensationKey(id string) string {
	return "refund_compensation:" + id
}

// ─────────────────────────────────────────────
// Notification messages (server → owner)
// ─────────────────────────────────────────────

type NoticeType string

const (
	NoticeProgress       NoticeType = "progress"
	NoticeImageResult    NoticeType = "imageResult"
	NoticeExecutionError NoticeType = "execution_error"
	NoticeInterrupted    NoticeType = "execution_interrupted"
)

// Notice is pushed to every notification connection of a job owner.
type Notice struct {
	Type     NoticeType `json:"type"`
	JobID    string     `json:"job_id,omitempty"`
	PromptID string     `json:"prompt_id,omitempty"`
	Value    int        `json:"value,omitempty"`
	Max      int        `json:"max,omitempty"`
	URLs     []string   `json:"urls,omitempty"`
	Error    string     `json:"error,omitempty"`
}

// Terminal reports whether the notice ends a job's lifecycle.
func (n *Notice) Terminal() bool {
	return n.Type != NoticeProgress
}

// ─────────────────────────────────────────────
// SQL Persistence Models
// ─────────────────────────────────────────────

// TaskLog records every job lifecycle (one record per job).
type TaskLog struct {
	JobID      string     `gorm:"primaryKey" json:"job_id"`
	OwnerID    int64      `gorm:"index" json:"owner_id"`
	PromptID   string     `gorm:"index" json:"prompt_id,omitempty"`
	Status     JobStatus  `json:"status"`
	UnitCount  int64      `json:"unit_count"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// UserResult is one generated artifact in an owner's history.
type UserResult struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	OwnerID   int64     `gorm:"index" json:"owner_id"`
	URL       string    `json:"url"`
	Collected bool      `json:"collected"`
	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

// ─────────────────────────────────────────────
// HTTP Request / Response
// ─────────────────────────────────────────────

// SubmitRequest is the inbound job submission.
// OwnerID is NOT included here – it is extracted from the API key in the middleware.
type SubmitRequest struct {
	ClientID  string          `json:"client_id"`
	Payload   json.RawMessage `json:"payload" binding:"required"`
	UnitCount int64           `json:"unit_count" binding:"required"`
}

// SubmitResponse carries the new job id and its externally reported rank.
type SubmitResponse struct {
	JobID string `json:"job_id"`
	Rank  int64  `json:"rank"`
}

// JobRef addresses a job in cancel/boost/rank requests.
type JobRef struct {
	JobID string `json:"job_id" binding:"required"`
}

// RankResponse reports a job's rank; Found is false once the job is terminal.
type RankResponse struct {
	JobID string `json:"job_id"`
	Rank  int64  `json:"rank,omitempty"`
	Found bool   `json:"found"`
}

// CancelResponse reports whether the refund has already landed.
type CancelResponse struct {
	JobID         string `json:"job_id"`
	RefundPending bool   `json:"refund_pending"`
}

package domain

import (
	"context"
	"time"
)

// JobRepository defines persistence for mockup jobs. Mutating methods other
// than Create are reserved for the pipeline; the claim/complete/fail calls
// carry status guards so a stale writer can never clobber a terminal state.
type JobRepository interface {
	Create(ctx context.Context, job *Job) error
	GetByID(ctx context.Context, jobID string) (*Job, error)

	// ListPending returns ids of jobs awaiting a first claim, oldest first.
	ListPending(ctx context.Context, limit int) ([]string, error)

	// ListStale returns ids of PROCESSING jobs whose heartbeat is older than
	// the cutoff; these are crash orphans eligible for re-adoption.
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]string, error)

	// Claim atomically moves a job to PROCESSING. ok is false when another
	// execution won the claim (or the job is already terminal).
	Claim(ctx context.Context, jobID string) (job *Job, ok bool, err error)

	// Adopt refreshes the heartbeat of a stale PROCESSING job so the caller
	// may resume it. ok follows the same single-winner contract as Claim.
	Adopt(ctx context.Context, jobID string, cutoff time.Time) (job *Job, ok bool, err error)

	Heartbeat(ctx context.Context, jobID string) error
	SaveAssetRefs(ctx context.Context, jobID, artworkRef, templateRef string) error

	// Complete records the terminal success: result reference, selected
	// region and timing, atomically with the COMPLETED transition.
	Complete(ctx context.Context, jobID, resultRef string, region *Region, regionCount int) error

	// Fail records the terminal error atomically with the FAILED transition.
	Fail(ctx context.Context, jobID string, jobErr *JobError) error

	// Retry marks a terminal job RETRIED and inserts a fresh PENDING copy
	// referencing it, in one transaction. Returns the new job.
	Retry(ctx context.Context, jobID string) (*Job, error)
}

// Checkpoint is the durable record of one completed stage: a stable token
// for side-effect deduplication and a small JSON output (blob references and
// geometry only, never image bytes).
type Checkpoint struct {
	JobID       string
	Stage       string
	Token       string
	Output      []byte
	CompletedAt time.Time
}

// CheckpointStore persists stage completions so a restarted worker resumes
// from the last durably recorded stage instead of re-running the pipeline.
type CheckpointStore interface {
	Put(ctx context.Context, cp *Checkpoint) error
	ListForJob(ctx context.Context, jobID string) (map[string]*Checkpoint, error)
}

// CostLedger appends billable-call records. Append is idempotent on
// (job, token, operation): replaying a checkpointed stage appends nothing.
type CostLedger interface {
	Append(ctx context.Context, rec *CostRecord) error
}

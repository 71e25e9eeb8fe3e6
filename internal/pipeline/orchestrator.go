package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"mockupforge/internal/domain"
)

// Policies bundles the per-stage budgets, keyed by stage name.
type Policies map[string]StagePolicy

// Options configures an Orchestrator.
type Options struct {
	Policies             Policies
	MaxStagePayloadBytes int
	HeartbeatInterval    time.Duration
	CostDetectionUSD     float64
	CostStorageGBMonth   float64
}

// Orchestrator drives one job through the pipeline stages. It is the only
// writer of a job after creation. Stages are idempotent through the
// content-addressed blob store and deduplicated through write-once
// checkpoints, so resuming a crashed execution replays recorded outputs
// instead of re-running completed work.
type Orchestrator struct {
	jobs        domain.JobRepository
	checkpoints domain.CheckpointStore
	costs       domain.CostLedger
	blobs       Blobs
	fetcher     Fetcher
	detector    Detector
	warper      Warper
	composer    Composer

	policies             Policies
	maxStagePayloadBytes int
	heartbeatInterval    time.Duration
	costDetectionUSD     float64
	costStorageGBMonth   float64

	logger zerolog.Logger
}

type stageDef struct {
	name string
	fn   func(*Orchestrator, context.Context, *run) (any, error)
}

// stageTable is the pipeline in execution order. Stages within one job run
// strictly sequentially; the first stage to exhaust its retries determines
// the terminal error and later stages do not run.
var stageTable = []stageDef{
	{StageFetchAssets, (*Orchestrator).stageFetchAssets},
	{StageDetectRegions, (*Orchestrator).stageDetectRegions},
	{StageTransform, (*Orchestrator).stageTransform},
	{StageComposeStore, (*Orchestrator).stageComposeStore},
}

func New(
	jobs domain.JobRepository,
	checkpoints domain.CheckpointStore,
	costs domain.CostLedger,
	blobs Blobs,
	fetcher Fetcher,
	detector Detector,
	warper Warper,
	composer Composer,
	opts Options,
	logger zerolog.Logger,
) *Orchestrator {
	if opts.MaxStagePayloadBytes <= 0 {
		opts.MaxStagePayloadBytes = 256 * 1024
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	return &Orchestrator{
		jobs:                 jobs,
		checkpoints:          checkpoints,
		costs:                costs,
		blobs:                blobs,
		fetcher:              fetcher,
		detector:             detector,
		warper:               warper,
		composer:             composer,
		policies:             opts.Policies,
		maxStagePayloadBytes: opts.MaxStagePayloadBytes,
		heartbeatInterval:    opts.HeartbeatInterval,
		costDetectionUSD:     opts.CostDetectionUSD,
		costStorageGBMonth:   opts.CostStorageGBMonth,
		logger:               logger,
	}
}

// Execute claims the job and drives it to a terminal state. A lost claim
// returns (false, nil): another execution owns the job, which is how
// at-least-once watch notifications collapse to exactly one execution.
func (o *Orchestrator) Execute(ctx context.Context, jobID string) (bool, error) {
	job, ok, err := o.jobs.Claim(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("claim job %s: %w", jobID, err)
	}
	if !ok {
		return false, nil
	}
	return true, o.process(ctx, job)
}

// Resume re-adopts a stale PROCESSING job abandoned by a crashed worker and
// continues from its last checkpoint.
func (o *Orchestrator) Resume(ctx context.Context, jobID string, cutoff time.Time) (bool, error) {
	job, ok, err := o.jobs.Adopt(ctx, jobID, cutoff)
	if err != nil {
		return false, fmt.Errorf("adopt job %s: %w", jobID, err)
	}
	if !ok {
		return false, nil
	}
	return true, o.process(ctx, job)
}

func (o *Orchestrator) process(ctx context.Context, job *domain.Job) error {
	logger := o.logger.With().Str("job_id", job.ID).Logger()
	logger.Info().Str("artwork_url", job.ArtworkURL).Str("template_url", job.TemplateURL).Msg("pipeline started")

	stopHeartbeat := o.startHeartbeat(ctx, job.ID)
	defer stopHeartbeat()

	r := &run{job: job}

	restored, err := o.checkpoints.ListForJob(ctx, job.ID)
	if err != nil {
		return o.failJob(ctx, logger, job.ID,
			domain.NewPipelineError(domain.ErrTransientIO, "load checkpoints", err))
	}

	start := time.Now()
	for _, stage := range stageTable {
		if ctx.Err() != nil {
			return o.failJob(ctx, logger, job.ID,
				domain.NewPipelineError(domain.ErrCancelled, "processing cancelled", ctx.Err()))
		}

		if cp, ok := restored[stage.name]; ok {
			if err := r.restore(stage.name, cp.Output); err != nil {
				return o.failJob(ctx, logger, job.ID,
					domain.NewPipelineError(domain.ErrInternal, "corrupt checkpoint for "+stage.name, err))
			}
			logger.Debug().Str("stage", stage.name).Msg("stage restored from checkpoint")
			continue
		}

		if err := o.runStage(ctx, logger, stage, r); err != nil {
			return o.failJob(ctx, logger, job.ID, err)
		}
	}

	selected := &r.regions[0]
	if err := o.jobs.Complete(ctx, job.ID, r.resultKey, selected, len(r.regions)); err != nil {
		return fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	logger.Info().
		Str("result_key", r.resultKey).
		Str("region_label", selected.Label).
		Float64("confidence", selected.Confidence).
		Dur("elapsed", time.Since(start)).
		Msg("pipeline completed")
	return nil
}

func (o *Orchestrator) runStage(ctx context.Context, logger zerolog.Logger, stage stageDef, r *run) error {
	policy, ok := o.policies[stage.name]
	if !ok {
		policy = StagePolicy{Timeout: time.Minute, MaxAttempts: 1}
	}
	// MaxAttempts-1 feeds an unsigned retry budget below; a zero or negative
	// budget must mean one attempt, not unlimited retries.
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	stageLogger := logger.With().Str("stage", stage.name).Logger()
	stageStart := time.Now()
	stageLogger.Info().Msg("stage started")

	var output any
	attempt := 0
	operation := func() error {
		attempt++
		stageCtx, cancel := context.WithTimeout(ctx, policy.Timeout)
		defer cancel()

		out, err := stage.fn(o, stageCtx, r)
		if err == nil {
			output = out
			return nil
		}

		// Parent cancellation wins over any stage-level classification.
		if ctx.Err() != nil {
			return backoff.Permanent(domain.NewPipelineError(domain.ErrCancelled, "processing cancelled", err))
		}
		if errors.Is(err, context.DeadlineExceeded) && domain.KindOf(err) == domain.ErrInternal {
			err = domain.NewPipelineError(domain.ErrTimeout,
				fmt.Sprintf("stage %s exceeded %s deadline", stage.name, policy.Timeout), err)
		}

		kind := domain.KindOf(err)
		if !kind.Retryable() {
			return backoff.Permanent(err)
		}
		stageLogger.Warn().Err(err).Int("attempt", attempt).Msg("stage attempt failed, will retry")
		return err
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(policy.MaxAttempts-1)),
		ctx,
	)
	if err := backoff.Retry(operation, bo); err != nil {
		// A cancel landing during the backoff wait surfaces as the raw
		// context error, bypassing the classification inside operation.
		if ctx.Err() != nil && domain.KindOf(err) == domain.ErrInternal {
			err = domain.NewPipelineError(domain.ErrCancelled, "processing cancelled", err)
		}
		stageLogger.Error().Err(err).Int("attempts", attempt).Msg("stage exhausted")
		return err
	}

	if err := o.persistCheckpoint(ctx, r.job.ID, stage.name, output); err != nil {
		return err
	}
	stageLogger.Info().Dur("stage_duration", time.Since(stageStart)).Msg("stage completed")
	return nil
}

func (o *Orchestrator) persistCheckpoint(ctx context.Context, jobID, stage string, output any) error {
	data, err := json.Marshal(output)
	if err != nil {
		return domain.NewPipelineError(domain.ErrInternal, "encode stage output", err)
	}
	// The orchestration transport has a hard message-size ceiling; anything
	// bulky must live in the blob store and cross stages by reference.
	if len(data) > o.maxStagePayloadBytes {
		return domain.NewPipelineError(domain.ErrInternal,
			fmt.Sprintf("stage %s output is %d bytes, ceiling is %d", stage, len(data), o.maxStagePayloadBytes), nil)
	}
	cp := &domain.Checkpoint{
		JobID:  jobID,
		Stage:  stage,
		Token:  stageToken(jobID, stage),
		Output: data,
	}
	if err := o.checkpoints.Put(ctx, cp); err != nil {
		return domain.NewPipelineError(domain.ErrTransientIO, "persist checkpoint", err)
	}
	return nil
}

// failJob records the terminal error. The write uses a detached context so
// a cancelled execution still leaves the job FAILED rather than stuck in
// PROCESSING.
func (o *Orchestrator) failJob(ctx context.Context, logger zerolog.Logger, jobID string, cause error) error {
	jobErr := domain.AsJobError(cause)
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := o.jobs.Fail(writeCtx, jobID, jobErr); err != nil {
		logger.Error().Err(err).Msg("failed to persist terminal error")
		return errors.Join(cause, err)
	}
	logger.Info().
		Str("kind", string(jobErr.Kind)).
		Str("message", jobErr.Message).
		Msg("pipeline failed")
	return cause
}

func (o *Orchestrator) appendCost(ctx context.Context, jobID string, op domain.CostOperation, amount float64, token string, meta map[string]any) {
	rec := &domain.CostRecord{
		JobID:     jobID,
		Operation: op,
		AmountUSD: amount,
		Token:     token,
		Metadata:  meta,
	}
	// Ledger misses must not fail the pipeline; the unique token keeps a
	// later replay from double-appending.
	if err := o.costs.Append(ctx, rec); err != nil {
		o.logger.Error().Err(err).Str("job_id", jobID).Str("operation", string(op)).Msg("cost append failed")
	}
}

func (o *Orchestrator) startHeartbeat(ctx context.Context, jobID string) func() {
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(o.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := o.jobs.Heartbeat(hbCtx, jobID); err != nil {
					o.logger.Warn().Err(err).Str("job_id", jobID).Msg("heartbeat failed")
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// stageToken derives the stable idempotency token for a (job, stage) pair.
// Replays of the same stage always carry the same token, which is what ties
// blob writes and cost records to exactly one logical execution.
func stageToken(jobID, stage string) string {
	sum := sha256.Sum256([]byte(jobID + ":" + stage))
	return hex.EncodeToString(sum[:16])
}

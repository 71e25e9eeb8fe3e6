package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"mockupforge/internal/domain"
	"mockupforge/internal/infra"
	"mockupforge/internal/sqlinline"
)

// JobRepositoryPG implements domain.JobRepository on PostgreSQL. All
// transitions carry status guards in SQL, so concurrency discipline does not
// depend on callers being well behaved.
type JobRepositoryPG struct {
	sql infra.SQLExecutor
}

func NewJobRepository(sql infra.SQLExecutor) *JobRepositoryPG {
	return &JobRepositoryPG{sql: sql}
}

func (r *JobRepositoryPG) Create(ctx context.Context, job *domain.Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.Status = domain.JobStatusPending
	row := r.sql.QueryRow(ctx, sqlinline.QCreateJob, job.ID, job.ArtworkURL, job.TemplateURL, job.OriginJobID)
	if err := row.Scan(&job.CreatedAt); err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (r *JobRepositoryPG) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	row := r.sql.QueryRow(ctx, sqlinline.QGetJob, jobID)
	job, err := scanJob(row)
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

func (r *JobRepositoryPG) ListPending(ctx context.Context, limit int) ([]string, error) {
	rows, err := r.sql.Query(ctx, sqlinline.QListPendingJobs, limit)
	if err != nil {
		return nil, err
	}
	return scanIDs(rows)
}

func (r *JobRepositoryPG) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	rows, err := r.sql.Query(ctx, sqlinline.QListStaleJobs, cutoff, limit)
	if err != nil {
		return nil, err
	}
	return scanIDs(rows)
}

func (r *JobRepositoryPG) Claim(ctx context.Context, jobID string) (*domain.Job, bool, error) {
	row := r.sql.QueryRow(ctx, sqlinline.QClaimJob, jobID)
	job, err := scanJob(row)
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return job, true, nil
}

func (r *JobRepositoryPG) Adopt(ctx context.Context, jobID string, cutoff time.Time) (*domain.Job, bool, error) {
	row := r.sql.QueryRow(ctx, sqlinline.QAdoptJob, jobID, cutoff)
	job, err := scanJob(row)
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return job, true, nil
}

func (r *JobRepositoryPG) Heartbeat(ctx context.Context, jobID string) error {
	_, err := r.sql.Exec(ctx, sqlinline.QHeartbeatJob, jobID)
	return err
}

func (r *JobRepositoryPG) SaveAssetRefs(ctx context.Context, jobID, artworkRef, templateRef string) error {
	_, err := r.sql.Exec(ctx, sqlinline.QSaveAssetRefs, jobID, artworkRef, templateRef)
	return err
}

func (r *JobRepositoryPG) Complete(ctx context.Context, jobID, resultRef string, region *domain.Region, regionCount int) error {
	regionJSON, err := json.Marshal(region)
	if err != nil {
		return fmt.Errorf("encode selected region: %w", err)
	}
	tag, err := r.sql.Exec(ctx, sqlinline.QCompleteJob, jobID, resultRef, regionJSON, regionCount)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete job %s: not in PROCESSING", jobID)
	}
	return nil
}

func (r *JobRepositoryPG) Fail(ctx context.Context, jobID string, jobErr *domain.JobError) error {
	errJSON, err := json.Marshal(jobErr)
	if err != nil {
		return fmt.Errorf("encode job error: %w", err)
	}
	tag, err := r.sql.Exec(ctx, sqlinline.QFailJob, jobID, errJSON)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("fail job %s: not in PROCESSING", jobID)
	}
	return nil
}

func (r *JobRepositoryPG) Retry(ctx context.Context, jobID string) (*domain.Job, error) {
	newID := uuid.NewString()
	row := r.sql.QueryRow(ctx, sqlinline.QRetryJob, jobID, newID)
	var createdAt time.Time
	if err := row.Scan(&createdAt); err != nil {
		if infra.IsNoRows(err) {
			// Either the job does not exist or it is not terminal.
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return r.GetByID(ctx, newID)
}

func scanIDs(rows pgx.Rows) ([]string, error) {
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		job        domain.Job
		regionJSON []byte
		errJSON    []byte
		originID   *string
	)
	if err := row.Scan(
		&job.ID,
		&job.Status,
		&job.ArtworkURL,
		&job.TemplateURL,
		&job.ArtworkRef,
		&job.TemplateRef,
		&regionJSON,
		&job.RegionCount,
		&job.ResultRef,
		&errJSON,
		&originID,
		&job.CreatedAt,
		&job.ProcessingStartedAt,
		&job.CompletedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if originID != nil {
		job.OriginJobID = *originID
	}
	if len(regionJSON) > 0 {
		var region domain.Region
		if err := json.Unmarshal(regionJSON, &region); err != nil {
			return nil, fmt.Errorf("decode selected region: %w", err)
		}
		job.SelectedRegion = &region
	}
	if len(errJSON) > 0 {
		var jobErr domain.JobError
		if err := json.Unmarshal(errJSON, &jobErr); err != nil {
			return nil, fmt.Errorf("decode job error: %w", err)
		}
		job.Error = &jobErr
	}
	return &job, nil
}

var _ domain.JobRepository = (*JobRepositoryPG)(nil)

package repo

import (
	"context"

	"mockupforge/internal/domain"
	"mockupforge/internal/infra"
	"mockupforge/internal/sqlinline"
)

// CheckpointStorePG persists stage completions. Writes are first-wins so a
// replayed execution can only ever observe the original output.
type CheckpointStorePG struct {
	sql infra.SQLExecutor
}

func NewCheckpointStore(sql infra.SQLExecutor) *CheckpointStorePG {
	return &CheckpointStorePG{sql: sql}
}

func (s *CheckpointStorePG) Put(ctx context.Context, cp *domain.Checkpoint) error {
	_, err := s.sql.Exec(ctx, sqlinline.QPutCheckpoint, cp.JobID, cp.Stage, cp.Token, cp.Output)
	return err
}

func (s *CheckpointStorePG) ListForJob(ctx context.Context, jobID string) (map[string]*domain.Checkpoint, error) {
	rows, err := s.sql.Query(ctx, sqlinline.QListCheckpoints, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]*domain.Checkpoint)
	for rows.Next() {
		var cp domain.Checkpoint
		if err := rows.Scan(&cp.JobID, &cp.Stage, &cp.Token, &cp.Output, &cp.CompletedAt); err != nil {
			return nil, err
		}
		out[cp.Stage] = &cp
	}
	return out, rows.Err()
}

var _ domain.CheckpointStore = (*CheckpointStorePG)(nil)

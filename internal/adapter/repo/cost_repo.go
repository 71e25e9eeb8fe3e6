package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"mockupforge/internal/domain"
	"mockupforge/internal/infra"
	"mockupforge/internal/sqlinline"
)

// CostLedgerPG appends billable-call records. The unique key on
// (job_id, operation_type, token) absorbs stage replays.
type CostLedgerPG struct {
	sql infra.SQLExecutor
}

func NewCostLedger(sql infra.SQLExecutor) *CostLedgerPG {
	return &CostLedgerPG{sql: sql}
}

func (l *CostLedgerPG) Append(ctx context.Context, rec *domain.CostRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	meta := rec.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode cost metadata: %w", err)
	}
	_, err = l.sql.Exec(ctx, sqlinline.QAppendCost,
		rec.ID, rec.JobID, rec.Operation, rec.AmountUSD, rec.Token, metaJSON)
	return err
}

var _ domain.CostLedger = (*CostLedgerPG)(nil)

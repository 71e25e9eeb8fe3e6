package domain

import "time"

// CostOperation identifies the billable external call a ledger entry covers.
type CostOperation string

const (
	CostOpDetection  CostOperation = "detection_inference"
	CostOpStoragePut CostOperation = "storage_put"
)

// CostRecord is one append-only ledger entry. Records are never mutated or
// deleted; idempotency comes from the (job, token, operation) key so a
// replayed stage cannot double-append.
type CostRecord struct {
	ID        string
	JobID     string
	Operation CostOperation
	AmountUSD float64
	Token     string
	Metadata  map[string]any
	CreatedAt time.Time
}

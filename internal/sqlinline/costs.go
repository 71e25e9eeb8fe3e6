package sqlinline

// The (job_id, operation_type, token) uniqueness makes the append a no-op
// when a checkpointed stage replays; the ledger itself is append-only.
const QAppendCost = `--sql 0b6e83d1-f245-4a97-bc08-6913da57e0c2
insert into cost_records (id, job_id, operation_type, amount_usd, token, metadata)
values ($1, $2, $3, $4, $5, $6)
on conflict (job_id, operation_type, token) do nothing;
`

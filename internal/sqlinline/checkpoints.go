package sqlinline

// Checkpoints are write-once: the first completion of a stage wins, so a
// replayed execution observes the original output instead of its own rerun.
const QPutCheckpoint = `--sql 81f4c2e7-6ad3-49b0-95c6-d27e08a35f19
insert into job_checkpoints (job_id, stage, token, output)
values ($1, $2, $3, $4)
on conflict (job_id, stage) do nothing;
`

const QListCheckpoints = `--sql d5a09e63-17fb-4c84-a2d1-40b86c5e923f
select job_id, stage, token, output, completed_at
from job_checkpoints
where job_id = $1;
`

package sqlinline

const jobColumns = `id, status, artwork_url, template_url, artwork_ref, template_ref,
    selected_region, region_count, result_ref, error, origin_job_id,
    created_at, processing_started_at, completed_at, updated_at`

const QCreateJob = `--sql 7c1f42ad-9b30-4e2e-8a7d-0f6c2d91b54a
insert into mockup_jobs (id, status, artwork_url, template_url, origin_job_id)
values ($1, 'PENDING', $2, $3, nullif($4, '')::uuid)
returning created_at;
`

const QGetJob = `--sql e3a8d1f0-52c4-47b9-bd16-93ab7e04c8d2
select ` + jobColumns + `
from mockup_jobs
where id = $1;
`

const QListPendingJobs = `--sql 1b9e6c2d-8f41-4a05-9c73-dd20b15f47e8
select id
from mockup_jobs
where status = 'PENDING'
order by created_at asc
limit $1;
`

const QListStaleJobs = `--sql 64d20a9b-3c57-48e1-b2f4-a81e95c03d76
select id
from mockup_jobs
where status = 'PROCESSING'
  and updated_at < $1
order by updated_at asc
limit $2;
`

const QClaimJob = `--sql 9fa53b07-61d8-4c29-a4e0-57c13f82de94
with target as (
    select id
    from mockup_jobs
    where id = $1 and status = 'PENDING'
    for update skip locked
)
update mockup_jobs
set status = 'PROCESSING', processing_started_at = now(), updated_at = now()
where id in (select id from target)
returning ` + jobColumns + `;
`

const QAdoptJob = `--sql 2e07c6f4-ba93-4d18-8e52-604fd1a7b3c5
with target as (
    select id
    from mockup_jobs
    where id = $1 and status = 'PROCESSING' and updated_at < $2
    for update skip locked
)
update mockup_jobs
set updated_at = now()
where id in (select id from target)
returning ` + jobColumns + `;
`

const QHeartbeatJob = `--sql c48b19e2-07d6-4f3a-91c8-2ab5e60d74f1
update mockup_jobs
set updated_at = now()
where id = $1 and status = 'PROCESSING';
`

const QSaveAssetRefs = `--sql 5d72e8a1-c490-4b6f-a3d9-18f04c6b92e7
update mockup_jobs
set artwork_ref = $2, template_ref = $3, updated_at = now()
where id = $1 and status = 'PROCESSING';
`

const QCompleteJob = `--sql f061d93c-2ea7-4852-b5c0-79ad38e14f26
update mockup_jobs
set status = 'COMPLETED',
    result_ref = $2,
    selected_region = $3,
    region_count = $4,
    completed_at = now(),
    updated_at = now()
where id = $1 and status = 'PROCESSING';
`

const QFailJob = `--sql a927f5b8-40dc-4e61-9b3a-c65d01e82f47
update mockup_jobs
set status = 'FAILED',
    error = $2,
    completed_at = now(),
    updated_at = now()
where id = $1 and status = 'PROCESSING';
`

const QRetryJob = `--sql 38c5a0d9-e16b-472f-84a5-fb920d73c614
with source as (
    update mockup_jobs
    set status = 'RETRIED', updated_at = now()
    where id = $1 and status in ('COMPLETED', 'FAILED')
    returning artwork_url, template_url
)
insert into mockup_jobs (id, status, artwork_url, template_url, origin_job_id)
select $2, 'PENDING', artwork_url, template_url, $1
from source
returning created_at;
`

package sqlinline

// Schema holds the DDL for the pipeline's tables. Applied idempotently at
// worker startup; production deployments run the same statements via their
// migration tooling.
const Schema = `
CREATE TABLE IF NOT EXISTS mockup_jobs (
    id                    uuid PRIMARY KEY,
    status                text NOT NULL,
    artwork_url           text NOT NULL,
    template_url          text NOT NULL,
    artwork_ref           text NOT NULL DEFAULT '',
    template_ref          text NOT NULL DEFAULT '',
    selected_region       jsonb,
    region_count          integer NOT NULL DEFAULT 0,
    result_ref            text NOT NULL DEFAULT '',
    error                 jsonb,
    origin_job_id         uuid,
    created_at            timestamptz NOT NULL DEFAULT now(),
    processing_started_at timestamptz,
    completed_at          timestamptz,
    updated_at            timestamptz NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS mockup_jobs_status_created_idx
    ON mockup_jobs (status, created_at);

CREATE TABLE IF NOT EXISTS job_checkpoints (
    job_id       uuid NOT NULL,
    stage        text NOT NULL,
    token        text NOT NULL,
    output       jsonb NOT NULL,
    completed_at timestamptz NOT NULL DEFAULT now(),
    PRIMARY KEY (job_id, stage)
);

CREATE TABLE IF NOT EXISTS cost_records (
    id             uuid PRIMARY KEY,
    job_id         uuid NOT NULL,
    operation_type text NOT NULL,
    amount_usd     numeric(12, 6) NOT NULL,
    token          text NOT NULL,
    metadata       jsonb NOT NULL DEFAULT '{}',
    created_at     timestamptz NOT NULL DEFAULT now(),
    UNIQUE (job_id, operation_type, token)
);
`

package postgres

const querySchema = `
CREATE TABLE IF NOT EXISTS sched_jobs (
    id            TEXT PRIMARY KEY,
    url           TEXT NOT NULL,
    timeout_ms    BIGINT NOT NULL,
    sched_type    TEXT NOT NULL,
    sched_value   TEXT NOT NULL,
    start_at      TIMESTAMPTZ NOT NULL,
    consumed      BOOLEAN NOT NULL DEFAULT false,
    locked        BOOLEAN NOT NULL DEFAULT false,
    expires_at    TIMESTAMPTZ,
    lock_token    TEXT NOT NULL DEFAULT '',
    last_outcome  TEXT NOT NULL DEFAULT '',
    last_at       TIMESTAMPTZ,
    last_status   INTEGER NOT NULL DEFAULT 0,
    last_error    TEXT NOT NULL DEFAULT '',
    created_at    TIMESTAMPTZ NOT NULL,
    updated_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS sched_jobs_start_at_idx ON sched_jobs (start_at);
`

const jobColumns = `
    id, url, timeout_ms,
    sched_type, sched_value, start_at, consumed,
    locked, expires_at, lock_token,
    last_outcome, last_at, last_status, last_error,
    created_at, updated_at`

const queryInsertJob = `
INSERT INTO sched_jobs (` + jobColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
`

const queryUpsertJob = queryInsertJob + `
ON CONFLICT (id) DO UPDATE SET
    url = EXCLUDED.url,
    timeout_ms = EXCLUDED.timeout_ms,
    sched_type = EXCLUDED.sched_type,
    sched_value = EXCLUDED.sched_value,
    start_at = EXCLUDED.start_at,
    consumed = EXCLUDED.consumed,
    locked = EXCLUDED.locked,
    expires_at = EXCLUDED.expires_at,
    lock_token = EXCLUDED.lock_token,
    last_outcome = EXCLUDED.last_outcome,
    last_at = EXCLUDED.last_at,
    last_status = EXCLUDED.last_status,
    last_error = EXCLUDED.last_error,
    created_at = EXCLUDED.created_at,
    updated_at = EXCLUDED.updated_at
`

const queryGetJob = `SELECT` + jobColumns + `
FROM sched_jobs
WHERE id = $1
`

const queryGetJobForUpdate = queryGetJob + `FOR UPDATE`

const queryListJobs = `SELECT` + jobColumns + `
FROM sched_jobs
ORDER BY id
`

const queryDeleteJob = `DELETE FROM sched_jobs WHERE id = $1 RETURNING` + jobColumns

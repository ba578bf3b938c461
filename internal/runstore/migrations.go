package runstore

const schema = `
CREATE TABLE IF NOT EXISTS stage_runs (
    job_id TEXT PRIMARY KEY,
    stage_id TEXT NOT NULL,
    status TEXT NOT NULL,
    started_at TIMESTAMP,
    finished_at TIMESTAMP,
    train_loss REAL,
    test_loss REAL,
    error_message TEXT
);

CREATE INDEX IF NOT EXISTS idx_stage_runs_stage_id ON stage_runs(stage_id);
CREATE INDEX IF NOT EXISTS idx_stage_runs_status ON stage_runs(status);
`

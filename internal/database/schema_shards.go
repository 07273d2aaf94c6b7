package database

// shardSchema is the DDL for the shard store (internal/shard): an
// append-only set of persisted parameter-sweep artefacts, each holding
// a header, its branch list (canonicalised tree JSON + IS metrics),
// and an optional OOS start date.
const shardSchema = `
CREATE TABLE IF NOT EXISTS shards (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	schema_version  INTEGER NOT NULL,
	name            TEXT NOT NULL,
	owner           TEXT NOT NULL,
	created_at      TEXT NOT NULL,
	oos_start_date  TEXT,
	signature_hash  TEXT NOT NULL,
	UNIQUE(signature_hash)
);

CREATE TABLE IF NOT EXISTS shard_branches (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	shard_id      INTEGER NOT NULL REFERENCES shards(id),
	branch_id     INTEGER NOT NULL,
	tree_json     TEXT NOT NULL,
	metrics_json  TEXT NOT NULL,
	UNIQUE(shard_id, branch_id)
);

CREATE INDEX IF NOT EXISTS idx_shard_branches_shard_id ON shard_branches(shard_id);
`

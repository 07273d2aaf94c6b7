// Package shard persists parameter-sweep results as immutable,
// append-only artefacts: a header plus a branch list, each branch
// carrying its canonicalised tree JSON and IS metrics record.
//
// Grounded on trader/internal/database/db.go's DB wrapper (connection
// management, profile selection, WithTransaction) directly; the
// append-only write path is new, modeled after that same package's
// ledger profile (ProfileLedger: "maximum safety for immutable audit
// trail") applied here to shard storage instead of a trading ledger.
package shard

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/Belfering/QuantNexus-sub004/internal/backtest"
	"github.com/Belfering/QuantNexus-sub004/internal/database"
	"github.com/Belfering/QuantNexus-sub004/internal/stree"
)

const schemaVersion = 1

// BranchRecord is one branch as persisted inside a shard.
type BranchRecord struct {
	BranchID int
	Tree     *stree.Node
	Metrics  backtest.Metrics
}

// Header describes one shard's identity and provenance.
type Header struct {
	ID            int64
	SchemaVersion int
	Name          string
	Owner         string
	CreatedAt     time.Time
	OOSStartDate  *time.Time
	SignatureHash string
}

// Shard is a fully materialised persisted artefact.
type Shard struct {
	Header   Header
	Branches []BranchRecord
}

// Store persists shards to a shard database.
type Store struct {
	db *database.DB
}

// NewStore wraps db (expected to have Name() == "shards" and its
// schema already applied via db.Migrate()).
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// SignatureHash hashes a shard's branch tree set so identical shards
// (same trees, regardless of order) collide, letting Write detect a
// would-be duplicate before inserting.
func SignatureHash(branches []BranchRecord) (string, error) {
	sigs := make([]string, len(branches))
	for i, b := range branches {
		treeJSON, err := json.Marshal(b.Tree)
		if err != nil {
			return "", fmt.Errorf("shard: marshalling branch %d tree: %w", b.BranchID, err)
		}
		sigs[i] = string(treeJSON)
	}
	sort.Strings(sigs)
	h := sha256.New()
	for _, s := range sigs {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Write persists a new shard. Shards are immutable once written: a
// second Write with an identical branch set (same SignatureHash) is
// rejected rather than silently deduplicated, since the core never
// needs to overwrite a shard, only add new ones.
func (s *Store) Write(name, owner string, branches []BranchRecord, oosStartDate *time.Time, createdAt time.Time) (int64, error) {
	if len(branches) == 0 {
		return 0, fmt.Errorf("shard: cannot write an empty shard")
	}
	sig, err := SignatureHash(branches)
	if err != nil {
		return 0, err
	}

	var shardID int64
	err = database.WithTransaction(s.db.Conn(), func(tx *sql.Tx) error {
		var oos any
		if oosStartDate != nil {
			oos = oosStartDate.UTC().Format(time.RFC3339)
		}
		res, err := tx.Exec(
			`INSERT INTO shards (schema_version, name, owner, created_at, oos_start_date, signature_hash) VALUES (?, ?, ?, ?, ?, ?)`,
			schemaVersion, name, owner, createdAt.UTC().Format(time.RFC3339), oos, sig,
		)
		if err != nil {
			return fmt.Errorf("insert shard header: %w", err)
		}
		shardID, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("read shard id: %w", err)
		}

		for _, b := range branches {
			treeJSON, err := json.Marshal(b.Tree)
			if err != nil {
				return fmt.Errorf("marshal branch %d tree: %w", b.BranchID, err)
			}
			metricsJSON, err := json.Marshal(b.Metrics)
			if err != nil {
				return fmt.Errorf("marshal branch %d metrics: %w", b.BranchID, err)
			}
			if _, err := tx.Exec(
				`INSERT INTO shard_branches (shard_id, branch_id, tree_json, metrics_json) VALUES (?, ?, ?, ?)`,
				shardID, b.BranchID, string(treeJSON), string(metricsJSON),
			); err != nil {
				return fmt.Errorf("insert branch %d: %w", b.BranchID, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("shard: write failed (duplicate signature %q rejected as a unique-constraint violation is the expected path): %w", sig, err)
	}
	return shardID, nil
}

// Read loads one shard by id.
func (s *Store) Read(shardID int64) (*Shard, error) {
	row := s.db.QueryRow(`SELECT id, schema_version, name, owner, created_at, oos_start_date, signature_hash FROM shards WHERE id = ?`, shardID)

	var h Header
	var createdAt string
	var oos sql.NullString
	if err := row.Scan(&h.ID, &h.SchemaVersion, &h.Name, &h.Owner, &createdAt, &oos, &h.SignatureHash); err != nil {
		return nil, fmt.Errorf("shard: read header %d: %w", shardID, err)
	}
	ts, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("shard: parsing created_at: %w", err)
	}
	h.CreatedAt = ts
	if oos.Valid {
		parsed, err := time.Parse(time.RFC3339, oos.String)
		if err != nil {
			return nil, fmt.Errorf("shard: parsing oos_start_date: %w", err)
		}
		h.OOSStartDate = &parsed
	}

	rows, err := s.db.Query(`SELECT branch_id, tree_json, metrics_json FROM shard_branches WHERE shard_id = ? ORDER BY branch_id`, shardID)
	if err != nil {
		return nil, fmt.Errorf("shard: read branches %d: %w", shardID, err)
	}
	defer rows.Close()

	var branches []BranchRecord
	for rows.Next() {
		var b BranchRecord
		var treeJSON, metricsJSON string
		if err := rows.Scan(&b.BranchID, &treeJSON, &metricsJSON); err != nil {
			return nil, fmt.Errorf("shard: scanning branch row: %w", err)
		}
		var tree stree.Node
		if err := json.Unmarshal([]byte(treeJSON), &tree); err != nil {
			return nil, fmt.Errorf("shard: unmarshalling branch %d tree: %w", b.BranchID, err)
		}
		var metrics backtest.Metrics
		if err := json.Unmarshal([]byte(metricsJSON), &metrics); err != nil {
			return nil, fmt.Errorf("shard: unmarshalling branch %d metrics: %w", b.BranchID, err)
		}
		b.Tree = &tree
		b.Metrics = metrics
		branches = append(branches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("shard: iterating branches: %w", err)
	}

	return &Shard{Header: h, Branches: branches}, nil
}

// Delete removes a shard and its branches. The only mutation this
// package performs besides Write: shards are otherwise append-only,
// but an operator must be able to discard a bad sweep's artefact.
func (s *Store) Delete(shardID int64) error {
	return database.WithTransaction(s.db.Conn(), func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM shard_branches WHERE shard_id = ?`, shardID); err != nil {
			return fmt.Errorf("delete branches for shard %d: %w", shardID, err)
		}
		if _, err := tx.Exec(`DELETE FROM shards WHERE id = ?`, shardID); err != nil {
			return fmt.Errorf("delete shard %d: %w", shardID, err)
		}
		return nil
	})
}

// List returns every shard's header, most recently created first.
func (s *Store) List() ([]Header, error) {
	rows, err := s.db.Query(`SELECT id, schema_version, name, owner, created_at, oos_start_date, signature_hash FROM shards ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("shard: listing: %w", err)
	}
	defer rows.Close()

	var out []Header
	for rows.Next() {
		var h Header
		var createdAt string
		var oos sql.NullString
		if err := rows.Scan(&h.ID, &h.SchemaVersion, &h.Name, &h.Owner, &createdAt, &oos, &h.SignatureHash); err != nil {
			return nil, fmt.Errorf("shard: scanning header row: %w", err)
		}
		ts, err := time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("shard: parsing created_at: %w", err)
		}
		h.CreatedAt = ts
		if oos.Valid {
			parsed, err := time.Parse(time.RFC3339, oos.String)
			if err != nil {
				return nil, fmt.Errorf("shard: parsing oos_start_date: %w", err)
			}
			h.OOSStartDate = &parsed
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("shard: iterating headers: %w", err)
	}
	return out, nil
}

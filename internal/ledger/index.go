package ledger

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/glebarez/go-sqlite"
)

// sqliteIndex provides fast filtered queries over the ledger. The JSON
// chain file is the source of truth; the index is a queryable projection
// that can always be rebuilt from it.
type sqliteIndex struct {
	db *sql.DB
}

// openIndex opens (or creates) the SQLite index database.
func openIndex(path string) (*sqliteIndex, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite index %s: %w", path, err)
	}

	// WAL mode allows the CLI to query while the engine appends.
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS blocks (
			idx       INTEGER PRIMARY KEY,
			ts        INTEGER NOT NULL,
			action    TEXT NOT NULL DEFAULT '',
			data      TEXT NOT NULL DEFAULT '',
			prev_hash TEXT NOT NULL DEFAULT '',
			hash      TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_action ON blocks(action);
		CREATE INDEX IF NOT EXISTS idx_ts ON blocks(ts);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating sqlite schema: %w", err)
	}

	return &sqliteIndex{db: db}, nil
}

// insert adds a block to the index. Non-blocking; errors are logged
// but never affect the primary chain file.
func (idx *sqliteIndex) insert(b *Block) {
	_, err := idx.db.Exec(
		`INSERT OR REPLACE INTO blocks (idx, ts, action, data, prev_hash, hash)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		b.Index, b.Timestamp, b.Action, b.Data, b.PrevHash, b.Hash,
	)
	if err != nil {
		slog.Error("ledger index insert failed", "index", b.Index, "error", err)
	}
}

// query retrieves blocks matching the given params, oldest first.
func (idx *sqliteIndex) query(params QueryParams) ([]Block, error) {
	q := "SELECT idx, ts, action, data, prev_hash, hash FROM blocks WHERE 1=1"
	var args []any

	if params.Action != "" {
		q += " AND action = ?"
		args = append(args, params.Action)
	}
	if params.Contains != "" {
		q += " AND data LIKE '%' || ? || '%'"
		args = append(args, params.Contains)
	}
	if params.Since > 0 {
		q += " AND ts >= ?"
		args = append(args, params.Since)
	}

	q += " ORDER BY idx ASC"
	if params.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, params.Limit)
	}

	rows, err := idx.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying ledger index: %w", err)
	}
	defer rows.Close()

	var blocks []Block
	for rows.Next() {
		var b Block
		if err := rows.Scan(&b.Index, &b.Timestamp, &b.Action, &b.Data, &b.PrevHash, &b.Hash); err != nil {
			return nil, fmt.Errorf("scanning ledger row: %w", err)
		}
		blocks = append(blocks, b)
	}
	return blocks, rows.Err()
}

// lastIndex returns the highest block index in the index, or 0 if empty.
func (idx *sqliteIndex) lastIndex() uint64 {
	var n sql.NullInt64
	err := idx.db.QueryRow("SELECT MAX(idx) FROM blocks").Scan(&n)
	if err != nil || !n.Valid {
		return 0
	}
	return uint64(n.Int64)
}

// close closes the SQLite database connection.
func (idx *sqliteIndex) close() error {
	return idx.db.Close()
}

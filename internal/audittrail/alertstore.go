package audittrail

import (
	"database/sql"
	"fmt"

	_ "github.com/glebarez/go-sqlite"
)

// alertStore persists signed alerts in SQLite, one row per alert,
// keyed by creation time. Rows are never updated after insert.
type alertStore struct {
	db *sql.DB
}

// openAlertStore opens (or creates) the alert database.
func openAlertStore(path string) (*alertStore, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening alert store %s: %w", path, err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS alerts (
			created_ns INTEGER NOT NULL,
			payload    TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_created ON alerts(created_ns);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating alert schema: %w", err)
	}

	return &alertStore{db: db}, nil
}

// insert stores one signed alert payload keyed by its creation time.
func (as *alertStore) insert(createdNs int64, payload string) error {
	_, err := as.db.Exec(
		"INSERT INTO alerts (created_ns, payload) VALUES (?, ?)",
		createdNs, payload,
	)
	if err != nil {
		return fmt.Errorf("inserting alert: %w", err)
	}
	return nil
}

// all returns every stored alert payload in insertion order.
func (as *alertStore) all() ([]string, error) {
	rows, err := as.db.Query("SELECT payload FROM alerts ORDER BY created_ns ASC")
	if err != nil {
		return nil, fmt.Errorf("querying alerts: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scanning alert row: %w", err)
		}
		out = append(out, payload)
	}
	return out, rows.Err()
}

// close closes the database connection.
func (as *alertStore) close() error {
	return as.db.Close()
}

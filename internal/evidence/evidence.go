// Package evidence implements the chain-of-custody evidence store.
//
// Each evidence record lives in its own JSON file so records stay
// independently verifiable. A record carries a fixed-point hash: the
// SHA-256 of its canonical JSON form with the hash field blanked, so
// the hash can be embedded in the record it describes. Every mutation
// rebuilds the record as a new value, recomputes the hash, and
// atomically replaces the stored version.
//
// Record creation is mirrored into the ledger with a NEW_EVIDENCE
// block. The dual write is not transactional: a crash between the two
// writes can leave a record without its ledger entry. The gap is
// documented and never repaired silently.
package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/custodia/custodia/internal/ledger"
)

// Type classifies a piece of evidence.
type Type string

// Evidence types recognized by the compliance and incident reporters.
const (
	TypeLogFile            Type = "LOG_FILE"
	TypeDatabaseRecord     Type = "DATABASE_RECORD"
	TypeScreenshot         Type = "SCREENSHOT"
	TypeNetworkCapture     Type = "NETWORK_CAPTURE"
	TypeMemoryDump         Type = "MEMORY_DUMP"
	TypeDeviceInfo         Type = "DEVICE_INFO"
	TypeUserActivity       Type = "USER_ACTIVITY"
	TypeSecurityEvent      Type = "SECURITY_EVENT"
	TypeUnauthorizedAccess Type = "UNAUTHORIZED_ACCESS"
)

// CustodyRecord is one entry in an evidence record's custody history.
// Custody records are append-only, never removed or reordered.
type CustodyRecord struct {
	Action    string `json:"action"`
	Actor     string `json:"actor"`
	Timestamp int64  `json:"timestamp"` // Unix milliseconds.
	Location  string `json:"location"`
	Notes     string `json:"notes"`
}

// Evidence is a single evidentiary record with its embedded custody
// history and fixed-point hash.
type Evidence struct {
	ID             string          `json:"id"`
	Type           Type            `json:"type"`
	Description    string          `json:"description"`
	Source         string          `json:"source"`
	CreationDate   string          `json:"creation_date"`
	Collector      string          `json:"collector"`
	ChainOfCustody []CustodyRecord `json:"chain_of_custody"`
	Hash           string          `json:"hash"`
}

// Verification is the integrity result for one record.
type Verification struct {
	EvidenceID string `json:"evidence_id"`
	Valid      bool   `json:"valid"`
}

// VerificationResult aggregates per-record integrity checks.
// AllValid holds only when every record verified.
type VerificationResult struct {
	AllValid bool           `json:"all_valid"`
	Details  []Verification `json:"details"`
}

// Store manages evidence records on disk, one file per record.
// Thread-safe within the process; cross-process writers must be
// serialized by the host.
type Store struct {
	mu     sync.Mutex
	dir    string
	ledger *ledger.Ledger
}

// NewStore opens an evidence store in dir, mirroring writes into led.
func NewStore(dir string, led *ledger.Ledger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating evidence directory %s: %w", dir, err)
	}
	return &Store{dir: dir, ledger: led}, nil
}

// Create allocates a new evidence record, seeds its custody chain with
// a COLLECTION entry, persists it, and appends a NEW_EVIDENCE block to
// the ledger.
func (s *Store) Create(typ Type, description, source, collector string) (*Evidence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	ev := Evidence{
		ID:           "EVID-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8],
		Type:         typ,
		Description:  description,
		Source:       source,
		CreationDate: now.Format("2006-01-02 15:04:05"),
		Collector:    collector,
		ChainOfCustody: []CustodyRecord{{
			Action:    "COLLECTION",
			Actor:     collector,
			Timestamp: now.UnixMilli(),
			Location:  "DEVICE",
			Notes:     "Initial evidence collection",
		}},
	}
	ev.Hash = recordHash(&ev)

	if err := s.save(&ev); err != nil {
		return nil, err
	}

	// Dual write: record first, ledger second. Not transactional.
	_, err := s.ledger.Append("NEW_EVIDENCE",
		fmt.Sprintf("Evidence ID: %s, Type: %s, Source: %s", ev.ID, ev.Type, ev.Source))
	if err != nil {
		slog.Error("ledger append failed for new evidence", "id", ev.ID, "error", err)
		return nil, fmt.Errorf("recording evidence %s in ledger: %w", ev.ID, err)
	}

	return &ev, nil
}

// AddCustodyRecord appends a custody entry to the record with the given
// id. Fails closed: returns false if the record is absent or its
// fixed-point hash does not verify. No partial update is attempted.
func (s *Store) AddCustodyRecord(evidenceID, action, actor, notes string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev, err := s.load(evidenceID)
	if err != nil || ev == nil {
		return false
	}
	if !verifyRecord(ev) {
		slog.Error("custody append refused, record failed integrity check", "id", evidenceID)
		return false
	}

	// Build the next version as a new value, then replace atomically.
	next := *ev
	next.ChainOfCustody = append(append([]CustodyRecord{}, ev.ChainOfCustody...), CustodyRecord{
		Action:    action,
		Actor:     actor,
		Timestamp: time.Now().UnixMilli(),
		Location:  "DEVICE",
		Notes:     notes,
	})
	next.Hash = recordHash(&next)

	if err := s.save(&next); err != nil {
		slog.Error("custody append failed to persist", "id", evidenceID, "error", err)
		return false
	}
	return true
}

// Load returns the record with the given id, or nil if absent.
// Load does not re-verify integrity; callers acting on custody data
// should verify first, as AddCustodyRecord does.
func (s *Store) Load(evidenceID string) (*Evidence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(evidenceID)
}

// ListAll returns every parseable evidence record, sorted by id.
// Unparseable files are skipped with a warning.
func (s *Store) ListAll() []Evidence {
	s.mu.Lock()
	defer s.mu.Unlock()

	paths, err := filepath.Glob(filepath.Join(s.dir, "EVID-*.json"))
	if err != nil {
		slog.Error("listing evidence files", "error", err)
		return nil
	}
	sort.Strings(paths)

	var out []Evidence
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			slog.Warn("skipping unreadable evidence file", "path", path, "error", err)
			continue
		}
		var ev Evidence
		if err := json.Unmarshal(data, &ev); err != nil {
			slog.Warn("skipping malformed evidence file", "path", path, "error", err)
			continue
		}
		out = append(out, ev)
	}
	return out
}

// VerifyAll checks the fixed-point hash of every persisted record.
func (s *Store) VerifyAll() VerificationResult {
	records := s.ListAll()

	result := VerificationResult{AllValid: true}
	for i := range records {
		valid := verifyRecord(&records[i])
		if !valid {
			result.AllValid = false
		}
		result.Details = append(result.Details, Verification{
			EvidenceID: records[i].ID,
			Valid:      valid,
		})
	}
	if len(records) == 0 {
		result.AllValid = true
	}
	return result
}

// load reads one record from disk. Caller must hold the mutex.
func (s *Store) load(evidenceID string) (*Evidence, error) {
	data, err := os.ReadFile(s.path(evidenceID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading evidence %s: %w", evidenceID, err)
	}
	var ev Evidence
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("parsing evidence %s: %w", evidenceID, err)
	}
	return &ev, nil
}

// save atomically writes one record. Caller must hold the mutex.
func (s *Store) save(ev *Evidence) error {
	data, err := json.MarshalIndent(ev, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling evidence %s: %w", ev.ID, err)
	}
	path := s.path(ev.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing evidence %s: %w", ev.ID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing evidence %s: %w", ev.ID, err)
	}
	return nil
}

func (s *Store) path(evidenceID string) string {
	return filepath.Join(s.dir, evidenceID+".json")
}

// recordHash computes the fixed-point hash: the SHA-256 of the record's
// canonical JSON with the hash field blanked.
func recordHash(ev *Evidence) string {
	blanked := *ev
	blanked.Hash = ""
	data, err := json.Marshal(&blanked)
	if err != nil {
		// Evidence only holds strings and ints; Marshal cannot fail on it.
		panic(fmt.Sprintf("marshaling evidence for hashing: %v", err))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// verifyRecord reports whether a record's stored hash matches its
// recomputed fixed-point hash.
func verifyRecord(ev *Evidence) bool {
	return recordHash(ev) == ev.Hash
}

// Verify re-checks a single record's fixed-point hash. Exported for
// callers that load a record and need to act on its custody data.
func Verify(ev *Evidence) bool {
	return verifyRecord(ev)
}

// Package protect implements the integrity-protected data layer: every
// stored item carries an authentication code under a per-item derived
// key, reads are rate-limit gated and fail closed on integrity
// mismatch, and the backing store's master key rotates on a fixed
// interval.
package protect

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/custodia/custodia/internal/anonymizer"
	"github.com/custodia/custodia/internal/audittrail"
	"github.com/custodia/custodia/internal/integrity"
	"github.com/custodia/custodia/internal/securestore"
)

const (
	keyLastRotation = "last_key_rotation"
	keyUserID       = "user_id"
	keyAccessLogs   = "access_logs"

	hmacSuffix = "_hmac"

	// DefaultRotationInterval is how long a master key stays in use.
	DefaultRotationInterval = 30 * 24 * time.Hour

	// accessLogLimit caps the rolling access log.
	accessLogLimit = 100
)

// Manager is the data protection manager. All mutating calls are
// serialized internally; the cross-process single-writer discipline is
// the host's responsibility.
type Manager struct {
	mu               sync.Mutex
	store            securestore.Store
	deriver          *integrity.Deriver
	trail            *audittrail.Trail
	rotationInterval time.Duration
	now              func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithRotationInterval overrides the key rotation interval.
func WithRotationInterval(d time.Duration) Option {
	return func(m *Manager) { m.rotationInterval = d }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// New creates a Manager over the given store. The audit trail gates
// reads; pass nil to disable the gate (tests of unrelated behavior).
func New(store securestore.Store, trail *audittrail.Trail, opts ...Option) *Manager {
	m := &Manager{
		store:            store,
		deriver:          integrity.NewDeriver(store),
		trail:            trail,
		rotationInterval: DefaultRotationInterval,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// StoreSecure persists a value together with its authentication code
// under a key derived for this item. Rotation is checked first so a
// stale master key never outlives its interval by more than one write.
func (m *Manager) StoreSecure(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.rotateIfDueLocked(); err != nil {
		m.logAccessLocked("SECURITY_ERROR", "Error al rotar clave: "+err.Error())
	}

	itemKey, err := m.deriver.DeriveKey(key)
	if err != nil {
		m.logAccessLocked("SECURITY_ERROR", "Error almacenando dato: "+err.Error())
		return fmt.Errorf("deriving key for %s: %w", key, err)
	}
	code := integrity.AuthCode([]byte(value), itemKey)

	if err := m.store.Put(key, value); err != nil {
		m.logAccessLocked("SECURITY_ERROR", "Error almacenando dato: "+err.Error())
		return fmt.Errorf("storing %s: %w", key, err)
	}
	if err := m.store.Put(key+hmacSuffix, code); err != nil {
		m.logAccessLocked("SECURITY_ERROR", "Error almacenando dato: "+err.Error())
		return fmt.Errorf("storing auth code for %s: %w", key, err)
	}

	m.logAccessLocked("DATA_STORAGE", "Dato almacenado con HMAC: "+key)
	return nil
}

// GetSecure returns a stored value after the rate-limit gate and the
// integrity check both pass. A missing value returns ("", false, nil).
// A failed integrity check also returns not-found; the detail goes to
// the access log, not to the caller.
func (m *Manager) GetSecure(key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.trail != nil && !m.trail.LogAccessAttempt("access_"+key, m.userIDLocked(), true) {
		return "", false, nil
	}

	value, ok, err := m.store.Get(key)
	if err != nil {
		m.logAccessLocked("SECURITY_ERROR", "Error obteniendo dato: "+err.Error())
		return "", false, fmt.Errorf("reading %s: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}

	if !m.verifyIntegrityLocked(key) {
		m.logAccessLocked("SECURITY_ALERT", "Intento de acceso a dato comprometido: "+key)
		return "", false, nil
	}

	m.logAccessLocked("DATA_ACCESS", "Dato accedido: "+key)
	return value, true, nil
}

// VerifyIntegrity recomputes the authentication code for a stored item
// and compares it with the stored code.
func (m *Manager) VerifyIntegrity(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.verifyIntegrityLocked(key)
}

func (m *Manager) verifyIntegrityLocked(key string) bool {
	value, ok, err := m.store.Get(key)
	if err != nil || !ok {
		return false
	}
	code, ok, err := m.store.Get(key + hmacSuffix)
	if err != nil || !ok {
		return false
	}

	itemKey, err := m.deriver.DeriveKey(key)
	if err != nil {
		m.logAccessLocked("SECURITY_ERROR", "Error verificando integridad: "+err.Error())
		return false
	}
	if !integrity.Verify([]byte(value), code, itemKey) {
		m.logAccessLocked("SECURITY_ALERT", "Integridad comprometida para clave: "+key)
		return false
	}
	return true
}

// RotateKey rotates the store's master key if the rotation interval has
// elapsed. Returns whether a rotation happened.
func (m *Manager) RotateKey() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rotateIfDueLocked()
}

func (m *Manager) rotateIfDueLocked() (bool, error) {
	rk, ok := m.store.(securestore.Rekeyer)
	if !ok {
		return false, nil
	}

	var last time.Time
	if raw, found, err := m.store.Get(keyLastRotation); err == nil && found {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			last = time.UnixMilli(ms)
		}
	}

	now := m.now()
	if last.IsZero() {
		// First run: stamp the epoch instead of rotating a fresh key.
		if err := m.store.Put(keyLastRotation, strconv.FormatInt(now.UnixMilli(), 10)); err != nil {
			return false, err
		}
		return false, nil
	}
	if now.Sub(last) <= m.rotationInterval {
		return false, nil
	}

	if err := rk.Rekey(); err != nil {
		return false, fmt.Errorf("rotating master key: %w", err)
	}
	if err := m.store.Put(keyLastRotation, strconv.FormatInt(now.UnixMilli(), 10)); err != nil {
		return false, err
	}

	m.logAccessLocked("KEY_MANAGEMENT", "Clave maestra rotada exitosamente")
	return true, nil
}

// LogAccess appends one entry to the rolling access log.
func (m *Manager) LogAccess(category, action string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logAccessLocked(category, action)
}

func (m *Manager) logAccessLocked(category, action string) {
	entry := fmt.Sprintf("%s - %s: %s", m.now().Format("2006-01-02 15:04:05"), category, action)

	existing, _, err := m.store.Get(keyAccessLogs)
	if err != nil {
		slog.Error("reading access log", "error", err)
		return
	}

	lines := []string{}
	if existing != "" {
		lines = strings.Split(existing, "\n")
	}
	lines = append(lines, entry)
	if len(lines) > accessLogLimit {
		lines = lines[len(lines)-accessLogLimit:]
	}

	if err := m.store.Put(keyAccessLogs, strings.Join(lines, "\n")); err != nil {
		slog.Error("writing access log", "error", err)
	}
}

// AccessLogs returns the access log entries, newest first.
func (m *Manager) AccessLogs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw, ok, err := m.store.Get(keyAccessLogs)
	if err != nil || !ok || raw == "" {
		return nil
	}
	lines := strings.Split(raw, "\n")
	out := make([]string, 0, len(lines))
	for i := len(lines) - 1; i >= 0; i-- {
		out = append(out, lines[i])
	}
	return out
}

// ClearAll wipes every stored item and logs the wipe as the first entry
// of the fresh log.
func (m *Manager) ClearAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.DeleteAll(); err != nil {
		return fmt.Errorf("clearing store: %w", err)
	}
	m.logAccessLocked("DATA_MANAGEMENT", "Todos los datos han sido borrados de forma segura")
	return nil
}

// UserID returns the pseudonymous local user id, generating one on
// first use.
func (m *Manager) UserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userIDLocked()
}

func (m *Manager) userIDLocked() string {
	id, ok, err := m.store.Get(keyUserID)
	if err == nil && ok && id != "" {
		return id
	}

	id = "anon_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	if err := m.store.Put(keyUserID, id); err != nil {
		slog.Error("persisting user id", "error", err)
	}
	return id
}

// Anonymize masks personal data for display or export.
func (m *Manager) Anonymize(data string) string {
	return anonymizer.Anonymize(data)
}

// Info returns a human-readable summary of the protection state.
func (m *Manager) Info() map[string]string {
	logs := m.AccessLogs()

	m.mu.Lock()
	defer m.mu.Unlock()

	lastRotation := "Nunca"
	if raw, ok, err := m.store.Get(keyLastRotation); err == nil && ok {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
			lastRotation = time.UnixMilli(ms).Format("2006-01-02 15:04:05")
		}
	}

	return map[string]string{
		"Encriptación":        "AES-256-GCM",
		"Almacenamiento":      "Local encriptado",
		"Logs de acceso":      fmt.Sprintf("%d entradas", len(logs)),
		"Última rotación":     lastRotation,
		"Estado de seguridad": "Activo",
	}
}

package zerotrust

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/custodia/custodia/internal/anonymizer"
	"github.com/custodia/custodia/internal/securestore"
)

// Secure store keys owned by the engine.
const (
	keySessionToken   = "session_token"
	keySessionExpiry  = "session_expiry"
	keyUserPrivileges = "user_privileges"
	keyCurrentUserID  = "current_user_id"
	keyAppIntegrity   = "app_integrity_hash"
	keyHMACKey        = "hmac_key"

	eventKeyPrefix = "security_event_"
)

// DefaultSessionDuration applies when a caller passes a non-positive
// duration to CreateSession.
const DefaultSessionDuration = 30 * time.Minute

// AppHashFunc returns a deterministic string identifying the current
// application build. Used as the attestation input for the
// trust-on-first-use integrity baseline.
type AppHashFunc func() string

// Engine is the zero-trust session and authorization engine. One
// instance lives for the whole process; the in-memory token half of a
// session is deliberately lost on restart so every restart forces
// re-authentication.
type Engine struct {
	mu      sync.Mutex
	store   securestore.Store
	lockout *Lockout
	appHash AppHashFunc

	policyMu sync.RWMutex
	rules    []Rule // Custom rules first, then built-ins. First match wins.

	sessionToken  string
	sessionExpiry time.Time

	now func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLockout attaches an account lockout list consulted on every
// authorization.
func WithLockout(lo *Lockout) Option {
	return func(e *Engine) { e.lockout = lo }
}

// WithClock overrides the engine's time source. Used in tests to
// exercise session expiry without sleeping.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates the engine bound to the given secure store and
// application-integrity source, with the built-in privilege policy.
func New(store securestore.Store, appHash AppHashFunc, opts ...Option) (*Engine, error) {
	e := &Engine{
		store:   store,
		appHash: appHash,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}

	rules := builtinRules()
	for i := range rules {
		if err := compileRule(&rules[i]); err != nil {
			return nil, err
		}
	}
	e.rules = rules
	return e, nil
}

// LoadPolicy reads custom privilege rules from policy.yaml and places
// them ahead of the built-ins. Called at startup and by the file
// watcher on changes.
func (e *Engine) LoadPolicy(path string) error {
	custom, err := loadPolicyRules(path)
	if err != nil {
		return err
	}
	for i := range custom {
		if err := compileRule(&custom[i]); err != nil {
			return err
		}
	}

	builtins := builtinRules()
	for i := range builtins {
		if err := compileRule(&builtins[i]); err != nil {
			return err
		}
	}

	e.policyMu.Lock()
	e.rules = append(custom, builtins...)
	e.policyMu.Unlock()

	slog.Info("privilege policy loaded", "custom", len(custom), "builtin", len(builtins))
	return nil
}

// CreateSession issues a fresh session token for the user, persists the
// session state, and returns the token. The privilege set always
// overwrites whatever the previous session left behind; CreateSession
// is authoritative.
func (e *Engine) CreateSession(userID string, privileges []string, duration time.Duration) (string, error) {
	if duration <= 0 {
		duration = DefaultSessionDuration
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating session token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)
	expiry := e.now().Add(duration)

	privs, err := json.Marshal(privileges)
	if err != nil {
		return "", fmt.Errorf("marshaling privileges: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	puts := []struct{ k, v string }{
		{keySessionToken, token},
		{keySessionExpiry, strconv.FormatInt(expiry.UnixMilli(), 10)},
		{keyUserPrivileges, string(privs)},
		{keyCurrentUserID, userID},
	}
	for _, p := range puts {
		if err := e.store.Put(p.k, p.v); err != nil {
			return "", fmt.Errorf("persisting session: %w", err)
		}
	}

	e.sessionToken = token
	e.sessionExpiry = expiry

	e.logSecurityEventLocked("SESSION_CREATED", "Usuario: "+anonymizer.AnonymizeDigits(userID))
	return token, nil
}

// IsSessionValid reports whether a live session exists: the persisted
// token must exist, match the in-memory token, and not be expired.
// Requiring the in-memory half means a process restart invalidates all
// sessions even though the persisted state is untouched.
func (e *Engine) IsSessionValid() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isSessionValidLocked()
}

func (e *Engine) isSessionValidLocked() bool {
	stored, ok, err := e.store.Get(keySessionToken)
	if err != nil || !ok {
		return false
	}
	return stored == e.sessionToken &&
		e.sessionToken != "" &&
		e.now().Before(e.sessionExpiry)
}

// AuthorizeOperation decides whether the given operation may proceed in
// the given context. All failure modes return a bare false; the reason
// goes to the security event log, never to the caller.
func (e *Engine) AuthorizeOperation(operation, context string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.isSessionValidLocked() {
		return false
	}
	if e.lockout != nil && e.lockout.IsLocked(e.currentUserIDLocked()) {
		return false
	}
	if !e.verifyAppIntegrityLocked() {
		return false
	}

	required := e.GetRequiredPrivilege(operation, context)
	if !e.hasPrivilegeLocked(required) {
		return false
	}

	e.logSecurityEventLocked("OPERATION_AUTHORIZED",
		fmt.Sprintf("Operación: %s, Contexto: %s", operation, context))
	return true
}

// GetRequiredPrivilege resolves the privilege required for an
// (operation, context) pair by ordered rule evaluation, first match
// wins. With the default policy:
//
//	GetRequiredPrivilege("read", "settings")  == "settings_read"
//	GetRequiredPrivilege("delete", "x")       == "admin"
//	GetRequiredPrivilege("unknown", "x")      == "basic"
func (e *Engine) GetRequiredPrivilege(operation, context string) string {
	e.policyMu.RLock()
	defer e.policyMu.RUnlock()

	for i := range e.rules {
		if matchesRule(&e.rules[i], operation, context) {
			return e.rules[i].Privilege
		}
	}
	return BasicPrivilege
}

// HasPrivilege reports whether the current session's privilege set
// contains the required privilege.
func (e *Engine) HasPrivilege(required string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasPrivilegeLocked(required)
}

func (e *Engine) hasPrivilegeLocked(required string) bool {
	raw, ok, err := e.store.Get(keyUserPrivileges)
	if err != nil || !ok {
		return required == BasicPrivilege
	}
	var privs []string
	if err := json.Unmarshal([]byte(raw), &privs); err != nil {
		return false
	}
	for _, p := range privs {
		if p == required {
			return true
		}
	}
	return false
}

// EndSession clears the persisted token and expiry and drops the
// in-memory session. The privilege set is intentionally left in the
// store: CreateSession always overwrites it, so clearing here would
// only mask bugs in callers that skip session creation.
func (e *Engine) EndSession() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.logSecurityEventLocked("SESSION_ENDED", "Usuario: "+e.currentUserIDLocked())

	if err := e.store.Delete(keySessionToken); err != nil {
		slog.Error("clearing session token", "error", err)
	}
	if err := e.store.Delete(keySessionExpiry); err != nil {
		slog.Error("clearing session expiry", "error", err)
	}
	e.sessionToken = ""
	e.sessionExpiry = time.Time{}
}

// VerifyAppIntegrity performs the trust-on-first-use attestation: the
// first observed application hash is stored as the baseline, and every
// later call compares against it. This cannot detect tampering present
// at first run; it only detects drift afterwards.
func (e *Engine) VerifyAppIntegrity() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.verifyAppIntegrityLocked()
}

func (e *Engine) verifyAppIntegrityLocked() bool {
	current := e.appHash()

	stored, ok, err := e.store.Get(keyAppIntegrity)
	if err != nil {
		// Integrity unknown; refuse rather than assume validity.
		return false
	}
	if !ok {
		if err := e.store.Put(keyAppIntegrity, current); err != nil {
			slog.Error("persisting integrity baseline", "error", err)
			return false
		}
		slog.Info("application integrity baseline established")
		return true
	}
	return current == stored
}

// GenerateHMAC computes the base64 HMAC-SHA256 of data under the
// per-install key, generating and persisting the key on first use.
func (e *Engine) GenerateHMAC(data string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.generateHMACLocked(data)
}

func (e *Engine) generateHMACLocked(data string) (string, error) {
	key, err := e.hmacKeyLocked()
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

func (e *Engine) hmacKeyLocked() ([]byte, error) {
	stored, ok, err := e.store.Get(keyHMACKey)
	if err != nil {
		return nil, fmt.Errorf("reading hmac key: %w", err)
	}
	if ok {
		key, err := base64.StdEncoding.DecodeString(stored)
		if err != nil {
			return nil, fmt.Errorf("decoding hmac key: %w", err)
		}
		return key, nil
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating hmac key: %w", err)
	}
	if err := e.store.Put(keyHMACKey, base64.StdEncoding.EncodeToString(key)); err != nil {
		return nil, fmt.Errorf("persisting hmac key: %w", err)
	}
	return key, nil
}

// LogSecurityEvent records an HMAC-authenticated security event in the
// secure store. The stored value is the authentication code of the
// event payload, keyed by a fresh event id.
func (e *Engine) LogSecurityEvent(eventType, details string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.logSecurityEventLocked(eventType, details)
}

func (e *Engine) logSecurityEventLocked(eventType, details string) {
	eventID := uuid.NewString()
	payload, err := json.Marshal(map[string]any{
		"event_id":        eventID,
		"timestamp":       e.now().UnixMilli(),
		"type":            eventType,
		"details":         details,
		"user":            e.currentUserIDLocked(),
		"integrity_check": e.verifyAppIntegrityLocked(),
	})
	if err != nil {
		slog.Error("marshaling security event", "type", eventType, "error", err)
		return
	}

	code, err := e.generateHMACLocked(string(payload))
	if err != nil {
		slog.Error("signing security event", "type", eventType, "error", err)
		return
	}
	if err := e.store.Put(eventKeyPrefix+eventID, code); err != nil {
		slog.Error("persisting security event", "type", eventType, "error", err)
		return
	}
	slog.Debug("security event recorded", "type", eventType, "event_id", eventID)
}

// SecurityEventCount returns the number of recorded security events.
func (e *Engine) SecurityEventCount() int {
	keys, err := e.store.Keys(eventKeyPrefix)
	if err != nil {
		return 0
	}
	return len(keys)
}

// AnonymizeData masks every decimal digit in data with '*', leaving
// all other characters unchanged.
func (e *Engine) AnonymizeData(data string) string {
	return anonymizer.AnonymizeDigits(data)
}

// CurrentUserID returns the user id of the current session, or
// "anonymous" when none is set.
func (e *Engine) CurrentUserID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentUserIDLocked()
}

func (e *Engine) currentUserIDLocked() string {
	id, ok, err := e.store.Get(keyCurrentUserID)
	if err != nil || !ok || id == "" {
		return "anonymous"
	}
	return id
}

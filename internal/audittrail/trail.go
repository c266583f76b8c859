// Package audittrail implements sliding-window rate limiting and
// failure-pattern detection per (user, operation), producing digitally
// signed alert records.
//
// The attempt windows are in-memory only and do not survive a restart;
// the signed alerts are persisted independently in SQLite and can be
// exported as opaque signed payloads.
package audittrail

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/custodia/custodia/internal/securestore"
)

// Alert titles. The literal Spanish marker texts are part of the alert
// contract; exports are matched on them downstream.
const (
	TitleRateLimit  = "Rate limit excedido"
	TitleSuspicious = "Actividad sospechosa"
)

// Config holds the trail's thresholds. The defaults are the production
// values; tests shrink the window instead of sleeping through it.
type Config struct {
	// Window is the sliding rate-limit window.
	Window time.Duration
	// MaxPerWindow is the number of attempts admitted per window.
	// The attempt after it is denied.
	MaxPerWindow int
	// SuspiciousThreshold is the attempt count in the window at which
	// a failed attempt raises a suspicious-activity alert.
	SuspiciousThreshold int
}

// DefaultConfig returns the standard thresholds: 5 attempts per 60
// seconds, suspicious after 3.
func DefaultConfig() Config {
	return Config{
		Window:              60 * time.Second,
		MaxPerWindow:        5,
		SuspiciousThreshold: 3,
	}
}

// Trail is the adaptive audit trail. One instance lives for the whole
// process.
type Trail struct {
	mu       sync.Mutex
	cfg      Config
	attempts map[string][]time.Time
	signer   *signer
	alerts   *alertStore
	notify   func(title, payload string) // Optional alert observer.
	now      func() time.Time
}

// Option configures a Trail.
type Option func(*Trail)

// WithClock overrides the trail's time source for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Trail) { t.now = now }
}

// WithNotify registers a callback invoked after every persisted alert.
func WithNotify(fn func(title, payload string)) Option {
	return func(t *Trail) { t.notify = fn }
}

// New opens the audit trail: the signing key pair comes from (or is
// generated into) the secure store, and alerts persist to a SQLite
// database at dbPath.
func New(store securestore.Store, dbPath string, cfg Config, opts ...Option) (*Trail, error) {
	if cfg.Window <= 0 || cfg.MaxPerWindow <= 0 || cfg.SuspiciousThreshold <= 0 {
		return nil, fmt.Errorf("invalid audit trail config: %+v", cfg)
	}

	sg, err := newSigner(store)
	if err != nil {
		return nil, err
	}

	as, err := openAlertStore(dbPath)
	if err != nil {
		return nil, err
	}

	t := &Trail{
		cfg:      cfg,
		attempts: make(map[string][]time.Time),
		signer:   sg,
		alerts:   as,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Close releases the alert store.
func (t *Trail) Close() error {
	return t.alerts.close()
}

// LogAccessAttempt records an access attempt for (userID, operation)
// and reports whether the caller may proceed. False means the sliding
// window already held more than the admitted number of attempts; the
// caller must deny the operation; the window naturally admits new
// attempts once older ones age out.
//
// Independently of the rate limit, a failed attempt while the window
// already holds at least SuspiciousThreshold entries raises a signed
// suspicious-activity alert. Both conditions can fire on the same call.
func (t *Trail) LogAccessAttempt(operation, userID string, success bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	key := userID + "-" + operation

	// Prune entries older than the window, then record this attempt.
	kept := t.attempts[key][:0]
	for _, ts := range t.attempts[key] {
		if now.Sub(ts) < t.cfg.Window {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	t.attempts[key] = kept

	count := len(kept)

	if !success && count >= t.cfg.SuspiciousThreshold {
		t.generateAlert(TitleSuspicious,
			fmt.Sprintf("Intento de acceso no autorizado a %s", operation))
	}

	if count > t.cfg.MaxPerWindow {
		t.generateAlert(TitleRateLimit,
			fmt.Sprintf("Operación: %s, Usuario: %s", operation, userID))
		return false
	}
	return true
}

// SignData serializes the payload, signs it with the persisted private
// key, and returns the {data, signature} envelope as JSON.
func (t *Trail) SignData(data map[string]any) (string, error) {
	return t.signer.sign(data)
}

// ExportAuditLogs returns every persisted signed alert as opaque signed
// payload strings, in storage order. Only alerts are persisted; raw
// access attempts are ephemeral.
func (t *Trail) ExportAuditLogs() ([]string, error) {
	return t.alerts.all()
}

// VerifySignedLog checks a signed payload against the trail's persisted
// public key. The key pair survives restarts, so exported alerts stay
// verifiable.
func (t *Trail) VerifySignedLog(signedJSON string) bool {
	return t.signer.verify(signedJSON)
}

// generateAlert signs and persists one alert. Caller must hold the
// mutex. Persistence failures are logged and the alert dropped; the
// access decision itself is never affected.
func (t *Trail) generateAlert(title, message string) {
	created := t.now()
	payload, err := t.signer.sign(map[string]any{
		"timestamp": created.UnixMilli(),
		"title":     title,
		"message":   message,
		"deviceId":  uuid.NewString(),
	})
	if err != nil {
		slog.Error("signing alert failed", "title", title, "error", err)
		return
	}

	if err := t.alerts.insert(created.UnixNano(), payload); err != nil {
		slog.Error("persisting alert failed", "title", title, "error", err)
		return
	}

	slog.Warn("audit alert raised", "title", title, "message", message)
	if t.notify != nil {
		t.notify(title, payload)
	}
}

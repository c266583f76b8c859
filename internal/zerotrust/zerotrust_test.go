package zerotrust

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/custodia/custodia/internal/securestore"
)

func staticAppHash() string { return "build-hash-1.0.0" }

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	e, err := New(securestore.NewMemStore(), staticAppHash, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func TestSessionLifecycle(t *testing.T) {
	now := time.Now()
	clock := &now
	e := newTestEngine(t, WithClock(func() time.Time { return *clock }))

	if e.IsSessionValid() {
		t.Error("no session should exist before CreateSession")
	}

	token, err := e.CreateSession("user-42", []string{"basic"}, time.Minute)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if token == "" {
		t.Fatal("empty session token")
	}
	if !e.IsSessionValid() {
		t.Error("session should be valid right after creation")
	}

	e.EndSession()
	if e.IsSessionValid() {
		t.Error("session should be invalid after EndSession")
	}
}

func TestSessionExpiry(t *testing.T) {
	now := time.Now()
	clock := &now
	e := newTestEngine(t, WithClock(func() time.Time { return *clock }))

	if _, err := e.CreateSession("user-1", []string{"basic"}, time.Minute); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	later := now.Add(61 * time.Second)
	*clock = later
	if e.IsSessionValid() {
		t.Error("session should expire after its duration without EndSession")
	}
}

func TestSessionInvalidAfterRestart(t *testing.T) {
	store := securestore.NewMemStore()

	e1, err := New(store, staticAppHash)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := e1.CreateSession("user-1", []string{"basic"}, time.Hour); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	// A new engine over the same store models a process restart: the
	// persisted token survives but the in-memory half does not.
	e2, err := New(store, staticAppHash)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if e2.IsSessionValid() {
		t.Error("session must not survive a restart")
	}
}

func TestGetRequiredPrivilege_Defaults(t *testing.T) {
	e := newTestEngine(t)

	tests := []struct {
		operation, context, want string
	}{
		{"read", "settings", "settings_read"},
		{"read_profile", "settings_panel", "settings_read"},
		{"write", "settings", "settings_write"},
		{"delete", "anything", "admin"},
		{"delete_account", "x", "admin"},
		{"unknown", "x", "basic"},
		{"read", "home", "basic"},
	}

	for _, tt := range tests {
		t.Run(tt.operation+"/"+tt.context, func(t *testing.T) {
			if got := e.GetRequiredPrivilege(tt.operation, tt.context); got != tt.want {
				t.Errorf("GetRequiredPrivilege(%q, %q) = %q, want %q",
					tt.operation, tt.context, got, tt.want)
			}
		})
	}
}

func TestLoadPolicy_CustomRulesTakePrecedence(t *testing.T) {
	e := newTestEngine(t)

	path := filepath.Join(t.TempDir(), "policy.yaml")
	writeFile(t, path, `
rules:
  - name: export-requires-admin
    operation: "*export*"
    privilege: admin
  - name: settings-read-override
    operation: "*read*"
    context: "*settings*"
    privilege: auditor
`)
	if err := e.LoadPolicy(path); err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}

	if got := e.GetRequiredPrivilege("export_logs", "x"); got != "admin" {
		t.Errorf("custom rule not applied: got %q", got)
	}
	if got := e.GetRequiredPrivilege("read", "settings"); got != "auditor" {
		t.Errorf("custom rule should shadow built-in: got %q", got)
	}
	// Built-ins still apply after custom rules.
	if got := e.GetRequiredPrivilege("delete", "x"); got != "admin" {
		t.Errorf("built-in rule lost: got %q", got)
	}
}

func TestAuthorizeOperation(t *testing.T) {
	e := newTestEngine(t)

	if e.AuthorizeOperation("read", "settings") {
		t.Error("authorization without a session should fail")
	}

	if _, err := e.CreateSession("user-1", []string{"settings_read"}, time.Minute); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	if !e.AuthorizeOperation("read", "settings") {
		t.Error("session with settings_read should authorize read on settings")
	}
	if e.AuthorizeOperation("write", "settings") {
		t.Error("session without settings_write should not authorize write")
	}
	if e.AuthorizeOperation("delete", "anything") {
		t.Error("session without admin should not authorize delete")
	}
}

func TestAuthorizeOperation_LockedUserDenied(t *testing.T) {
	lo, err := NewLockout(filepath.Join(t.TempDir(), "locked.yaml"))
	if err != nil {
		t.Fatalf("NewLockout: %v", err)
	}
	e := newTestEngine(t, WithLockout(lo))

	if _, err := e.CreateSession("user-1", []string{"basic", "settings_read"}, time.Minute); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if !e.AuthorizeOperation("read", "settings") {
		t.Fatal("unlocked user should authorize")
	}

	if err := lo.Lock("user-1", "suspicious activity", "operator"); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if e.AuthorizeOperation("read", "settings") {
		t.Error("locked user must be denied")
	}

	if err := lo.Unlock("user-1"); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if !e.AuthorizeOperation("read", "settings") {
		t.Error("unlocked user should authorize again")
	}
}

func TestVerifyAppIntegrity_TrustOnFirstUse(t *testing.T) {
	store := securestore.NewMemStore()
	current := "hash-v1"
	e, err := New(store, func() string { return current })
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// First run establishes the baseline.
	if !e.VerifyAppIntegrity() {
		t.Error("first attestation should trust and store the baseline")
	}
	// Same hash keeps verifying.
	if !e.VerifyAppIntegrity() {
		t.Error("unchanged hash should verify")
	}

	// Drift after the first trusted run is detected.
	current = "hash-v2-tampered"
	if e.VerifyAppIntegrity() {
		t.Error("changed hash should fail attestation")
	}
}

func TestCreateSession_OverwritesPrivileges(t *testing.T) {
	e := newTestEngine(t)

	if _, err := e.CreateSession("user-1", []string{"admin"}, time.Minute); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	e.EndSession()

	// EndSession leaves privileges in the store; the next session's
	// set is authoritative and must replace them.
	if _, err := e.CreateSession("user-2", []string{"basic"}, time.Minute); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if e.HasPrivilege("admin") {
		t.Error("stale admin privilege survived a new session")
	}
	if !e.HasPrivilege("basic") {
		t.Error("new session's privilege missing")
	}
}

func TestGenerateHMAC_StableKey(t *testing.T) {
	e := newTestEngine(t)

	c1, err := e.GenerateHMAC("payload")
	if err != nil {
		t.Fatalf("GenerateHMAC: %v", err)
	}
	c2, err := e.GenerateHMAC("payload")
	if err != nil {
		t.Fatalf("GenerateHMAC: %v", err)
	}
	if c1 != c2 {
		t.Error("same data under the persisted key should produce the same code")
	}

	c3, _ := e.GenerateHMAC("other payload")
	if c1 == c3 {
		t.Error("different data should produce different codes")
	}
}

func TestAnonymizeData(t *testing.T) {
	e := newTestEngine(t)
	if got := e.AnonymizeData("123-456-7890"); got != "***-***-****" {
		t.Errorf("AnonymizeData = %q, want ***-***-****", got)
	}
	if got := e.AnonymizeData("no digits"); got != "no digits" {
		t.Errorf("AnonymizeData = %q, want unchanged", got)
	}
}

func TestLogSecurityEvent_Recorded(t *testing.T) {
	e := newTestEngine(t)

	before := e.SecurityEventCount()
	e.LogSecurityEvent("TEST_EVENT", "detail text")
	if got := e.SecurityEventCount(); got != before+1 {
		t.Errorf("event count = %d, want %d", got, before+1)
	}
}

func TestLockout_ReloadPicksUpExternalChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locked.yaml")

	lo, err := NewLockout(path)
	if err != nil {
		t.Fatalf("NewLockout: %v", err)
	}
	if lo.IsLocked("user-9") {
		t.Fatal("fresh lockout list should be empty")
	}

	// Another process writes the file; Reload must pick it up.
	writeFile(t, path, `
- user: user-9
  locked_at: 2026-08-31T10:00:00Z
  reason: brute force
  locked_by: system
`)
	if err := lo.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if !lo.IsLocked("user-9") {
		t.Error("reloaded lockout list should contain user-9")
	}
}

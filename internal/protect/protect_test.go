package protect

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/custodia/custodia/internal/audittrail"
	"github.com/custodia/custodia/internal/securestore"
)

func newTestManager(t *testing.T, opts ...Option) (*Manager, securestore.Store) {
	t.Helper()
	store := securestore.NewMemStore()
	return New(store, nil, opts...), store
}

func TestStoreAndGetSecure(t *testing.T) {
	m, _ := newTestManager(t)

	if err := m.StoreSecure("api_token", "secret-value"); err != nil {
		t.Fatalf("StoreSecure: %v", err)
	}

	got, ok, err := m.GetSecure("api_token")
	if err != nil {
		t.Fatalf("GetSecure: %v", err)
	}
	if !ok || got != "secret-value" {
		t.Errorf("GetSecure = (%q, %v), want (secret-value, true)", got, ok)
	}
}

func TestGetSecure_MissingKey(t *testing.T) {
	m, _ := newTestManager(t)

	_, ok, err := m.GetSecure("nope")
	if err != nil {
		t.Fatalf("GetSecure: %v", err)
	}
	if ok {
		t.Error("absent key should report not found")
	}
}

func TestGetSecure_TamperedValueFailsClosed(t *testing.T) {
	m, store := newTestManager(t)

	if err := m.StoreSecure("token", "original"); err != nil {
		t.Fatalf("StoreSecure: %v", err)
	}

	// Corrupt the stored value behind the manager's back.
	if err := store.Put("token", "tampered"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	_, ok, err := m.GetSecure("token")
	if err != nil {
		t.Fatalf("GetSecure: %v", err)
	}
	if ok {
		t.Error("tampered value must not be returned")
	}

	var alerted bool
	for _, l := range m.AccessLogs() {
		if strings.Contains(l, "SECURITY_ALERT") {
			alerted = true
		}
	}
	if !alerted {
		t.Error("tampered read should leave a SECURITY_ALERT entry")
	}
}

func TestVerifyIntegrity(t *testing.T) {
	m, store := newTestManager(t)

	if err := m.StoreSecure("k", "v"); err != nil {
		t.Fatalf("StoreSecure: %v", err)
	}
	if !m.VerifyIntegrity("k") {
		t.Error("fresh item should verify")
	}

	store.Put("k"+hmacSuffix, "bogus")
	if m.VerifyIntegrity("k") {
		t.Error("item with corrupted auth code should not verify")
	}
}

func TestGetSecure_RateLimited(t *testing.T) {
	store := securestore.NewMemStore()
	tr, err := audittrail.New(store, filepath.Join(t.TempDir(), "alerts.db"), audittrail.DefaultConfig())
	if err != nil {
		t.Fatalf("audittrail.New: %v", err)
	}
	defer tr.Close()

	m := New(store, tr)
	if err := m.StoreSecure("k", "v"); err != nil {
		t.Fatalf("StoreSecure: %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, ok, _ := m.GetSecure("k"); !ok {
			t.Fatalf("read %d should succeed", i+1)
		}
	}
	if _, ok, _ := m.GetSecure("k"); ok {
		t.Error("6th read inside the window should be denied")
	}
}

func TestRotateKey(t *testing.T) {
	clock := time.Now()
	dir := t.TempDir()
	store, err := securestore.OpenFileStore(dir)
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	m := New(store, nil, WithClock(func() time.Time { return clock }))

	// First call only stamps the rotation epoch.
	rotated, err := m.RotateKey()
	if err != nil {
		t.Fatalf("RotateKey: %v", err)
	}
	if rotated {
		t.Error("first call should stamp, not rotate")
	}

	// Within the interval nothing happens.
	clock = clock.Add(29 * 24 * time.Hour)
	if rotated, _ = m.RotateKey(); rotated {
		t.Error("rotation before the interval elapsed")
	}

	// Past the interval the key rotates and data survives.
	if err := m.StoreSecure("k", "v"); err != nil {
		t.Fatalf("StoreSecure: %v", err)
	}
	clock = clock.Add(2 * 24 * time.Hour)
	rotated, err = m.RotateKey()
	if err != nil {
		t.Fatalf("RotateKey: %v", err)
	}
	if !rotated {
		t.Error("rotation after the interval should happen")
	}

	got, ok, err := m.GetSecure("k")
	if err != nil || !ok || got != "v" {
		t.Errorf("data lost across rotation: (%q, %v, %v)", got, ok, err)
	}

	var logged bool
	for _, l := range m.AccessLogs() {
		if strings.Contains(l, "KEY_MANAGEMENT") {
			logged = true
		}
	}
	if !logged {
		t.Error("rotation should leave a KEY_MANAGEMENT entry")
	}
}

func TestAccessLogs_RollingAndNewestFirst(t *testing.T) {
	m, _ := newTestManager(t)

	for i := 0; i < accessLogLimit+20; i++ {
		m.LogAccess("DATA_ACCESS", "entry")
	}
	m.LogAccess("DATA_ACCESS", "last")

	logs := m.AccessLogs()
	if len(logs) != accessLogLimit {
		t.Errorf("got %d entries, want %d", len(logs), accessLogLimit)
	}
	if !strings.Contains(logs[0], "last") {
		t.Errorf("newest entry should come first, got %q", logs[0])
	}
}

func TestClearAll(t *testing.T) {
	m, _ := newTestManager(t)

	m.StoreSecure("a", "1")
	m.StoreSecure("b", "2")
	if err := m.ClearAll(); err != nil {
		t.Fatalf("ClearAll: %v", err)
	}

	if _, ok, _ := m.GetSecure("a"); ok {
		t.Error("data should be gone after ClearAll")
	}

	logs := m.AccessLogs()
	if len(logs) != 1 || !strings.Contains(logs[0], "DATA_MANAGEMENT") {
		t.Errorf("wipe should be the only log entry, got %v", logs)
	}
}

func TestUserID_StableAndAnonymous(t *testing.T) {
	m, _ := newTestManager(t)

	id := m.UserID()
	if !strings.HasPrefix(id, "anon_") || len(id) != len("anon_")+8 {
		t.Errorf("unexpected user id format: %q", id)
	}
	if m.UserID() != id {
		t.Error("user id should be stable across calls")
	}
}

func TestInfo(t *testing.T) {
	m, _ := newTestManager(t)

	info := m.Info()
	if info["Encriptación"] != "AES-256-GCM" {
		t.Errorf("unexpected encryption field: %q", info["Encriptación"])
	}
	if info["Última rotación"] != "Nunca" {
		t.Errorf("rotation should read Nunca before first stamp, got %q", info["Última rotación"])
	}
}

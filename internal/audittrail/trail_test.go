package audittrail

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/custodia/custodia/internal/securestore"
)

func newTestTrail(t *testing.T, clock *time.Time) *Trail {
	t.Helper()
	tr, err := New(
		securestore.NewMemStore(),
		filepath.Join(t.TempDir(), "alerts.db"),
		DefaultConfig(),
		WithClock(func() time.Time { return *clock }),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestLogAccessAttempt_RateLimit(t *testing.T) {
	now := time.Now()
	tr := newTestTrail(t, &now)

	// Five attempts within the window are admitted.
	for i := 0; i < 5; i++ {
		if !tr.LogAccessAttempt("read_profile", "user-1", true) {
			t.Fatalf("attempt %d should be admitted", i+1)
		}
		now = now.Add(time.Second)
	}

	// The sixth is denied.
	if tr.LogAccessAttempt("read_profile", "user-1", true) {
		t.Error("6th attempt within the window should be denied")
	}

	// A different (user, operation) pair has its own window.
	if !tr.LogAccessAttempt("read_profile", "user-2", true) {
		t.Error("other user should not be rate limited")
	}
	if !tr.LogAccessAttempt("write_profile", "user-1", true) {
		t.Error("other operation should not be rate limited")
	}
}

func TestLogAccessAttempt_WindowSlides(t *testing.T) {
	now := time.Now()
	tr := newTestTrail(t, &now)

	for i := 0; i < 6; i++ {
		tr.LogAccessAttempt("op", "user-1", true)
	}
	if tr.LogAccessAttempt("op", "user-1", true) {
		t.Fatal("should be rate limited inside the window")
	}

	// After the window elapses the attempts age out.
	now = now.Add(61 * time.Second)
	if !tr.LogAccessAttempt("op", "user-1", true) {
		t.Error("attempt after the window elapsed should be admitted")
	}
}

func TestSuspiciousActivityAlert(t *testing.T) {
	now := time.Now()
	tr := newTestTrail(t, &now)

	// Three consecutive failures raise exactly one alert: the third
	// call is the first whose window holds threshold entries.
	for i := 0; i < 3; i++ {
		tr.LogAccessAttempt("unlock_vault", "user-1", false)
		now = now.Add(time.Second)
	}

	logs, err := tr.ExportAuditLogs()
	if err != nil {
		t.Fatalf("ExportAuditLogs: %v", err)
	}

	var suspicious int
	for _, l := range logs {
		if strings.Contains(l, TitleSuspicious) {
			suspicious++
		}
	}
	if suspicious != 1 {
		t.Errorf("got %d suspicious alerts, want exactly 1", suspicious)
	}
}

func TestSuspiciousAlert_NotRaisedOnSuccesses(t *testing.T) {
	now := time.Now()
	tr := newTestTrail(t, &now)

	for i := 0; i < 4; i++ {
		tr.LogAccessAttempt("op", "user-1", true)
	}

	logs, _ := tr.ExportAuditLogs()
	if len(logs) != 0 {
		t.Errorf("successful attempts should not raise alerts, got %d", len(logs))
	}
}

func TestBothConditionsFireOnSameCall(t *testing.T) {
	now := time.Now()
	tr := newTestTrail(t, &now)

	for i := 0; i < 5; i++ {
		tr.LogAccessAttempt("op", "user-1", true)
	}
	// The sixth attempt both exceeds the rate limit and, being a
	// failure over threshold, is suspicious.
	if tr.LogAccessAttempt("op", "user-1", false) {
		t.Fatal("6th attempt should be denied")
	}

	logs, _ := tr.ExportAuditLogs()
	var rate, suspicious bool
	for _, l := range logs {
		if strings.Contains(l, TitleRateLimit) {
			rate = true
		}
		if strings.Contains(l, TitleSuspicious) {
			suspicious = true
		}
	}
	if !rate || !suspicious {
		t.Errorf("expected both alert kinds, rate=%v suspicious=%v", rate, suspicious)
	}
}

func TestSignData_EnvelopeVerifies(t *testing.T) {
	now := time.Now()
	tr := newTestTrail(t, &now)

	signed, err := tr.SignData(map[string]any{"title": "t", "message": "m"})
	if err != nil {
		t.Fatalf("SignData: %v", err)
	}

	var env struct {
		Data      map[string]any `json:"data"`
		Signature string         `json:"signature"`
	}
	if err := json.Unmarshal([]byte(signed), &env); err != nil {
		t.Fatalf("envelope is not valid JSON: %v", err)
	}
	if env.Data["title"] != "t" || env.Signature == "" {
		t.Errorf("malformed envelope: %+v", env)
	}

	if !tr.VerifySignedLog(signed) {
		t.Error("freshly signed payload should verify")
	}

	tampered := strings.Replace(signed, `"m"`, `"x"`, 1)
	if tr.VerifySignedLog(tampered) {
		t.Error("tampered payload should not verify")
	}
}

func TestSigningKeySurvivesRestart(t *testing.T) {
	store := securestore.NewMemStore()
	db := filepath.Join(t.TempDir(), "alerts.db")

	tr1, err := New(store, db, DefaultConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	signed, err := tr1.SignData(map[string]any{"k": "v"})
	if err != nil {
		t.Fatalf("SignData: %v", err)
	}
	tr1.Close()

	// Same store, fresh trail: the persisted seed must reproduce the
	// key pair so old signatures still verify.
	tr2, err := New(store, db, DefaultConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer tr2.Close()

	if !tr2.VerifySignedLog(signed) {
		t.Error("signature should verify across restarts")
	}
}

func TestExportAuditLogs_PersistAcrossReopen(t *testing.T) {
	store := securestore.NewMemStore()
	db := filepath.Join(t.TempDir(), "alerts.db")
	now := time.Now()

	tr1, err := New(store, db, DefaultConfig(), WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 3; i++ {
		tr1.LogAccessAttempt("op", "user-1", false)
	}
	logs1, _ := tr1.ExportAuditLogs()
	tr1.Close()

	tr2, err := New(store, db, DefaultConfig())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer tr2.Close()

	logs2, err := tr2.ExportAuditLogs()
	if err != nil {
		t.Fatalf("ExportAuditLogs: %v", err)
	}
	if len(logs2) != len(logs1) {
		t.Errorf("alerts lost across reopen: %d -> %d", len(logs1), len(logs2))
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	_, err := New(securestore.NewMemStore(), filepath.Join(t.TempDir(), "a.db"), Config{})
	if err == nil {
		t.Error("zero config should be rejected")
	}
}

package securestore

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFileStore_PutGet(t *testing.T) {
	s, err := OpenFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}

	if err := s.Put("session_token", "abc123"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	v, ok, err := s.Get("session_token")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if v != "abc123" {
		t.Errorf("got %q, want %q", v, "abc123")
	}

	if _, ok, _ := s.Get("missing"); ok {
		t.Error("missing key should not exist")
	}
}

func TestFileStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := OpenFileStore(dir)
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	if err := s.Put("user_salt", "feedface"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	s2, err := OpenFileStore(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	v, ok, _ := s2.Get("user_salt")
	if !ok || v != "feedface" {
		t.Errorf("reopened store: got %q ok=%v, want feedface", v, ok)
	}
}

func TestFileStore_TamperedBlobFailsToOpen(t *testing.T) {
	dir := t.TempDir()

	s, err := OpenFileStore(dir)
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	if err := s.Put("k", "v"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Flip a byte in the encrypted blob. GCM must reject it on reopen.
	path := filepath.Join(dir, dataFileName)
	blob, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading blob: %v", err)
	}
	blob[len(blob)-1] ^= 0xff
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		t.Fatalf("writing tampered blob: %v", err)
	}

	if _, err := OpenFileStore(dir); err == nil {
		t.Error("tampered store should fail to open")
	}
}

func TestFileStore_DeleteAll(t *testing.T) {
	s, err := OpenFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	for _, k := range []string{"a", "b", "c"} {
		if err := s.Put(k, "x"); err != nil {
			t.Fatalf("Put %s: %v", k, err)
		}
	}
	if err := s.DeleteAll(); err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}
	keys, _ := s.Keys("")
	if len(keys) != 0 {
		t.Errorf("expected empty store, got %v", keys)
	}
}

func TestFileStore_KeysPrefix(t *testing.T) {
	s, err := OpenFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	for _, k := range []string{"security_event_1", "security_event_2", "session_token"} {
		if err := s.Put(k, "x"); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	keys, err := s.Keys("security_event_")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("got %d keys, want 2: %v", len(keys), keys)
	}
}

func TestFileStore_Rekey(t *testing.T) {
	dir := t.TempDir()

	s, err := OpenFileStore(dir)
	if err != nil {
		t.Fatalf("OpenFileStore: %v", err)
	}
	if err := s.Put("k", "v"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	oldKey, err := os.ReadFile(filepath.Join(dir, keyFileName))
	if err != nil {
		t.Fatalf("reading key file: %v", err)
	}

	if err := s.Rekey(); err != nil {
		t.Fatalf("Rekey: %v", err)
	}

	newKey, err := os.ReadFile(filepath.Join(dir, keyFileName))
	if err != nil {
		t.Fatalf("reading rotated key file: %v", err)
	}
	if string(oldKey) == string(newKey) {
		t.Error("master key should change after Rekey")
	}

	// Data must survive the rotation, including across reopen.
	s2, err := OpenFileStore(dir)
	if err != nil {
		t.Fatalf("reopen after rekey: %v", err)
	}
	v, ok, _ := s2.Get("k")
	if !ok || v != "v" {
		t.Errorf("data lost after rekey: got %q ok=%v", v, ok)
	}
}

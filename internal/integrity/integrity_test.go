package integrity

import (
	"testing"

	"github.com/custodia/custodia/internal/securestore"
)

func TestDeriveKey_Deterministic(t *testing.T) {
	store := securestore.NewMemStore()
	d := NewDeriver(store)

	k1, err := d.DeriveKey("profile")
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	k2, err := d.DeriveKey("profile")
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}

	if string(k1) != string(k2) {
		t.Error("same name and salt should derive the same key")
	}
	if len(k1) != keyLength {
		t.Errorf("derived key length = %d, want %d", len(k1), keyLength)
	}
}

func TestDeriveKey_DifferentNames(t *testing.T) {
	d := NewDeriver(securestore.NewMemStore())

	k1, err := d.DeriveKey("profile")
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	k2, err := d.DeriveKey("contacts")
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}

	if string(k1) == string(k2) {
		t.Error("different names should derive different keys")
	}
}

func TestDeriveKey_SaltPersistedOnce(t *testing.T) {
	store := securestore.NewMemStore()
	d := NewDeriver(store)

	if _, err := d.DeriveKey("a"); err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	salt1, ok, _ := store.Get(saltKey)
	if !ok || salt1 == "" {
		t.Fatal("salt should be persisted after first derivation")
	}
	if len(salt1) != saltLength*2 {
		t.Errorf("salt hex length = %d, want %d", len(salt1), saltLength*2)
	}

	if _, err := d.DeriveKey("b"); err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	salt2, _, _ := store.Get(saltKey)
	if salt1 != salt2 {
		t.Error("salt must not change between derivations")
	}
}

func TestDeriveKey_DifferentSaltDifferentKey(t *testing.T) {
	d1 := NewDeriver(securestore.NewMemStore())
	d2 := NewDeriver(securestore.NewMemStore())

	k1, _ := d1.DeriveKey("profile")
	k2, _ := d2.DeriveKey("profile")

	if string(k1) == string(k2) {
		t.Error("independent installs should derive different keys")
	}
}

func TestAuthCode_Verify(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	payload := []byte("the payload")

	code := AuthCode(payload, key)
	if !Verify(payload, code, key) {
		t.Error("freshly computed code should verify")
	}
	if Verify([]byte("tampered"), code, key) {
		t.Error("modified payload should not verify")
	}
	if Verify(payload, code, []byte("another-key-entirely-32-bytes!!!")) {
		t.Error("wrong key should not verify")
	}
	if Verify(payload, "deadbeef", key) {
		t.Error("wrong code should not verify")
	}
}

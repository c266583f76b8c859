// Package integrity implements the key derivation and authentication
// code layer shared by the data protection manager and the secure store
// consumers.
//
// Keys are derived with PBKDF2-SHA256 from a per-install random salt,
// so every item gets its own authentication key without persisting one
// key per item. Authentication codes are hex-encoded HMAC-SHA256.
package integrity

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/pbkdf2"

	"github.com/custodia/custodia/internal/securestore"
)

const (
	saltKey    = "user_salt"
	saltLength = 16
	iterations = 10000
	keyLength  = 32 // 256-bit derived keys
)

// Deriver derives per-item authentication keys from a base key name and
// the install-wide salt persisted in the secure store. Derivation is
// deterministic for a given salt and name; the salt is generated once
// per install, not per key.
type Deriver struct {
	store securestore.Store
}

// NewDeriver returns a Deriver backed by the given secure store.
func NewDeriver(store securestore.Store) *Deriver {
	return &Deriver{store: store}
}

// DeriveKey derives 256-bit key material for the given base key name.
// The salt is read from the secure store, generated lazily on first use.
// Any store or generator failure is returned; callers must treat it as
// "integrity unknown" and refuse the operation.
func (d *Deriver) DeriveKey(baseKeyName string) ([]byte, error) {
	salt, err := d.salt()
	if err != nil {
		return nil, err
	}
	key := pbkdf2.Key([]byte(baseKeyName+salt), []byte(salt), iterations, keyLength, sha256.New)
	return key, nil
}

// salt reads the hex-encoded install salt, creating it on first use.
func (d *Deriver) salt() (string, error) {
	salt, ok, err := d.store.Get(saltKey)
	if err != nil {
		return "", fmt.Errorf("reading salt: %w", err)
	}
	if ok {
		return salt, nil
	}

	raw := make([]byte, saltLength)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	salt = hex.EncodeToString(raw)
	if err := d.store.Put(saltKey, salt); err != nil {
		return "", fmt.Errorf("persisting salt: %w", err)
	}
	return salt, nil
}

// AuthCode computes the hex-encoded HMAC-SHA256 of payload under key.
func AuthCode(payload, key []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the authentication code for payload and compares it
// to storedCode in constant time.
func Verify(payload []byte, storedCode string, key []byte) bool {
	expected := AuthCode(payload, key)
	return hmac.Equal([]byte(expected), []byte(storedCode))
}

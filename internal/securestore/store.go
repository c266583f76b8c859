// Package securestore provides the encrypted key/value store that backs
// all scalar secrets of the trust engine: the derivation salt, session
// token and expiry, privilege sets, the app integrity baseline, HMAC and
// signing keys, and HMAC-signed security events.
//
// The engine consumes the store through the Store interface and treats it
// as an opaque durable map with authenticated-encryption-at-rest
// guarantees. FileStore is the default implementation: a single
// AES-256-GCM sealed JSON blob, rewritten atomically on every mutation.
package securestore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Store is the durable string-keyed string map the engine persists
// secrets into. Implementations must guarantee all-or-nothing writes:
// after a crash the store holds either the previous or the new state,
// never a partial mix.
type Store interface {
	// Get returns the value for key and whether it exists.
	Get(key string) (string, bool, error)

	// Put stores value under key, replacing any previous value.
	Put(key, value string) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(key string) error

	// DeleteAll removes every entry.
	DeleteAll() error

	// Keys returns all keys with the given prefix, sorted.
	Keys(prefix string) ([]string, error)
}

// Rekeyer is implemented by stores that can re-encrypt their contents
// under a freshly generated master key. Used by the key rotation path.
type Rekeyer interface {
	Rekey() error
}

const (
	dataFileName = "store.enc"
	keyFileName  = "master.key"
	keySize      = 32 // AES-256
)

// FileStore is an AES-256-GCM encrypted map persisted to a single file.
// The master key lives next to the data file with 0600 permissions; on
// the target platform it would come from the hardware keystore, but
// the engine only sees the Store interface either way.
//
// Thread-safe. Every Put/Delete rewrites and fsyncs the whole blob via
// a temp file + rename, so a torn write can never surface: GCM
// authentication fails on any truncated or tampered blob.
type FileStore struct {
	mu   sync.Mutex
	dir  string
	key  []byte
	data map[string]string
}

// OpenFileStore opens (or creates) an encrypted store in dir.
// A missing data file yields an empty store; a present but
// unauthenticatable blob is an error, never silently reset.
func OpenFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating store directory %s: %w", dir, err)
	}

	s := &FileStore{dir: dir, data: make(map[string]string)}

	key, err := loadOrCreateKey(filepath.Join(dir, keyFileName))
	if err != nil {
		return nil, err
	}
	s.key = key

	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns the value for key and whether it exists.
func (s *FileStore) Get(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok, nil
}

// Put stores value under key and persists the whole blob.
func (s *FileStore) Put(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, had := s.data[key]
	s.data[key] = value
	if err := s.persist(); err != nil {
		// Roll back the in-memory map so it mirrors the durable state.
		if had {
			s.data[key] = old
		} else {
			delete(s.data, key)
		}
		return err
	}
	return nil
}

// Delete removes key and persists.
func (s *FileStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, had := s.data[key]
	if !had {
		return nil
	}
	delete(s.data, key)
	if err := s.persist(); err != nil {
		s.data[key] = old
		return err
	}
	return nil
}

// DeleteAll removes every entry and persists.
func (s *FileStore) DeleteAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.data
	s.data = make(map[string]string)
	if err := s.persist(); err != nil {
		s.data = old
		return err
	}
	return nil
}

// Keys returns all keys with the given prefix, sorted.
func (s *FileStore) Keys(prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Rekey generates a fresh master key and rewrites the blob under it.
// The key file is replaced only after the re-encrypted blob is durable.
func (s *FileStore) Rekey() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	newKey := make([]byte, keySize)
	if _, err := rand.Read(newKey); err != nil {
		return fmt.Errorf("generating master key: %w", err)
	}

	oldKey := s.key
	s.key = newKey
	if err := s.persist(); err != nil {
		s.key = oldKey
		return err
	}

	keyPath := filepath.Join(s.dir, keyFileName)
	if err := writeFileAtomic(keyPath, newKey, 0o600); err != nil {
		return fmt.Errorf("writing rotated master key: %w", err)
	}
	return nil
}

// load decrypts the data file into the in-memory map.
func (s *FileStore) load() error {
	path := filepath.Join(s.dir, dataFileName)
	blob, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading store %s: %w", path, err)
	}

	plain, err := open(s.key, blob)
	if err != nil {
		return fmt.Errorf("decrypting store %s: %w", path, err)
	}

	if err := json.Unmarshal(plain, &s.data); err != nil {
		return fmt.Errorf("parsing store %s: %w", path, err)
	}
	return nil
}

// persist seals the map and atomically replaces the data file.
// Caller must hold the mutex.
func (s *FileStore) persist() error {
	plain, err := json.Marshal(s.data)
	if err != nil {
		return fmt.Errorf("marshaling store: %w", err)
	}

	blob, err := seal(s.key, plain)
	if err != nil {
		return fmt.Errorf("encrypting store: %w", err)
	}

	path := filepath.Join(s.dir, dataFileName)
	if err := writeFileAtomic(path, blob, 0o600); err != nil {
		return fmt.Errorf("writing store %s: %w", path, err)
	}
	return nil
}

// seal encrypts plain with AES-256-GCM. Output: nonce || ciphertext.
func seal(key, plain []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plain, nil), nil
}

// open decrypts a nonce||ciphertext blob produced by seal.
func open(key, blob []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(blob) < gcm.NonceSize() {
		return nil, fmt.Errorf("blob shorter than nonce")
	}
	return gcm.Open(nil, blob[:gcm.NonceSize()], blob[gcm.NonceSize():], nil)
}

// loadOrCreateKey reads the master key file, generating one on first run.
func loadOrCreateKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err == nil {
		if len(key) != keySize {
			return nil, fmt.Errorf("master key %s: expected %d bytes, got %d", path, keySize, len(key))
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading master key %s: %w", path, err)
	}

	key = make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating master key: %w", err)
	}
	if err := writeFileAtomic(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("writing master key %s: %w", path, err)
	}
	return key, nil
}

// writeFileAtomic writes data to a temp file in the same directory,
// fsyncs, then renames over path.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

package audittrail

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/custodia/custodia/internal/securestore"
)

const signingKeyStoreKey = "audit_signing_seed"

// signer holds the Ed25519 key pair used to sign alert payloads. The
// seed persists in the secure store so exported alerts remain
// verifiable across restarts.
type signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// signedEnvelope is the wire form of a signed payload.
type signedEnvelope struct {
	Data      map[string]any `json:"data"`
	Signature string         `json:"signature"`
}

// newSigner loads the signing seed from the secure store, generating
// and persisting one on first use.
func newSigner(store securestore.Store) (*signer, error) {
	stored, ok, err := store.Get(signingKeyStoreKey)
	if err != nil {
		return nil, fmt.Errorf("reading signing seed: %w", err)
	}

	var seed []byte
	if ok {
		seed, err = base64.StdEncoding.DecodeString(stored)
		if err != nil {
			return nil, fmt.Errorf("decoding signing seed: %w", err)
		}
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("signing seed has %d bytes, want %d", len(seed), ed25519.SeedSize)
		}
	} else {
		seed = make([]byte, ed25519.SeedSize)
		if _, err := rand.Read(seed); err != nil {
			return nil, fmt.Errorf("generating signing seed: %w", err)
		}
		if err := store.Put(signingKeyStoreKey, base64.StdEncoding.EncodeToString(seed)); err != nil {
			return nil, fmt.Errorf("persisting signing seed: %w", err)
		}
	}

	priv := ed25519.NewKeyFromSeed(seed)
	return &signer{
		priv: priv,
		pub:  priv.Public().(ed25519.PublicKey),
	}, nil
}

// sign serializes data (JSON with sorted keys) and returns the
// {data, signature} envelope as a JSON string.
func (s *signer) sign(data map[string]any) (string, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("marshaling alert payload: %w", err)
	}

	sig := ed25519.Sign(s.priv, payload)
	envelope, err := json.Marshal(signedEnvelope{
		Data:      data,
		Signature: base64.StdEncoding.EncodeToString(sig),
	})
	if err != nil {
		return "", fmt.Errorf("marshaling signed envelope: %w", err)
	}
	return string(envelope), nil
}

// verify checks a signed envelope against the public key.
func (s *signer) verify(signedJSON string) bool {
	var env signedEnvelope
	if err := json.Unmarshal([]byte(signedJSON), &env); err != nil {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(env.Signature)
	if err != nil {
		return false
	}
	payload, err := json.Marshal(env.Data)
	if err != nil {
		return false
	}
	return ed25519.Verify(s.pub, payload, sig)
}

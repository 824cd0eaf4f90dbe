// Package crypto holds the signing primitives for ledger blocks: Ed25519
// signers, deterministic key derivation per signer kind, and the
// kind→public-key registry consulted when finalization blocks are verified.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Signer kinds accepted on RESULT_FINALIZED blocks.
const (
	KindAIVerifier      = "ai-verifier"
	KindHumanVerifier   = "human-verifier"
	KindAdminController = "admin-controller"
)

// RequiredKinds lists the signer kinds a finalization must draw from.
var RequiredKinds = []string{KindAIVerifier, KindHumanVerifier, KindAdminController}

// KnownKind reports whether kind is one of the accepted signer kinds.
func KnownKind(kind string) bool {
	for _, k := range RequiredKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Signer interface for cryptographic signatures.
type Signer interface {
	Sign(data []byte) (string, error)
	PublicKey() string
	PublicKeyBytes() []byte
}

// Ed25519Signer implementation.
type Ed25519Signer struct {
	privKey ed25519.PrivateKey
	pubKey  ed25519.PublicKey
	KeyID   string
}

func NewEd25519Signer(keyID string) (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &Ed25519Signer{
		privKey: priv,
		pubKey:  pub,
		KeyID:   keyID,
	}, nil
}

func NewEd25519SignerFromKey(priv ed25519.PrivateKey, keyID string) *Ed25519Signer {
	return &Ed25519Signer{
		privKey: priv,
		pubKey:  priv.Public().(ed25519.PublicKey),
		KeyID:   keyID,
	}
}

func (s *Ed25519Signer) Sign(data []byte) (string, error) {
	sig := ed25519.Sign(s.privKey, data)
	return hex.EncodeToString(sig), nil
}

func (s *Ed25519Signer) PublicKey() string {
	return hex.EncodeToString(s.pubKey)
}

func (s *Ed25519Signer) PublicKeyBytes() []byte {
	return s.pubKey
}

func (s *Ed25519Signer) Verify(message []byte, signature []byte) bool {
	return ed25519.Verify(s.pubKey, message, signature)
}

// Verify verifies a hex signature against a hex public key.
func Verify(pubKeyHex, sigHex string, data []byte) (bool, error) {
	pubKey, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false, fmt.Errorf("invalid public key hex: %w", err)
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(pubKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key size")
	}
	return ed25519.Verify(ed25519.PublicKey(pubKey), data, sig), nil
}

// DeriveSigner derives the deterministic Ed25519 signer for one signer kind
// from a master seed using HKDF-SHA256. Deployments that keep one secret and
// derive the ai-verifier, human-verifier and admin-controller keys from it
// get stable keypairs across restarts.
func DeriveSigner(masterSeedHex, kind string) (*Ed25519Signer, error) {
	if kind == "" {
		return nil, fmt.Errorf("signer kind must not be empty")
	}
	seed, err := hex.DecodeString(masterSeedHex)
	if err != nil {
		return nil, fmt.Errorf("invalid master seed hex: %w", err)
	}
	if len(seed) < 16 {
		return nil, fmt.Errorf("master seed too short: %d bytes", len(seed))
	}

	hkdfReader := hkdf.New(sha256.New, seed, []byte("omrchain-signer-kdf"), []byte(kind))
	kindSeed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(hkdfReader, kindSeed); err != nil {
		return nil, fmt.Errorf("HKDF derivation failed: %w", err)
	}

	priv := ed25519.NewKeyFromSeed(kindSeed)
	return NewEd25519SignerFromKey(priv, kind), nil
}

package crypto

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// RegisteredKey is one entry in the signer registry file.
type RegisteredKey struct {
	Kind      string `yaml:"kind"`
	KeyID     string `yaml:"key_id"`
	PublicKey string `yaml:"public_key"`
}

type registryFile struct {
	Signers []RegisteredKey `yaml:"signers"`
}

// Registry maps signer kinds to their public keys. Loaded once at startup
// and read-only afterwards.
type Registry struct {
	byKind map[string]RegisteredKey
}

// LoadRegistry reads a YAML signer registry:
//
//	signers:
//	  - kind: ai-verifier
//	    key_id: ai-1
//	    public_key: <hex>
func LoadRegistry(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("signer registry: %w", err)
	}
	return ParseRegistry(raw)
}

// ParseRegistry parses registry YAML bytes.
func ParseRegistry(raw []byte) (*Registry, error) {
	var f registryFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("signer registry: parse: %w", err)
	}
	if len(f.Signers) == 0 {
		return nil, fmt.Errorf("signer registry: no signers declared")
	}

	byKind := make(map[string]RegisteredKey, len(f.Signers))
	for _, s := range f.Signers {
		if !KnownKind(s.Kind) {
			return nil, fmt.Errorf("signer registry: unknown signer kind %q", s.Kind)
		}
		if _, dup := byKind[s.Kind]; dup {
			return nil, fmt.Errorf("signer registry: duplicate kind %q", s.Kind)
		}
		pk, err := hex.DecodeString(s.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("signer registry: kind %q: invalid public key hex: %w", s.Kind, err)
		}
		if len(pk) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("signer registry: kind %q: invalid public key size", s.Kind)
		}
		byKind[s.Kind] = s
	}
	return &Registry{byKind: byKind}, nil
}

// NewRegistry builds a registry directly from keys, for tests and for
// seed-derived deployments.
func NewRegistry(keys ...RegisteredKey) (*Registry, error) {
	raw, err := yaml.Marshal(registryFile{Signers: keys})
	if err != nil {
		return nil, fmt.Errorf("signer registry: %w", err)
	}
	return ParseRegistry(raw)
}

// RegistryFromSeed derives all required signer kinds from one master seed.
func RegistryFromSeed(masterSeedHex string) (*Registry, error) {
	keys := make([]RegisteredKey, 0, len(RequiredKinds))
	for _, kind := range RequiredKinds {
		s, err := DeriveSigner(masterSeedHex, kind)
		if err != nil {
			return nil, err
		}
		keys = append(keys, RegisteredKey{Kind: kind, KeyID: kind, PublicKey: s.PublicKey()})
	}
	return NewRegistry(keys...)
}

// PublicKey returns the registered hex public key for a signer kind.
func (r *Registry) PublicKey(kind string) (string, bool) {
	k, ok := r.byKind[kind]
	if !ok {
		return "", false
	}
	return k.PublicKey, true
}

// VerifyKind checks a hex signature produced by the named signer kind.
func (r *Registry) VerifyKind(kind, sigHex string, data []byte) (bool, error) {
	k, ok := r.byKind[kind]
	if !ok {
		return false, fmt.Errorf("signer kind %q not registered", kind)
	}
	return Verify(k.PublicKey, sigHex, data)
}

// Kinds lists the registered signer kinds in stable order.
func (r *Registry) Kinds() []string {
	out := make([]string, 0, len(r.byKind))
	for k := range r.byKind {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

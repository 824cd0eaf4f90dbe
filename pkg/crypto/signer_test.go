package crypto

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const testSeed = "8f3a1c9b2d4e6f708192a3b4c5d6e7f80112233445566778899aabbccddeeff0"

func TestSignAndVerify(t *testing.T) {
	s, err := NewEd25519Signer("test-key")
	require.NoError(t, err)

	msg := []byte("block subject")
	sig, err := s.Sign(msg)
	require.NoError(t, err)

	ok, err := Verify(s.PublicKey(), sig, msg)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = Verify(s.PublicKey(), sig, []byte("tampered"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestVerifyRejectsBadInputs(t *testing.T) {
	s, err := NewEd25519Signer("test-key")
	require.NoError(t, err)
	sig, err := s.Sign([]byte("m"))
	require.NoError(t, err)

	_, err = Verify("zz", sig, []byte("m"))
	require.Error(t, err)

	_, err = Verify(s.PublicKey(), "zz", []byte("m"))
	require.Error(t, err)

	_, err = Verify("abcd", sig, []byte("m"))
	require.Error(t, err, "short key must be rejected")
}

func TestDeriveSignerDeterministic(t *testing.T) {
	a, err := DeriveSigner(testSeed, KindAIVerifier)
	require.NoError(t, err)
	b, err := DeriveSigner(testSeed, KindAIVerifier)
	require.NoError(t, err)
	require.Equal(t, a.PublicKey(), b.PublicKey())

	other, err := DeriveSigner(testSeed, KindHumanVerifier)
	require.NoError(t, err)
	require.NotEqual(t, a.PublicKey(), other.PublicKey())
}

func TestDeriveSignerRejectsShortSeed(t *testing.T) {
	_, err := DeriveSigner("abcd", KindAIVerifier)
	require.Error(t, err)
}

func TestRegistryFromSeedVerifiesAllKinds(t *testing.T) {
	reg, err := RegistryFromSeed(testSeed)
	require.NoError(t, err)
	require.Equal(t, []string{KindAdminController, KindAIVerifier, KindHumanVerifier}, reg.Kinds())

	subject := []byte("merkle-root-bytes-under-test")

	for _, kind := range RequiredKinds {
		s, err := DeriveSigner(testSeed, kind)
		require.NoError(t, err)
		sig, err := s.Sign(subject)
		require.NoError(t, err)

		ok, err := reg.VerifyKind(kind, sig, subject)
		require.NoError(t, err)
		require.True(t, ok, "kind %s", kind)

		// Cross-kind verification must fail.
		for _, otherKind := range RequiredKinds {
			if otherKind == kind {
				continue
			}
			ok, err := reg.VerifyKind(otherKind, sig, subject)
			require.NoError(t, err)
			require.False(t, ok)
		}
	}
}

func TestLoadRegistryFromFile(t *testing.T) {
	ai, err := DeriveSigner(testSeed, KindAIVerifier)
	require.NoError(t, err)
	human, err := DeriveSigner(testSeed, KindHumanVerifier)
	require.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "signers.yaml")
	content := "signers:\n" +
		"  - kind: ai-verifier\n    key_id: ai-1\n    public_key: " + ai.PublicKey() + "\n" +
		"  - kind: human-verifier\n    key_id: human-1\n    public_key: " + human.PublicKey() + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	reg, err := LoadRegistry(path)
	require.NoError(t, err)

	pk, ok := reg.PublicKey(KindAIVerifier)
	require.True(t, ok)
	require.Equal(t, ai.PublicKey(), pk)

	_, ok = reg.PublicKey(KindAdminController)
	require.False(t, ok)
}

func TestParseRegistryRejections(t *testing.T) {
	_, err := ParseRegistry([]byte("signers: []"))
	require.Error(t, err)

	_, err = ParseRegistry([]byte("signers:\n  - kind: intern\n    public_key: abcd\n"))
	require.Error(t, err, "unknown kind")

	_, err = ParseRegistry([]byte("signers:\n  - kind: ai-verifier\n    public_key: nothex\n"))
	require.Error(t, err, "bad hex")
}

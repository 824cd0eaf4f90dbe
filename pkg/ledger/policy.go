package ledger

import (
	"encoding/hex"
	"fmt"

	"github.com/Scrutineer-Labs/omrchain/pkg/crypto"
)

// RequiredFinalizeSignatures is the minimum number of distinct signer
// kinds a RESULT_FINALIZED block must carry.
const RequiredFinalizeSignatures = 3

// SignaturePolicy inspects a fully assembled block before mining and
// rejects it when its signatures do not satisfy the rules for its kind.
type SignaturePolicy interface {
	Check(b *Block) error
}

// FinalizePolicy enforces the multi-signature rule: RESULT_FINALIZED
// blocks need at least three signatures from distinct signer kinds,
// each verifying over the block's merkle root against the registered
// public key for its kind. Other kinds pass unchecked.
type FinalizePolicy struct {
	registry *crypto.Registry
}

func NewFinalizePolicy(r *crypto.Registry) *FinalizePolicy {
	return &FinalizePolicy{registry: r}
}

func (p *FinalizePolicy) Check(b *Block) error {
	if b.Kind != KindResultFinalized {
		return nil
	}

	root, err := hex.DecodeString(b.MerkleRoot)
	if err != nil {
		return fmt.Errorf("decode merkle root: %w", err)
	}

	seen := make(map[string]bool, len(b.Signatures))
	for _, sig := range b.Signatures {
		if !crypto.KnownKind(sig.SignerKind) {
			return fmt.Errorf("signer kind %q: %w", sig.SignerKind, ErrSignatureInvalid)
		}
		registered, ok := p.registry.PublicKey(sig.SignerKind)
		if !ok {
			return fmt.Errorf("signer kind %q has no registered key: %w", sig.SignerKind, ErrSignatureInvalid)
		}
		if sig.PublicKey != "" && sig.PublicKey != registered {
			return fmt.Errorf("signer kind %q: public key differs from registry: %w", sig.SignerKind, ErrSignatureInvalid)
		}
		valid, err := p.registry.VerifyKind(sig.SignerKind, sig.Sig, root)
		if err != nil {
			return fmt.Errorf("signer kind %q: %v: %w", sig.SignerKind, err, ErrSignatureInvalid)
		}
		if !valid {
			return fmt.Errorf("signer kind %q: %w", sig.SignerKind, ErrSignatureInvalid)
		}
		seen[sig.SignerKind] = true
	}

	if len(seen) < RequiredFinalizeSignatures {
		return fmt.Errorf("%d distinct signer kinds, need %d: %w",
			len(seen), RequiredFinalizeSignatures, ErrSignatureInsufficient)
	}
	return nil
}

// SignRoot produces a block signature over a payload merkle root.
// Signers endorse the root before the block is assembled; the root
// depends only on the payload entries.
func SignRoot(kind string, s crypto.Signer, rootHex string) (Signature, error) {
	root, err := hex.DecodeString(rootHex)
	if err != nil {
		return Signature{}, fmt.Errorf("decode merkle root: %w", err)
	}
	sigHex, err := s.Sign(root)
	if err != nil {
		return Signature{}, fmt.Errorf("sign root as %s: %w", kind, err)
	}
	sig := Signature{SignerKind: kind, PublicKey: s.PublicKey(), Sig: sigHex}
	if es, ok := s.(*crypto.Ed25519Signer); ok {
		sig.KeyID = es.KeyID
	}
	return sig, nil
}

package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/Scrutineer-Labs/omrchain/pkg/canonical"
)

// ZeroHash is the prev_hash of the first block.
const ZeroHash = "0000000000000000000000000000000000000000000000000000000000000000"

// PayloadEntry commits one domain value to a block. ValueHash is the
// content hash of the canonically serialized value; the value itself
// lives in the entity store.
type PayloadEntry struct {
	Key       string `json:"key"`
	ValueHash string `json:"value_hash"`
}

// Entry builds a payload entry by canonically hashing v.
func Entry(key string, v any) (PayloadEntry, error) {
	h, err := HashPayloadValue(v)
	if err != nil {
		return PayloadEntry{}, fmt.Errorf("payload entry %q: %w", key, err)
	}
	return PayloadEntry{Key: key, ValueHash: h}, nil
}

// HashPayloadValue returns the content hash committed for a payload
// value: sha256 over its canonical JSON form.
func HashPayloadValue(v any) (string, error) {
	raw, err := canonical.JCS(v)
	if err != nil {
		return "", err
	}
	return canonical.ContentHash(raw), nil
}

// PayloadBuilder accumulates entries in order and carries the first
// hashing error to the end, so callers chain Adds without per-entry
// checks.
type PayloadBuilder struct {
	entries []PayloadEntry
	err     error
}

// Add appends one entry. A nil error from every Add is reported by
// Entries.
func (p *PayloadBuilder) Add(key string, v any) *PayloadBuilder {
	if p.err != nil {
		return p
	}
	e, err := Entry(key, v)
	if err != nil {
		p.err = err
		return p
	}
	p.entries = append(p.entries, e)
	return p
}

// Entries returns the accumulated payload or the first Add error.
func (p *PayloadBuilder) Entries() ([]PayloadEntry, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.entries, nil
}

// Signature is one signer's endorsement of a block. The signed message
// is the block's merkle root (hex-decoded), so a signature stays
// verifiable from the chain alone.
type Signature struct {
	SignerKind string `json:"signer_kind"`
	KeyID      string `json:"key_id,omitempty"`
	PublicKey  string `json:"public_key"`
	Sig        string `json:"signature"`
}

// Block is one immutable record in the chain.
type Block struct {
	Index      uint64         `json:"index"`
	Timestamp  int64          `json:"timestamp"` // UTC nanoseconds
	Kind       Kind           `json:"kind"`
	Payload    []PayloadEntry `json:"payload"`
	MerkleRoot string         `json:"merkle_root"`
	PrevHash   string         `json:"prev_hash"`
	Signatures []Signature    `json:"signatures"`
	Nonce      uint64         `json:"nonce"`
	SelfHash   string         `json:"self_hash,omitempty"`
}

// hashSubject is the canonical form fed to the block hash. The payload
// is covered through MerkleRoot rather than repeated here.
type hashSubject struct {
	Index      uint64      `json:"index"`
	Timestamp  int64       `json:"timestamp"`
	Kind       Kind        `json:"kind"`
	MerkleRoot string      `json:"merkle_root"`
	PrevHash   string      `json:"prev_hash"`
	Signatures []Signature `json:"signatures"`
	Nonce      uint64      `json:"nonce"`
}

// ComputeSelfHash hashes the block header fields. Payload entries are
// covered indirectly through the merkle root.
func (b *Block) ComputeSelfHash() (string, error) {
	sigs := b.Signatures
	if sigs == nil {
		sigs = []Signature{}
	}
	raw, err := canonical.JCS(hashSubject{
		Index:      b.Index,
		Timestamp:  b.Timestamp,
		Kind:       b.Kind,
		MerkleRoot: b.MerkleRoot,
		PrevHash:   b.PrevHash,
		Signatures: sigs,
		Nonce:      b.Nonce,
	})
	if err != nil {
		return "", fmt.Errorf("block %d: %w", b.Index, err)
	}
	return canonical.HashBytes(raw), nil
}

// MeetsDifficulty reports whether the self hash starts with d hex zeros.
func (b *Block) MeetsDifficulty(d int) bool {
	if d <= 0 {
		return b.SelfHash != ""
	}
	return strings.HasPrefix(b.SelfHash, strings.Repeat("0", d))
}

// Mine scans nonces until the self hash meets the difficulty predicate
// or the attempt budget runs out. Difficulty 0 accepts the first hash.
func (b *Block) Mine(ctx context.Context, difficulty int, budget uint64) error {
	target := strings.Repeat("0", difficulty)
	for attempt := uint64(0); ; attempt++ {
		if attempt%4096 == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}
		h, err := b.ComputeSelfHash()
		if err != nil {
			return err
		}
		if strings.HasPrefix(h, target) {
			b.SelfHash = h
			return nil
		}
		if attempt >= budget {
			return fmt.Errorf("difficulty %d after %d attempts: %w", difficulty, attempt+1, ErrMiningBudgetExceeded)
		}
		b.Nonce++
	}
}

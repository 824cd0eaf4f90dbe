package ledger

import (
	"context"
	"testing"
)

func baseBlock() Block {
	payload := []PayloadEntry{{Key: "sheet_id", ValueHash: "sha256:aa"}}
	return Block{
		Index:      3,
		Timestamp:  1700000000000000000,
		Kind:       KindScored,
		Payload:    payload,
		MerkleRoot: PayloadRoot(payload),
		PrevHash:   ZeroHash,
	}
}

func TestComputeSelfHashDeterministic(t *testing.T) {
	b := baseBlock()
	a, err := b.ComputeSelfHash()
	if err != nil {
		t.Fatal(err)
	}
	c, err := b.ComputeSelfHash()
	if err != nil {
		t.Fatal(err)
	}
	if a != c {
		t.Fatalf("hash not deterministic: %s vs %s", a, c)
	}
	if len(a) != 64 {
		t.Fatalf("hash length = %d, want 64", len(a))
	}
}

func TestSelfHashCoversHeaderFields(t *testing.T) {
	base := baseBlock()
	baseHash, err := base.ComputeSelfHash()
	if err != nil {
		t.Fatal(err)
	}

	cases := map[string]func(*Block){
		"index":       func(b *Block) { b.Index++ },
		"timestamp":   func(b *Block) { b.Timestamp++ },
		"kind":        func(b *Block) { b.Kind = KindReconciled },
		"merkle_root": func(b *Block) { b.MerkleRoot = PayloadRoot(nil) },
		"prev_hash":   func(b *Block) { b.PrevHash = "ff" + b.PrevHash[2:] },
		"nonce":       func(b *Block) { b.Nonce++ },
		"signatures": func(b *Block) {
			b.Signatures = []Signature{{SignerKind: "ai-verifier", PublicKey: "ab", Sig: "cd"}}
		},
	}
	for name, mutate := range cases {
		b := baseBlock()
		mutate(&b)
		h, err := b.ComputeSelfHash()
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if h == baseHash {
			t.Errorf("mutating %s did not change the self hash", name)
		}
	}
}

func TestSelfHashIgnoresPayloadBody(t *testing.T) {
	// The payload is committed through the merkle root; swapping the
	// entries without updating the root must not change the hash.
	// Validate catches the mismatch instead.
	a := baseBlock()
	b := baseBlock()
	b.Payload = []PayloadEntry{{Key: "other", ValueHash: "sha256:zz"}}

	ha, err := a.ComputeSelfHash()
	if err != nil {
		t.Fatal(err)
	}
	hb, err := b.ComputeSelfHash()
	if err != nil {
		t.Fatal(err)
	}
	if ha != hb {
		t.Fatal("self hash must cover the payload only through the merkle root")
	}
}

func TestMineZeroDifficultyKeepsNonce(t *testing.T) {
	b := baseBlock()
	if err := b.Mine(context.Background(), 0, 10); err != nil {
		t.Fatal(err)
	}
	if b.Nonce != 0 {
		t.Fatalf("nonce = %d, want 0 at difficulty 0", b.Nonce)
	}
	if !b.MeetsDifficulty(0) {
		t.Fatal("mined block must meet difficulty 0")
	}
}

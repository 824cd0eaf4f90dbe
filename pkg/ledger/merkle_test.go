package ledger

import "testing"

func TestPayloadRootDeterministic(t *testing.T) {
	entries := []PayloadEntry{
		{Key: "sheet_id", ValueHash: "sha256:aa"},
		{Key: "reading", ValueHash: "sha256:bb"},
	}
	a := PayloadRoot(entries)
	b := PayloadRoot(entries)
	if a != b {
		t.Fatalf("root not deterministic: %s vs %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("root length = %d, want 64", len(a))
	}
}

func TestPayloadRootOrderMatters(t *testing.T) {
	a := PayloadRoot([]PayloadEntry{{Key: "a", ValueHash: "1"}, {Key: "b", ValueHash: "2"}})
	b := PayloadRoot([]PayloadEntry{{Key: "b", ValueHash: "2"}, {Key: "a", ValueHash: "1"}})
	if a == b {
		t.Fatal("entry order must be part of the commitment")
	}
}

func TestPayloadRootValueChangesRoot(t *testing.T) {
	base := []PayloadEntry{
		{Key: "sheet_id", ValueHash: "sha256:aa"},
		{Key: "score", ValueHash: "sha256:bb"},
		{Key: "grade", ValueHash: "sha256:cc"},
	}
	root := PayloadRoot(base)

	mutated := make([]PayloadEntry, len(base))
	copy(mutated, base)
	mutated[1].ValueHash = "sha256:b0"
	if PayloadRoot(mutated) == root {
		t.Fatal("changing a value hash must change the root")
	}
}

func TestPayloadRootSingleLeafDuplicates(t *testing.T) {
	one := PayloadRoot([]PayloadEntry{{Key: "k", ValueHash: "v"}})
	two := PayloadRoot([]PayloadEntry{{Key: "k", ValueHash: "v"}, {Key: "k", ValueHash: "v"}})
	if one != two {
		t.Fatalf("single leaf must pair with itself: %s vs %s", one, two)
	}
	leaf := leafHash(PayloadEntry{Key: "k", ValueHash: "v"})
	if one == leaf {
		t.Fatal("single-leaf root must not be the bare leaf hash")
	}
}

func TestPayloadRootOddLeaves(t *testing.T) {
	three := []PayloadEntry{
		{Key: "a", ValueHash: "1"},
		{Key: "b", ValueHash: "2"},
		{Key: "c", ValueHash: "3"},
	}
	withDup := append(append([]PayloadEntry{}, three...), three[2])
	if PayloadRoot(three) != PayloadRoot(withDup) {
		t.Fatal("odd level must duplicate its last node")
	}
}

func TestPayloadRootEmpty(t *testing.T) {
	got := PayloadRoot(nil)
	// sha256 of the empty string.
	want := "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if got != want {
		t.Fatalf("empty payload root = %s, want %s", got, want)
	}
}

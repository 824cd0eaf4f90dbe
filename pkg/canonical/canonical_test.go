package canonical

import (
	"strings"
	"testing"
)

func TestJCSKeyOrdering(t *testing.T) {
	type pair struct {
		B int `json:"b"`
		A int `json:"a"`
	}
	out, err := JCS(pair{B: 2, A: 1})
	if err != nil {
		t.Fatalf("JCS failed: %v", err)
	}
	if string(out) != `{"a":1,"b":2}` {
		t.Fatalf("unexpected canonical form: %s", out)
	}
}

func TestCanonicalHashStable(t *testing.T) {
	v := map[string]any{"x": 1, "y": "two", "z": []int{3, 4}}
	h1, err := CanonicalHash(v)
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	h2, err := CanonicalHash(v)
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("hash not stable: %s vs %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(h1))
	}
}

func TestCanonicalHashDiffersOnChange(t *testing.T) {
	h1, _ := CanonicalHash(map[string]int{"q": 1})
	h2, _ := CanonicalHash(map[string]int{"q": 2})
	if h1 == h2 {
		t.Fatal("distinct values hashed equal")
	}
}

func TestContentHashPrefix(t *testing.T) {
	h := ContentHash([]byte("sheet image bytes"))
	if !strings.HasPrefix(h, "sha256:") {
		t.Fatalf("missing prefix: %s", h)
	}
	if !IsContentHash(h) {
		t.Fatalf("IsContentHash rejected %s", h)
	}
	if IsContentHash("sha256:nothex") {
		t.Fatal("IsContentHash accepted junk")
	}
	if IsContentHash(strings.TrimPrefix(h, "sha256:")) {
		t.Fatal("IsContentHash accepted unprefixed hash")
	}
}

func TestNormalizeAnswer(t *testing.T) {
	cases := map[string]string{
		" a ":      "A",
		"B":        "B",
		"multiple": "MULTIPLE",
		"x":        "X",
	}
	for in, want := range cases {
		if got := NormalizeAnswer(in); got != want {
			t.Fatalf("NormalizeAnswer(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeRollComposesUnicode(t *testing.T) {
	// e + combining acute vs precomposed é must normalize identically.
	decomposed := "é-101"
	composed := "é-101"
	if NormalizeRoll(decomposed) != NormalizeRoll(composed) {
		t.Fatal("NFC normalization missing")
	}
}

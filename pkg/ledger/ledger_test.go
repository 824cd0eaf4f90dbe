package ledger

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Scrutineer-Labs/omrchain/pkg/crypto"
)

const testSeed = "8f3a1c9b2d4e6f708192a3b4c5d6e7f80112233445566778899aabbccddeeff0"

func newTestLedger(t *testing.T, opts ...Option) (*Ledger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chain.dat")
	l, err := Open(path, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l, path
}

func sheetPayload(sheetID string) []PayloadEntry {
	e, _ := Entry("sheet_id", sheetID)
	return []PayloadEntry{e}
}

func TestAppendBuildsLinkedChain(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	kinds := []Kind{KindSheetIngested, KindQualityAssessed, KindBubblesRead}
	prev := ZeroHash
	for i, kind := range kinds {
		b, err := l.Append(ctx, kind, sheetPayload("sheet-1"), nil)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), b.Index)
		assert.Equal(t, prev, b.PrevHash)
		assert.Len(t, b.SelfHash, 64)
		prev = b.SelfHash
	}

	assert.Equal(t, 3, l.Len())
	head, ok := l.Head()
	require.True(t, ok)
	assert.Equal(t, prev, head.SelfHash)
	require.NoError(t, l.Validate())
	assert.False(t, l.ReadOnly())
}

func TestAppendRejectsUnknownKind(t *testing.T) {
	l, _ := newTestLedger(t)
	_, err := l.Append(context.Background(), Kind("GENESIS"), nil, nil)
	require.ErrorIs(t, err, ErrUnknownKind)
	assert.Equal(t, 0, l.Len())
}

func TestEmptyPayloadAppend(t *testing.T) {
	l, _ := newTestLedger(t)
	b, err := l.Append(context.Background(), KindAnswerKeyLocked, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, PayloadRoot(nil), b.MerkleRoot)
	require.NoError(t, l.Validate())
}

func TestReopenRestoresChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chain.dat")
	ctx := context.Background()

	l, err := Open(path)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := l.Append(ctx, KindSheetIngested, sheetPayload("sheet-1"), nil)
		require.NoError(t, err)
	}
	head, _ := l.Head()
	require.NoError(t, l.Close())

	l2, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = l2.Close() }()

	assert.Equal(t, 3, l2.Len())
	head2, ok := l2.Head()
	require.True(t, ok)
	assert.Equal(t, head.SelfHash, head2.SelfHash)

	b, err := l2.Append(ctx, KindQualityAssessed, sheetPayload("sheet-1"), nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), b.Index)
	assert.Equal(t, head.SelfHash, b.PrevHash)
	require.NoError(t, l2.Validate())
}

func TestAppendAfterDetectsStaleHead(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	first, err := l.AppendAfter(ctx, ZeroHash, KindSheetIngested, sheetPayload("sheet-1"), nil)
	require.NoError(t, err)

	// A writer that prepared against the empty chain is now stale.
	_, err = l.AppendAfter(ctx, ZeroHash, KindQualityAssessed, sheetPayload("sheet-1"), nil)
	require.ErrorIs(t, err, ErrChainStale)
	assert.Equal(t, 1, l.Len())

	_, err = l.AppendAfter(ctx, first.SelfHash, KindQualityAssessed, sheetPayload("sheet-1"), nil)
	require.NoError(t, err)
}

// recordOffsets walks the length-prefixed records and returns the byte
// offset where each one starts.
func recordOffsets(t *testing.T, data []byte) []int {
	t.Helper()
	var offs []int
	off := 0
	for off < len(data) {
		offs = append(offs, off)
		require.GreaterOrEqual(t, len(data), off+4)
		n := int(binary.BigEndian.Uint32(data[off : off+4]))
		off += 4 + n + recordHashLen
	}
	require.Equal(t, len(data), off)
	return offs
}

func TestTamperedBlockFailsValidation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chain.dat")
	ctx := context.Background()

	l, err := Open(path)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		_, err := l.Append(ctx, KindSheetIngested, sheetPayload("sheet-1"), nil)
		require.NoError(t, err)
	}
	tampered, err := l.GetByIndex(5)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	// Flip one hex digit of block 5's merkle root on disk.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	offs := recordOffsets(t, data)
	require.Len(t, offs, 10)

	end := len(data)
	if len(offs) > 6 {
		end = offs[6]
	}
	record := data[offs[5]:end]
	rel := bytes.Index(record, []byte(tampered.MerkleRoot))
	require.GreaterOrEqual(t, rel, 0)
	pos := offs[5] + rel
	if data[pos] == '0' {
		data[pos] = 'f'
	} else {
		data[pos] = '0'
	}
	require.NoError(t, os.WriteFile(path, data, 0o600))

	// Linkage still holds, so the file opens; the full walk rejects it.
	l2, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = l2.Close() }()

	err = l2.Validate()
	require.Error(t, err)
	var corrupt *CorruptError
	require.ErrorAs(t, err, &corrupt)
	assert.Equal(t, uint64(5), corrupt.Index)

	// The chain is now read-only.
	assert.True(t, l2.ReadOnly())
	_, err = l2.Append(ctx, KindQualityAssessed, sheetPayload("sheet-1"), nil)
	require.ErrorIs(t, err, ErrReadOnly)
}

func TestValidateDetectsTruncation(t *testing.T) {
	l, path := newTestLedger(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := l.Append(ctx, KindSheetIngested, sheetPayload("sheet-1"), nil)
		require.NoError(t, err)
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	offs := recordOffsets(t, data)
	require.NoError(t, os.Truncate(path, int64(offs[3])))

	err = l.Validate()
	var corrupt *CorruptError
	require.ErrorAs(t, err, &corrupt)
	assert.Equal(t, uint64(3), corrupt.Index)
	assert.True(t, l.ReadOnly())
}

func TestDroppedBlockRefusesOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chain.dat")
	ctx := context.Background()

	l, err := Open(path)
	require.NoError(t, err)
	for i := 0; i < 6; i++ {
		_, err := l.Append(ctx, KindSheetIngested, sheetPayload("sheet-1"), nil)
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	// Splice record 3 out of the file. Framing stays intact, so this is
	// a linkage failure, not a torn tail.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	offs := recordOffsets(t, data)
	require.Len(t, offs, 6)
	spliced := append(append([]byte{}, data[:offs[3]]...), data[offs[4]:]...)
	require.NoError(t, os.WriteFile(path, spliced, 0o600))

	_, err = Open(path)
	var corrupt *CorruptError
	require.ErrorAs(t, err, &corrupt)
	assert.Equal(t, uint64(3), corrupt.Index)
	assert.Contains(t, corrupt.Reason, "out of sequence")
}

func TestTornTailDroppedOnOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chain.dat")
	ctx := context.Background()

	l, err := Open(path)
	require.NoError(t, err)
	_, err = l.Append(ctx, KindSheetIngested, sheetPayload("sheet-1"), nil)
	require.NoError(t, err)
	_, err = l.Append(ctx, KindQualityAssessed, sheetPayload("sheet-1"), nil)
	require.NoError(t, err)
	require.NoError(t, l.Close())

	goodSize, err := os.Stat(path)
	require.NoError(t, err)

	// Simulate a crash mid-append: a length prefix promising more bytes
	// than were ever written.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	require.NoError(t, err)
	var lenb [4]byte
	binary.BigEndian.PutUint32(lenb[:], 500)
	_, err = f.Write(append(lenb[:], []byte("partial")...))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	l2, err := Open(path)
	require.NoError(t, err)
	defer func() { _ = l2.Close() }()

	assert.Equal(t, 2, l2.Len())
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, goodSize.Size(), info.Size())

	b, err := l2.Append(ctx, KindBubblesRead, sheetPayload("sheet-1"), nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), b.Index)
	require.NoError(t, l2.Validate())
}

func finalizeSigs(t *testing.T, root string, kinds ...string) []Signature {
	t.Helper()
	sigs := make([]Signature, 0, len(kinds))
	for _, kind := range kinds {
		s, err := crypto.DeriveSigner(testSeed, kind)
		require.NoError(t, err)
		sig, err := SignRoot(kind, s, root)
		require.NoError(t, err)
		sigs = append(sigs, sig)
	}
	return sigs
}

func TestFinalizeRequiresThreeDistinctSigners(t *testing.T) {
	reg, err := crypto.RegistryFromSeed(testSeed)
	require.NoError(t, err)
	l, _ := newTestLedger(t, WithPolicy(NewFinalizePolicy(reg)))
	ctx := context.Background()

	payload := sheetPayload("sheet-1")
	root := PayloadRoot(payload)

	// Unsigned finalization is refused.
	_, err = l.Append(ctx, KindResultFinalized, payload, nil)
	require.ErrorIs(t, err, ErrSignatureInsufficient)

	// Two distinct kinds are not enough.
	_, err = l.Append(ctx, KindResultFinalized, payload,
		finalizeSigs(t, root, crypto.KindAIVerifier, crypto.KindHumanVerifier))
	require.ErrorIs(t, err, ErrSignatureInsufficient)

	// Three signatures but only two distinct kinds.
	_, err = l.Append(ctx, KindResultFinalized, payload,
		finalizeSigs(t, root, crypto.KindAIVerifier, crypto.KindHumanVerifier, crypto.KindHumanVerifier))
	require.ErrorIs(t, err, ErrSignatureInsufficient)

	// A signature over the wrong subject is rejected outright.
	badSigs := finalizeSigs(t, root, crypto.KindAIVerifier, crypto.KindHumanVerifier)
	badSigs = append(badSigs, finalizeSigs(t, PayloadRoot(sheetPayload("sheet-2")), crypto.KindAdminController)...)
	_, err = l.Append(ctx, KindResultFinalized, payload, badSigs)
	require.ErrorIs(t, err, ErrSignatureInvalid)

	// An unknown signer kind is rejected.
	sigs := finalizeSigs(t, root, crypto.KindAIVerifier, crypto.KindHumanVerifier, crypto.KindAdminController)
	unknown := sigs[0]
	unknown.SignerKind = "intern"
	_, err = l.Append(ctx, KindResultFinalized, payload, append([]Signature{unknown}, sigs...))
	require.ErrorIs(t, err, ErrSignatureInvalid)

	// All three kinds present and valid.
	b, err := l.Append(ctx, KindResultFinalized, payload, sigs)
	require.NoError(t, err)
	assert.Len(t, b.Signatures, 3)
	require.NoError(t, l.Validate())

	// Other kinds are not subject to the policy.
	_, err = l.Append(ctx, KindSheetIngested, payload, nil)
	require.NoError(t, err)
}

func TestMiningMeetsDifficulty(t *testing.T) {
	l, _ := newTestLedger(t, WithDifficulty(1))
	b, err := l.Append(context.Background(), KindSheetIngested, sheetPayload("sheet-1"), nil)
	require.NoError(t, err)
	assert.Equal(t, byte('0'), b.SelfHash[0])
	require.NoError(t, l.Validate())
}

func TestMiningBudgetExceeded(t *testing.T) {
	// 64 leading zeros cannot be found inside any practical budget.
	l, path := newTestLedger(t, WithDifficulty(64), WithMiningBudget(50))
	_, err := l.Append(context.Background(), KindSheetIngested, sheetPayload("sheet-1"), nil)
	require.ErrorIs(t, err, ErrMiningBudgetExceeded)
	assert.Equal(t, 0, l.Len())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(0), info.Size(), "a failed mine must leave no bytes behind")
}

func TestMiningHonorsContext(t *testing.T) {
	l, _ := newTestLedger(t, WithDifficulty(64))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.Append(ctx, KindSheetIngested, sheetPayload("sheet-1"), nil)
	require.ErrorIs(t, err, context.Canceled)
}

func TestClockInjection(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 26, 53, 589793238, time.UTC)
	l, _ := newTestLedger(t, WithClock(func() time.Time { return at }))
	b, err := l.Append(context.Background(), KindSheetIngested, sheetPayload("sheet-1"), nil)
	require.NoError(t, err)
	assert.Equal(t, at.UnixNano(), b.Timestamp)
}

func TestLookups(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	s1 := sheetPayload("sheet-1")
	s2 := sheetPayload("sheet-2")
	_, err := l.Append(ctx, KindSheetIngested, s1, nil)
	require.NoError(t, err)
	_, err = l.Append(ctx, KindSheetIngested, s2, nil)
	require.NoError(t, err)
	third, err := l.Append(ctx, KindQualityAssessed, s1, nil)
	require.NoError(t, err)

	byIdx, err := l.GetByIndex(2)
	require.NoError(t, err)
	assert.Equal(t, third.SelfHash, byIdx.SelfHash)
	_, err = l.GetByIndex(99)
	require.ErrorIs(t, err, ErrNotFound)

	byHash, err := l.GetByHash(third.SelfHash)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), byHash.Index)
	_, err = l.GetByHash("feedface")
	require.ErrorIs(t, err, ErrNotFound)

	page := l.Range(-1, 2)
	require.Len(t, page, 2)
	assert.Equal(t, uint64(0), page[0].Index)
	assert.Equal(t, uint64(1), page[1].Index)
	rest := l.Range(1, 50)
	require.Len(t, rest, 1)
	assert.Equal(t, uint64(2), rest[0].Index)
	assert.Empty(t, l.Range(2, 50))

	mine := l.ByPayloadValue("sheet_id", s1[0].ValueHash)
	require.Len(t, mine, 2)
	assert.Equal(t, uint64(0), mine[0].Index)
	assert.Equal(t, uint64(2), mine[1].Index)

	stats := l.Stats()
	assert.Equal(t, 3, stats.TotalBlocks)
	assert.Equal(t, 2, stats.Kinds[KindSheetIngested])
	assert.Equal(t, 1, stats.Kinds[KindQualityAssessed])
	assert.Equal(t, third.SelfHash, stats.HeadHash)
	assert.False(t, stats.ReadOnly)

	proof, err := l.Proof(1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), proof.BlockIndex)
	assert.Equal(t, 3, proof.ChainLength)
	assert.Equal(t, third.SelfHash, proof.HeadHash)
	_, err = l.Proof(9)
	require.ErrorIs(t, err, ErrNotFound)
}

// TestChainLinkageExhaustive drives a longer mixed workload and checks
// the linkage invariants hold at every step.
func TestChainLinkageExhaustive(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	prev := ZeroHash
	for i := 0; i < 25; i++ {
		var payload []PayloadEntry
		for j := 0; j < i%4; j++ {
			e, err := Entry("field", []any{i, j})
			require.NoError(t, err)
			payload = append(payload, e)
		}
		kind := AllKinds[i%len(AllKinds)]
		if kind == KindResultFinalized {
			kind = KindScored
		}

		b, err := l.Append(ctx, kind, payload, nil)
		require.NoError(t, err)
		require.Equal(t, uint64(i), b.Index)
		require.Equal(t, prev, b.PrevHash)
		require.Equal(t, PayloadRoot(payload), b.MerkleRoot)

		got, err := l.GetByHash(b.SelfHash)
		require.NoError(t, err)
		require.Equal(t, b.Index, got.Index)
		prev = b.SelfHash
	}

	require.NoError(t, l.Validate())
	head, ok := l.Head()
	require.True(t, ok)
	require.Equal(t, prev, head.SelfHash)
}

// Package ledger implements the append-only, hash-chained audit log
// every evaluation step is recorded in. Blocks link through their self
// hashes, commit their payloads through a merkle root, and are mined
// against a configurable difficulty before being fsynced to a
// length-prefixed record file. A single exclusive writer appends;
// readers see the chain as of the latest fsynced head.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

var (
	ErrReadOnly              = errors.New("ledger is read-only after integrity failure")
	ErrChainStale            = errors.New("chain head advanced during append")
	ErrMiningBudgetExceeded  = errors.New("mining budget exceeded")
	ErrSignatureInsufficient = errors.New("insufficient signatures for block kind")
	ErrSignatureInvalid      = errors.New("signature rejected")
	ErrUnknownKind           = errors.New("unknown block kind")
	ErrNotFound              = errors.New("block not found")
)

// CorruptError reports the first block that fails validation.
type CorruptError struct {
	Index  uint64
	Reason string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("chain corrupt at block %d: %s", e.Index, e.Reason)
}

// DefaultMiningBudget bounds the nonce scan per append.
const DefaultMiningBudget = 1 << 24

// Ledger is the file-backed chain. All appends go through one mutex;
// reads take a shared lock against the in-memory copy of the chain.
type Ledger struct {
	mu       sync.RWMutex
	path     string
	file     *os.File
	blocks   []Block
	byHash   map[string]int
	readOnly bool

	difficulty int
	budget     uint64
	clock      func() time.Time
	policy     SignaturePolicy
	archive    *Archive
	logger     *slog.Logger
}

// Option configures a Ledger at open time.
type Option func(*Ledger)

// WithDifficulty sets how many leading hex zeros a self hash needs.
func WithDifficulty(d int) Option {
	return func(l *Ledger) { l.difficulty = d }
}

// WithMiningBudget bounds the nonce scan per append.
func WithMiningBudget(n uint64) Option {
	return func(l *Ledger) { l.budget = n }
}

// WithClock overrides the timestamp source for testing.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) { l.clock = clock }
}

// WithPolicy installs the signature policy consulted on every append.
func WithPolicy(p SignaturePolicy) Option {
	return func(l *Ledger) { l.policy = p }
}

// WithArchive mirrors fsynced blocks into a relational archive.
func WithArchive(a *Archive) Option {
	return func(l *Ledger) { l.archive = a }
}

// WithLogger overrides the default logger.
func WithLogger(lg *slog.Logger) Option {
	return func(l *Ledger) { l.logger = lg }
}

// Open loads the chain at path, creating the file when absent. A
// partial trailing record is the residue of an append that never
// completed; it is dropped before the write handle is opened. Records
// that decode but do not link refuse to open.
func Open(path string, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		path:   path,
		byHash: make(map[string]int),
		budget: DefaultMiningBudget,
		clock:  time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read ledger %s: %w", path, err)
	}

	blocks, goodOffset, torn, err := decodeChain(data)
	if err != nil {
		return nil, fmt.Errorf("ledger %s: %w", path, err)
	}
	for i, b := range blocks {
		if b.Index != uint64(i) {
			return nil, &CorruptError{Index: uint64(i), Reason: fmt.Sprintf("index %d out of sequence", b.Index)}
		}
		if !b.Kind.Valid() {
			return nil, &CorruptError{Index: b.Index, Reason: fmt.Sprintf("unknown kind %q", b.Kind)}
		}
		prev := ZeroHash
		if i > 0 {
			prev = blocks[i-1].SelfHash
		}
		if b.PrevHash != prev {
			return nil, &CorruptError{Index: b.Index, Reason: "prev_hash does not match predecessor"}
		}
		l.byHash[b.SelfHash] = i
	}

	if torn {
		l.logger.Warn("ledger: dropping partial trailing record",
			"path", path, "offset", goodOffset, "blocks", len(blocks))
		if err := os.Truncate(path, goodOffset); err != nil {
			return nil, fmt.Errorf("drop partial record in %s: %w", path, err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	l.file = f
	l.blocks = blocks
	return l, nil
}

// Close releases the write handle. The ledger must not be used after.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Append mines and fsyncs a new head block.
func (l *Ledger) Append(ctx context.Context, kind Kind, payload []PayloadEntry, sigs []Signature) (Block, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(ctx, "", kind, payload, sigs)
}

// AppendAfter appends only if the head still matches prevHash, so a
// caller that prepared its block against a known head can detect an
// interleaved append. An empty chain matches ZeroHash.
func (l *Ledger) AppendAfter(ctx context.Context, prevHash string, kind Kind, payload []PayloadEntry, sigs []Signature) (Block, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(ctx, prevHash, kind, payload, sigs)
}

func (l *Ledger) appendLocked(ctx context.Context, expectPrev string, kind Kind, payload []PayloadEntry, sigs []Signature) (Block, error) {
	if l.readOnly {
		return Block{}, ErrReadOnly
	}
	if l.file == nil {
		return Block{}, fmt.Errorf("ledger %s is closed", l.path)
	}
	if !kind.Valid() {
		return Block{}, fmt.Errorf("kind %q: %w", kind, ErrUnknownKind)
	}

	prev := ZeroHash
	if n := len(l.blocks); n > 0 {
		prev = l.blocks[n-1].SelfHash
	}
	if expectPrev != "" && expectPrev != prev {
		return Block{}, fmt.Errorf("expected head %.12s, have %.12s: %w", expectPrev, prev, ErrChainStale)
	}

	if payload == nil {
		payload = []PayloadEntry{}
	}
	if sigs == nil {
		sigs = []Signature{}
	}

	b := Block{
		Index:      uint64(len(l.blocks)),
		Timestamp:  l.clock().UTC().UnixNano(),
		Kind:       kind,
		Payload:    payload,
		MerkleRoot: PayloadRoot(payload),
		PrevHash:   prev,
		Signatures: sigs,
	}

	if l.policy != nil {
		if err := l.policy.Check(&b); err != nil {
			return Block{}, err
		}
	}
	if err := b.Mine(ctx, l.difficulty, l.budget); err != nil {
		return Block{}, err
	}

	rec, err := encodeRecord(b)
	if err != nil {
		return Block{}, err
	}
	if _, err := l.file.Write(rec); err != nil {
		// The file state is unknown now; stop writing until repaired.
		l.readOnly = true
		return Block{}, fmt.Errorf("append block %d: %w", b.Index, err)
	}
	if err := l.file.Sync(); err != nil {
		l.readOnly = true
		return Block{}, fmt.Errorf("fsync block %d: %w", b.Index, err)
	}

	l.blocks = append(l.blocks, b)
	l.byHash[b.SelfHash] = int(b.Index)

	if l.archive != nil {
		if err := l.archive.Record(context.Background(), b); err != nil {
			l.logger.Warn("ledger: archive mirror failed", "index", b.Index, "error", err)
		}
	}
	return b, nil
}

// Validate re-reads the file and walks the whole chain: every block's
// merkle root and self hash are recomputed and checked together with
// index monotonicity, linkage, the difficulty predicate, and agreement
// with the fsynced head this process has seen. The first offending
// index is reported via CorruptError and the ledger flips read-only
// until repaired and reopened.
func (l *Ledger) Validate() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	err := l.validateLocked()
	if err != nil {
		l.readOnly = true
	}
	return err
}

func (l *Ledger) validateLocked() error {
	data, err := os.ReadFile(l.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read ledger %s: %w", l.path, err)
	}

	blocks, _, torn, derr := decodeChain(data)
	if derr != nil {
		return &CorruptError{Index: uint64(len(blocks)), Reason: derr.Error()}
	}
	if torn {
		return &CorruptError{Index: uint64(len(blocks)), Reason: "partial record inside fsynced region"}
	}
	if len(blocks) < len(l.blocks) {
		return &CorruptError{Index: uint64(len(blocks)), Reason: "chain shorter than fsynced head"}
	}

	for i, b := range blocks {
		if b.Index != uint64(i) {
			return &CorruptError{Index: uint64(i), Reason: fmt.Sprintf("index %d out of sequence", b.Index)}
		}
		if !b.Kind.Valid() {
			return &CorruptError{Index: b.Index, Reason: fmt.Sprintf("unknown kind %q", b.Kind)}
		}
		prev := ZeroHash
		if i > 0 {
			prev = blocks[i-1].SelfHash
		}
		if b.PrevHash != prev {
			return &CorruptError{Index: b.Index, Reason: "prev_hash does not match predecessor"}
		}
		if root := PayloadRoot(b.Payload); root != b.MerkleRoot {
			return &CorruptError{Index: b.Index, Reason: "merkle root does not match payload"}
		}
		h, err := b.ComputeSelfHash()
		if err != nil {
			return &CorruptError{Index: b.Index, Reason: err.Error()}
		}
		if h != b.SelfHash {
			return &CorruptError{Index: b.Index, Reason: "self hash does not match header"}
		}
		if !b.MeetsDifficulty(l.difficulty) {
			return &CorruptError{Index: b.Index, Reason: fmt.Sprintf("difficulty %d not met", l.difficulty)}
		}
		if i < len(l.blocks) && l.blocks[i].SelfHash != b.SelfHash {
			return &CorruptError{Index: b.Index, Reason: "block diverges from fsynced head"}
		}
	}
	return nil
}

// ReadOnly reports whether appends are refused.
func (l *Ledger) ReadOnly() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.readOnly
}

// Len returns the number of blocks.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.blocks)
}

// Difficulty returns the mining difficulty new blocks must meet.
func (l *Ledger) Difficulty() int {
	return l.difficulty
}

// Head returns the latest block, if any.
func (l *Ledger) Head() (Block, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.blocks) == 0 {
		return Block{}, false
	}
	return l.blocks[len(l.blocks)-1], true
}

// GetByIndex returns the block at index i.
func (l *Ledger) GetByIndex(i uint64) (Block, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if i >= uint64(len(l.blocks)) {
		return Block{}, fmt.Errorf("index %d: %w", i, ErrNotFound)
	}
	return l.blocks[i], nil
}

// GetByHash returns the block whose self hash is h.
func (l *Ledger) GetByHash(h string) (Block, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i, ok := l.byHash[h]
	if !ok {
		return Block{}, fmt.Errorf("hash %.12s: %w", h, ErrNotFound)
	}
	return l.blocks[i], nil
}

// Range returns up to limit blocks with index greater than after.
// Pass after=-1 for the start of the chain.
func (l *Ledger) Range(after int64, limit int) []Block {
	l.mu.RLock()
	defer l.mu.RUnlock()

	start := after + 1
	if start < 0 {
		start = 0
	}
	if start >= int64(len(l.blocks)) || limit <= 0 {
		return nil
	}
	end := start + int64(limit)
	if end > int64(len(l.blocks)) {
		end = int64(len(l.blocks))
	}
	out := make([]Block, end-start)
	copy(out, l.blocks[start:end])
	return out
}

// Snapshot copies the whole chain.
func (l *Ledger) Snapshot() []Block {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Block, len(l.blocks))
	copy(out, l.blocks)
	return out
}

// ByPayloadValue returns blocks whose payload carries the given key
// with the given value hash, oldest first. Sheet histories are fetched
// this way: every sheet-scoped block commits a "sheet" entry.
func (l *Ledger) ByPayloadValue(key, valueHash string) []Block {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Block
	for _, b := range l.blocks {
		for _, e := range b.Payload {
			if e.Key == key && e.ValueHash == valueHash {
				out = append(out, b)
				break
			}
		}
	}
	return out
}

// Stats summarizes the chain.
type Stats struct {
	TotalBlocks int          `json:"total_blocks"`
	Kinds       map[Kind]int `json:"block_kinds"`
	Difficulty  int          `json:"difficulty"`
	HeadHash    string       `json:"head_hash,omitempty"`
	GenesisHash string       `json:"genesis_hash,omitempty"`
	ReadOnly    bool         `json:"read_only"`
}

func (l *Ledger) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s := Stats{
		TotalBlocks: len(l.blocks),
		Kinds:       make(map[Kind]int),
		Difficulty:  l.difficulty,
		ReadOnly:    l.readOnly,
	}
	for _, b := range l.blocks {
		s.Kinds[b.Kind]++
	}
	if len(l.blocks) > 0 {
		s.HeadHash = l.blocks[len(l.blocks)-1].SelfHash
		s.GenesisHash = l.blocks[0].SelfHash
	}
	return s
}

// Proof is a block's position relative to the fsynced head, enough for
// an external holder of the block hash to check inclusion.
type Proof struct {
	BlockIndex  uint64 `json:"block_index"`
	BlockHash   string `json:"block_hash"`
	MerkleRoot  string `json:"merkle_root"`
	PrevHash    string `json:"prev_hash"`
	Timestamp   int64  `json:"timestamp"`
	ChainLength int    `json:"chain_length"`
	HeadHash    string `json:"head_hash"`
}

func (l *Ledger) Proof(index uint64) (Proof, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if index >= uint64(len(l.blocks)) {
		return Proof{}, fmt.Errorf("index %d: %w", index, ErrNotFound)
	}
	b := l.blocks[index]
	return Proof{
		BlockIndex:  b.Index,
		BlockHash:   b.SelfHash,
		MerkleRoot:  b.MerkleRoot,
		PrevHash:    b.PrevHash,
		Timestamp:   b.Timestamp,
		ChainLength: len(l.blocks),
		HeadHash:    l.blocks[len(l.blocks)-1].SelfHash,
	}, nil
}

package pipeline

import (
	"context"

	"github.com/Scrutineer-Labs/omrchain/pkg/contracts"
	"github.com/Scrutineer-Labs/omrchain/pkg/ledger"
	"github.com/Scrutineer-Labs/omrchain/pkg/store"
)

// stageCommit pairs the store mutations of one transition with the
// ledger block that records it. The intent journal brackets the pair:
// a crash before the append rolls the mutations back on recovery, a
// crash after it keeps them. The block carries a "txn" payload entry
// with the intent id so recovery can tell the two cases apart.
type stageCommit struct {
	intent  *store.Intent
	kind    ledger.Kind
	payload *ledger.PayloadBuilder
	mutate  func(ctx context.Context) error

	// expectHead, when set, appends optimistically against that chain
	// head and fails with ErrChainStale on an interleaved append.
	expectHead string

	// sign, when set, receives the final payload merkle root and
	// returns the block signatures.
	sign func(root string) ([]ledger.Signature, error)

	// sheet, when set, receives the block hash after the append.
	sheet *contracts.Sheet

	// after, when set, persists the block hash onto a non-sheet entity
	// once the block is on the chain.
	after func(ctx context.Context, b ledger.Block) error
}

func (p *Pipeline) commit(ctx context.Context, c *stageCommit) (ledger.Block, error) {
	c.payload.Add("txn", c.intent.ID)
	entries, err := c.payload.Entries()
	if err != nil {
		return ledger.Block{}, err
	}

	var sigs []ledger.Signature
	if c.sign != nil {
		if sigs, err = c.sign(ledger.PayloadRoot(entries)); err != nil {
			return ledger.Block{}, err
		}
	}

	if err := p.st.BeginIntent(ctx, c.intent); err != nil {
		return ledger.Block{}, err
	}
	if err := c.mutate(ctx); err != nil {
		return ledger.Block{}, p.abort(ctx, c.intent, err)
	}

	var b ledger.Block
	if c.expectHead != "" {
		b, err = p.led.AppendAfter(ctx, c.expectHead, c.kind, entries, sigs)
	} else {
		b, err = p.led.Append(ctx, c.kind, entries, sigs)
	}
	if err != nil {
		return ledger.Block{}, p.abort(ctx, c.intent, err)
	}

	if c.sheet != nil {
		c.sheet.LastBlockHash = b.SelfHash
		if err := p.st.SaveSheet(ctx, c.sheet); err != nil {
			return b, err // block is on the chain; recovery keeps the rows
		}
	}
	if c.after != nil {
		if err := c.after(ctx, b); err != nil {
			return b, err
		}
	}
	if err := p.st.ClearIntent(ctx, c.intent.ID); err != nil {
		return b, err
	}
	return b, nil
}

// abort rolls the intent back and surfaces the original cause. A
// failed rollback leaves the intent pending for startup recovery.
func (p *Pipeline) abort(ctx context.Context, in *store.Intent, cause error) error {
	if err := p.st.Rollback(ctx, in); err == nil {
		_ = p.st.ClearIntent(ctx, in.ID)
	}
	return cause
}

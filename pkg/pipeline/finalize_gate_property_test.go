//go:build property
// +build property

package pipeline

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Scrutineer-Labs/omrchain/pkg/contracts"
	"github.com/Scrutineer-Labs/omrchain/pkg/crypto"
	"github.com/Scrutineer-Labs/omrchain/pkg/ledger"
)

// TestFinalizeGateProperty drives random interleavings of recheck
// requests, resolutions and finalize attempts against one scored sheet,
// then replays the chain in order.
// Property: at every RESULT_FINALIZED block for the sheet, each prior
// INTERVENTION_OPENED pinning it has a prior INTERVENTION_RESOLVED.
func TestFinalizeGateProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	properties.Property("finalize never lands over an open pin", prop.ForAll(
		func(ops []int) bool {
			f := newFixture(t, Config{})
			ctx := context.Background()
			paper := f.lockedKey(map[int]contracts.KeyEntry{1: {Answer: "A", Marks: 2}})
			sheet := f.ingest(paper.ID, "R-9001")

			if res, err := f.p.AssessQuality(ctx, sheet.ID); err != nil || !res.OK() {
				return false
			}
			if res, err := f.p.ReadBubbles(ctx, sheet.ID, detections(0.95, map[int]string{1: "A"}), "omr-batch-1"); err != nil || !res.OK() {
				return false
			}
			if res, err := f.p.SolveAI(ctx, sheet.ID, nil); err != nil || !res.OK() {
				return false
			}
			if res, err := f.p.Reconcile(ctx, sheet.ID); err != nil || !res.OK() {
				return false
			}
			if res, err := f.p.Score(ctx, sheet.ID); err != nil || !res.OK() {
				return false
			}

			for _, op := range ops {
				switch op {
				case 0:
					if _, err := f.p.RequestRecheck(ctx, sheet.ID, "spot audit", "auditor-3"); err != nil {
						return false
					}
				case 1:
					open, err := f.queue.OpenForSheet(ctx, sheet.ID)
					if err != nil {
						return false
					}
					if len(open) == 0 {
						continue
					}
					if _, err := f.queue.Claim(ctx, open[0], "reviewer-7"); err != nil {
						return false
					}
					if _, err := f.p.ResolveIntervention(ctx, open[0], "reviewer-7", contracts.InterventionDecision{Note: "checked"}); err != nil {
						return false
					}
				default:
					res, err := f.p.Finalize(ctx, sheet.ID, FinalizeRequest{Kinds: crypto.RequiredKinds})
					if err != nil {
						return false
					}
					switch res.Outcome {
					case OutcomeOK, OutcomeGateBlocked, OutcomePreconditionFailed:
					default:
						return false
					}
				}
			}

			sheetHash, err := ledger.HashPayloadValue(sheet.ID)
			if err != nil {
				return false
			}
			pinned := make(map[string]bool)
			for _, b := range f.led.Snapshot() {
				switch b.Kind {
				case ledger.KindInterventionOpened:
					var item, pin string
					for _, e := range b.Payload {
						switch e.Key {
						case "intervention":
							item = e.ValueHash
						case "sheet":
							pin = e.ValueHash
						}
					}
					if pin == sheetHash {
						pinned[item] = true
					}
				case ledger.KindInterventionResolved:
					for _, e := range b.Payload {
						if e.Key == "intervention" {
							delete(pinned, e.ValueHash)
						}
					}
				case ledger.KindResultFinalized:
					for _, e := range b.Payload {
						if e.Key == "sheet" && e.ValueHash == sheetHash && len(pinned) != 0 {
							return false
						}
					}
				}
			}
			return f.led.Validate() == nil
		},
		gen.SliceOfN(10, gen.IntRange(0, 2)),
	))

	properties.TestingRun(t)
}

// Package reconcile merges the answer sources for a sheet (bubble
// reading, AI solver, manual entry) into one per-question verdict, and
// scores the merged result against the locked answer key.
//
// The bubble reading is the primary source: whenever it agrees with any
// second source the reading wins, and a lone disagreeing source only
// marks the row disputed. Rows where no final answer can be decided are
// handed to the intervention queue instead of guessed at.
package reconcile

import (
	"fmt"
	"sort"

	"github.com/Scrutineer-Labs/omrchain/pkg/contracts"
)

// DefaultLowConfidence forces a row to needs_review below this bubble
// confidence regardless of source agreement.
const DefaultLowConfidence = 0.7

// Config tunes the engine. Zero values take the defaults.
type Config struct {
	LowConfidenceThreshold float64
}

func (c Config) lowConfidence() float64 {
	if c.LowConfidenceThreshold <= 0 {
		return DefaultLowConfidence
	}
	return c.LowConfidenceThreshold
}

// InterventionNeed asks the orchestrator to open an intervention for one
// undecidable row.
type InterventionNeed struct {
	Question int
	Priority contracts.Priority
	Reason   string
}

// Outcome is the engine result: one row per key question, plus the
// interventions those rows require.
type Outcome struct {
	Rows  map[int]contracts.ReconRow
	Needs []InterventionNeed
}

// Reconcile computes the verdict for every question in the key. bubbles
// is required; ai and manual may be nil. Absence of a source for one
// question (a partially solved sheet) is handled per question.
func Reconcile(key *contracts.AnswerKey, bubbles *contracts.BubbleReading, ai *contracts.AISolverVerdict, manual *contracts.ManualEntry, cfg Config) (*Outcome, error) {
	if key == nil {
		return nil, fmt.Errorf("reconcile: answer key required")
	}
	if bubbles == nil {
		return nil, fmt.Errorf("reconcile: bubble reading required")
	}

	threshold := cfg.lowConfidence()
	out := &Outcome{Rows: make(map[int]contracts.ReconRow, len(key.Entries))}

	questions := make([]int, 0, len(key.Entries))
	for q := range key.Entries {
		questions = append(questions, q)
	}
	sort.Ints(questions)

	for _, q := range questions {
		row, need := reconcileQuestion(q, key.Entries[q].Answer, bubbles, ai, manual, threshold)
		out.Rows[q] = row
		if need != nil {
			out.Needs = append(out.Needs, *need)
		}
	}
	return out, nil
}

func reconcileQuestion(q int, keyAnswer string, bubbles *contracts.BubbleReading, ai *contracts.AISolverVerdict, manual *contracts.ManualEntry, threshold float64) (contracts.ReconRow, *InterventionNeed) {
	var row contracts.ReconRow

	b, haveBubble := bubbles.Answers[q]
	if haveBubble {
		row.OMR = ptr(b.Answer)
	}
	var a *string
	if ai != nil {
		if sa, ok := ai.Answers[q]; ok {
			a = ptr(sa.Answer)
			row.AI = a
		}
	}
	var m *string
	if manual != nil {
		if ma, ok := manual.Answers[q]; ok {
			m = ptr(ma)
			row.Manual = m
		}
	}

	// No bubble detection at all: nothing to anchor the merge on.
	if !haveBubble {
		row.Status = contracts.StatusNeedsReview
		return row, &InterventionNeed{Question: q, Priority: contracts.PriorityNormal, Reason: contracts.ReasonReconDispute}
	}

	// An unsure detector overrides every agreement.
	if b.Confidence < threshold {
		row.Status = contracts.StatusNeedsReview
		return row, &InterventionNeed{Question: q, Priority: contracts.PriorityNormal, Reason: contracts.ReasonLowConfidence}
	}

	switch {
	case a != nil && m != nil:
		switch {
		case b.Answer == *a && b.Answer == *m:
			row.Status = contracts.StatusMatched
			row.Final = ptr(b.Answer)
		case b.Answer == *m: // AI is the odd one out
			row.Status = contracts.StatusDisputedAI
			row.Final = ptr(b.Answer)
		case b.Answer == *a: // the human disagrees; worth a look
			row.Status = contracts.StatusDisputedManual
			row.Final = ptr(b.Answer)
			return row, &InterventionNeed{Question: q, Priority: contracts.PriorityNormal, Reason: contracts.ReasonReconDispute}
		default:
			row.Status = contracts.StatusThreeWaySplit
			return row, &InterventionNeed{Question: q, Priority: contracts.PriorityHigh, Reason: contracts.ReasonReconDispute}
		}
	case a != nil:
		if b.Answer == *a {
			row.Status = contracts.StatusMatched
			row.Final = ptr(b.Answer)
		} else {
			row.Status = contracts.StatusDisputedAI
			row.Final = ptr(b.Answer)
		}
	case m != nil:
		if b.Answer == *m {
			row.Status = contracts.StatusMatched
			row.Final = ptr(b.Answer)
		} else {
			row.Status = contracts.StatusDisputedManual
			row.Final = ptr(b.Answer)
			return row, &InterventionNeed{Question: q, Priority: contracts.PriorityNormal, Reason: contracts.ReasonReconDispute}
		}
	default:
		// Bubble only. A detection that matches the key stands on its
		// own; anything else needs a second source.
		if b.Answer == keyAnswer {
			row.Status = contracts.StatusMatched
			row.Final = ptr(b.Answer)
		} else {
			row.Status = contracts.StatusNeedsReview
			return row, &InterventionNeed{Question: q, Priority: contracts.PriorityNormal, Reason: contracts.ReasonReconDispute}
		}
	}
	return row, nil
}

// Resolve applies a human decision to an undecided row.
func Resolve(row contracts.ReconRow, answer string) contracts.ReconRow {
	row.Final = ptr(answer)
	row.Status = contracts.StatusResolved
	return row
}

func ptr(s string) *string { return &s }

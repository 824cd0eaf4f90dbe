//go:build property
// +build property

// Package reconcile_test contains property-based tests for merge totality
// and scoring determinism.
package reconcile_test

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Scrutineer-Labs/omrchain/pkg/contracts"
	"github.com/Scrutineer-Labs/omrchain/pkg/reconcile"
)

var propAnswers = []string{"A", "B", "C", "D", contracts.AnswerNone, contracts.AnswerMultiple}

// propKey builds a locked key over len(marks) questions. Key answers are
// always real options, never sentinels.
func propKey(marks []int) *contracts.AnswerKey {
	entries := make(map[int]contracts.KeyEntry, len(marks))
	for i, m := range marks {
		entries[i+1] = contracts.KeyEntry{Answer: propAnswers[i%4], Marks: float64(m)}
	}
	return &contracts.AnswerKey{
		ID:      "key-prop",
		PaperID: "qp-prop",
		Status:  contracts.KeyLocked,
		Entries: entries,
	}
}

func propBubbles(picks, conf []int) *contracts.BubbleReading {
	answers := make(map[int]contracts.DetectedAnswer, len(picks))
	for i := range picks {
		answers[i+1] = contracts.DetectedAnswer{
			Answer:     propAnswers[picks[i]%len(propAnswers)],
			Confidence: float64(conf[i%len(conf)]%101) / 100,
		}
	}
	return &contracts.BubbleReading{SheetID: "sh-prop", Answers: answers}
}

func propVerdict(picks []int) *contracts.AISolverVerdict {
	answers := make(map[int]contracts.SolverAnswer, len(picks))
	for i := range picks {
		answers[i+1] = contracts.SolverAnswer{
			Answer:     propAnswers[picks[i]%len(propAnswers)],
			Confidence: 0.9,
		}
	}
	return &contracts.AISolverVerdict{SheetID: "sh-prop", Answers: answers}
}

// TestReconcileTotality verifies every key question gets exactly one row.
// Property: row.Final != nil exactly when row.Status.Decided()
func TestReconcileTotality(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("one row per key question, final iff decided", prop.ForAll(
		func(marks, picks, conf, aiPicks []int, withAI bool) bool {
			key := propKey(marks)
			var verdict *contracts.AISolverVerdict
			if withAI {
				verdict = propVerdict(aiPicks)
			}

			out, err := reconcile.Reconcile(key, propBubbles(picks, conf), verdict, nil, reconcile.Config{})
			if err != nil {
				return false
			}
			if len(out.Rows) != len(key.Entries) {
				return false
			}
			for _, row := range out.Rows {
				if row.Status.Decided() != (row.Final != nil) {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(8, gen.IntRange(1, 5)),
		gen.SliceOfN(8, gen.IntRange(0, 5)),
		gen.SliceOfN(8, gen.IntRange(0, 100)),
		gen.SliceOfN(8, gen.IntRange(0, 5)),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

// TestReconcileDeterminism verifies the merge is deterministic.
// Property: Reconcile(in) == Reconcile(in) for any in
func TestReconcileDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("merge is deterministic", prop.ForAll(
		func(marks, picks, conf, aiPicks []int) bool {
			key := propKey(marks)
			bubbles := propBubbles(picks, conf)
			verdict := propVerdict(aiPicks)

			out1, err1 := reconcile.Reconcile(key, bubbles, verdict, nil, reconcile.Config{})
			out2, err2 := reconcile.Reconcile(key, bubbles, verdict, nil, reconcile.Config{})
			if err1 != nil || err2 != nil {
				return err1 != nil && err2 != nil
			}
			if len(out1.Rows) != len(out2.Rows) || len(out1.Needs) != len(out2.Needs) {
				return false
			}
			for q, r1 := range out1.Rows {
				r2 := out2.Rows[q]
				if r1.Status != r2.Status {
					return false
				}
				if (r1.Final == nil) != (r2.Final == nil) {
					return false
				}
				if r1.Final != nil && *r1.Final != *r2.Final {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(8, gen.IntRange(1, 5)),
		gen.SliceOfN(8, gen.IntRange(0, 5)),
		gen.SliceOfN(8, gen.IntRange(0, 100)),
		gen.SliceOfN(8, gen.IntRange(0, 5)),
	))

	properties.TestingRun(t)
}

// TestScoreBounds verifies marks and grade stay coherent for any merge.
// Property: 0 <= automated <= max <= key total, grade matches percentage band
func TestScoreBounds(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	bands := []struct {
		min   float64
		grade string
	}{
		{90, "A+"}, {80, "A"}, {70, "B+"}, {60, "B"}, {50, "C"}, {40, "D"}, {0, "F"},
	}

	properties.Property("automated marks stay within the base", prop.ForAll(
		func(marks, picks, conf []int) bool {
			key := propKey(marks)
			out, err := reconcile.Reconcile(key, propBubbles(picks, conf), nil, nil, reconcile.Config{})
			if err != nil {
				return false
			}

			res, err := reconcile.Evaluate(reconcile.EvalInput{
				SheetID: "sh-prop",
				Key:     key,
				Rows:    out.Rows,
				Now:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			}, reconcile.ScorePolicy{})
			if err != nil {
				return false
			}

			if res.AutomatedMarks < 0 || res.AutomatedMarks > res.MaxMarks {
				return false
			}
			if res.MaxMarks > key.TotalMarks() {
				return false
			}
			if res.Percentage < 0 || res.Percentage > 100 {
				return false
			}
			for _, b := range bands {
				if res.Percentage >= b.min {
					return res.Grade == b.grade
				}
			}
			return res.Grade == "F"
		},
		gen.SliceOfN(8, gen.IntRange(1, 5)),
		gen.SliceOfN(8, gen.IntRange(0, 5)),
		gen.SliceOfN(8, gen.IntRange(0, 100)),
	))

	properties.TestingRun(t)
}

// TestMultiplePolicyRelation verifies exclude only ever shrinks the base.
// Property: max(exclude) <= max(zero), automated equal under both
func TestMultiplePolicyRelation(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("exclude never raises the base or the award", prop.ForAll(
		func(marks, picks, conf []int) bool {
			key := propKey(marks)
			out, err := reconcile.Reconcile(key, propBubbles(picks, conf), nil, nil, reconcile.Config{})
			if err != nil {
				return false
			}
			in := reconcile.EvalInput{
				SheetID: "sh-prop",
				Key:     key,
				Rows:    out.Rows,
				Now:     time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			}

			zero, err1 := reconcile.Evaluate(in, reconcile.ScorePolicy{MultipleMark: reconcile.MultipleZero})
			excl, err2 := reconcile.Evaluate(in, reconcile.ScorePolicy{MultipleMark: reconcile.MultipleExclude})
			if err1 != nil || err2 != nil {
				return false
			}

			return excl.MaxMarks <= zero.MaxMarks && excl.AutomatedMarks == zero.AutomatedMarks
		},
		gen.SliceOfN(8, gen.IntRange(1, 5)),
		gen.SliceOfN(8, gen.IntRange(0, 5)),
		gen.SliceOfN(8, gen.IntRange(0, 100)),
	))

	properties.TestingRun(t)
}

package reconcile

import (
	"fmt"
	"math"
	"time"

	"github.com/Scrutineer-Labs/omrchain/pkg/contracts"
)

// MultiplePolicy says what a double-marked bubble does to the score base.
// A MULTIPLE detection is never credited either way.
type MultiplePolicy string

const (
	// MultipleZero keeps the question in the percentage base and awards 0.
	MultipleZero MultiplePolicy = "zero"
	// MultipleExclude removes the question from the base entirely.
	MultipleExclude MultiplePolicy = "exclude"
)

// DefaultTolerance bounds |manual − automated| for marks_match.
const DefaultTolerance = 0.01

// ScorePolicy tunes scoring. Zero values take the defaults.
type ScorePolicy struct {
	MultipleMark MultiplePolicy
	Tolerance    float64
}

func (p ScorePolicy) multiple() MultiplePolicy {
	if p.MultipleMark == "" {
		return MultipleZero
	}
	return p.MultipleMark
}

func (p ScorePolicy) tolerance() float64 {
	if p.Tolerance <= 0 {
		return DefaultTolerance
	}
	return p.Tolerance
}

// EvalInput carries everything scoring needs. Key must be locked. Rows
// come from Reconcile (with any post-resolution updates applied); Manual,
// Bubbles and QualityScore feed marks_match and the perfect-evaluation
// determination.
type EvalInput struct {
	SheetID              string
	Key                  *contracts.AnswerKey
	Rows                 map[int]contracts.ReconRow
	Manual               *contracts.ManualEntry
	Bubbles              *contracts.BubbleReading
	QualityScore         float64
	HasOpenInterventions bool
	Now                  time.Time
}

// Evaluate scores the reconciled rows against the key.
func Evaluate(in EvalInput, pol ScorePolicy) (*contracts.ScoreResult, error) {
	if in.Key == nil {
		return nil, fmt.Errorf("score: answer key required")
	}
	if in.Key.Status != contracts.KeyLocked {
		return nil, fmt.Errorf("score: answer key is %s, must be locked", in.Key.Status)
	}
	if in.Rows == nil {
		return nil, fmt.Errorf("score: reconciliation rows required")
	}

	var automated, maxMarks float64
	breakdown := make(map[int]contracts.QuestionScore, len(in.Key.Entries))

	for q, entry := range in.Key.Entries {
		row := in.Rows[q]
		qs := contracts.QuestionScore{
			Final:     row.Final,
			KeyAnswer: entry.Answer,
			KeyMarks:  entry.Marks,
		}

		excluded := pol.multiple() == MultipleExclude && row.OMR != nil && *row.OMR == contracts.AnswerMultiple
		if !excluded {
			maxMarks += entry.Marks
		}
		if row.Final != nil && *row.Final == entry.Answer && !excluded {
			qs.Awarded = entry.Marks
			qs.Correct = true
			automated += entry.Marks
		}
		breakdown[q] = qs
	}

	result := &contracts.ScoreResult{
		SheetID:        in.SheetID,
		AutomatedMarks: round2(automated),
		MaxMarks:       round2(maxMarks),
		Breakdown:      breakdown,
		CreatedAt:      in.Now,
		UpdatedAt:      in.Now,
	}

	if maxMarks > 0 {
		result.Percentage = round2(automated / maxMarks * 100)
	}
	result.Grade = gradeFor(result.Percentage)

	result.MarksMatch = true
	if in.Manual != nil {
		manual := round2(manualMarks(in.Key, in.Manual))
		result.ManualMarks = &manual
		result.MarksMatch = math.Abs(manual-result.AutomatedMarks) <= pol.tolerance()
	}

	result.IsPerfectEvaluation = result.MarksMatch &&
		allConfident(in.Bubbles, 0.85) &&
		in.QualityScore >= 0.85 &&
		!in.HasOpenInterventions

	return result, nil
}

// manualMarks scores the operator-entered answers against the key.
func manualMarks(key *contracts.AnswerKey, manual *contracts.ManualEntry) float64 {
	var sum float64
	for q, entry := range key.Entries {
		if ans, ok := manual.Answers[q]; ok && ans == entry.Answer {
			sum += entry.Marks
		}
	}
	return sum
}

func allConfident(bubbles *contracts.BubbleReading, min float64) bool {
	if bubbles == nil || len(bubbles.Answers) == 0 {
		return false
	}
	for _, a := range bubbles.Answers {
		if a.Confidence < min {
			return false
		}
	}
	return true
}

func gradeFor(pct float64) string {
	switch {
	case pct >= 90:
		return "A+"
	case pct >= 80:
		return "A"
	case pct >= 70:
		return "B+"
	case pct >= 60:
		return "B"
	case pct >= 50:
		return "C"
	case pct >= 40:
		return "D"
	default:
		return "F"
	}
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}

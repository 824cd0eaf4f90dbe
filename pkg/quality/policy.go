// Package quality turns a raw upstream quality assessment into the gate
// decision for a sheet. The rules are CEL expressions over the assessment,
// evaluated in a fixed order: reject, then human_review, then reconstruct;
// when none fires the sheet proceeds.
package quality

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/Scrutineer-Labs/omrchain/pkg/contracts"
)

// Default rules. Automatic reject never fires; rejecting a sheet is a
// human decision made by resolving the review intervention.
const (
	DefaultRejectRule      = `false`
	DefaultReviewRule      = `!recoverable || severe_count > 3 || score < 0.5`
	DefaultReconstructRule = `damaged && score < 0.7 && recoverable`
)

// Assessment is the rule input.
type Assessment struct {
	Score       float64
	Damaged     bool
	Recoverable bool
	SevereCount int
}

// AssessmentFrom derives the rule input from an upstream damage report.
func AssessmentFrom(score float64, damage []contracts.DamageRegion, recoverable bool) Assessment {
	severe := 0
	for _, d := range damage {
		if d.Severity == "severe" {
			severe++
		}
	}
	return Assessment{
		Score:       score,
		Damaged:     len(damage) > 0,
		Recoverable: recoverable,
		SevereCount: severe,
	}
}

// Policy holds the three compiled rules. Programs are compiled once at
// construction so malformed configuration fails startup, not a sheet.
type Policy struct {
	reject      cel.Program
	review      cel.Program
	reconstruct cel.Program
}

// Option overrides one rule.
type Option func(*ruleSet)

type ruleSet struct {
	reject      string
	review      string
	reconstruct string
}

func WithRejectRule(expr string) Option      { return func(r *ruleSet) { r.reject = expr } }
func WithReviewRule(expr string) Option      { return func(r *ruleSet) { r.review = expr } }
func WithReconstructRule(expr string) Option { return func(r *ruleSet) { r.reconstruct = expr } }

// NewPolicy compiles the rule set.
func NewPolicy(opts ...Option) (*Policy, error) {
	rules := ruleSet{
		reject:      DefaultRejectRule,
		review:      DefaultReviewRule,
		reconstruct: DefaultReconstructRule,
	}
	for _, opt := range opts {
		opt(&rules)
	}

	env, err := cel.NewEnv(
		cel.Variable("score", cel.DoubleType),
		cel.Variable("damaged", cel.BoolType),
		cel.Variable("recoverable", cel.BoolType),
		cel.Variable("severe_count", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	p := &Policy{}
	for _, c := range []struct {
		name string
		expr string
		dst  *cel.Program
	}{
		{"reject", rules.reject, &p.reject},
		{"human_review", rules.review, &p.review},
		{"reconstruct", rules.reconstruct, &p.reconstruct},
	} {
		prg, err := compileRule(env, c.expr)
		if err != nil {
			return nil, fmt.Errorf("%s rule: %w", c.name, err)
		}
		*c.dst = prg
	}
	return p, nil
}

func compileRule(env *cel.Env, expr string) (cel.Program, error) {
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("rule %q yields %s, want bool", expr, ast.OutputType())
	}
	prg, err := env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	return prg, nil
}

// Decide evaluates the rules in order and returns the first that fires.
func (p *Policy) Decide(a Assessment) (contracts.QualityDecision, error) {
	input := map[string]any{
		"score":        a.Score,
		"damaged":      a.Damaged,
		"recoverable":  a.Recoverable,
		"severe_count": a.SevereCount,
	}
	for _, c := range []struct {
		prg  cel.Program
		dec  contracts.QualityDecision
		name string
	}{
		{p.reject, contracts.DecisionReject, "reject"},
		{p.review, contracts.DecisionHumanReview, "human_review"},
		{p.reconstruct, contracts.DecisionReconstruct, "reconstruct"},
	} {
		out, _, err := c.prg.Eval(input)
		if err != nil {
			return "", fmt.Errorf("eval %s rule: %w", c.name, err)
		}
		fired, ok := out.Value().(bool)
		if !ok {
			return "", fmt.Errorf("%s rule result is %T, want bool", c.name, out.Value())
		}
		if fired {
			return c.dec, nil
		}
	}
	return contracts.DecisionProceed, nil
}

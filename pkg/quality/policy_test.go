package quality

import (
	"testing"

	"github.com/Scrutineer-Labs/omrchain/pkg/contracts"
)

func TestDefaultRules(t *testing.T) {
	p, err := NewPolicy()
	if err != nil {
		t.Fatalf("new policy: %v", err)
	}

	cases := []struct {
		name string
		in   Assessment
		want contracts.QualityDecision
	}{
		{"clean sheet proceeds", Assessment{Score: 0.92, Recoverable: true}, contracts.DecisionProceed},
		{"mild damage above threshold proceeds", Assessment{Score: 0.75, Damaged: true, Recoverable: true}, contracts.DecisionProceed},
		{"damaged below 0.7 reconstructs", Assessment{Score: 0.6, Damaged: true, Recoverable: true}, contracts.DecisionReconstruct},
		{"score below 0.5 needs review", Assessment{Score: 0.45, Damaged: true, Recoverable: true}, contracts.DecisionHumanReview},
		{"unrecoverable needs review", Assessment{Score: 0.9, Damaged: true, Recoverable: false}, contracts.DecisionHumanReview},
		{"severe pileup needs review", Assessment{Score: 0.8, Damaged: true, Recoverable: true, SevereCount: 4}, contracts.DecisionHumanReview},
		{"three severe still reconstructable", Assessment{Score: 0.65, Damaged: true, Recoverable: true, SevereCount: 3}, contracts.DecisionReconstruct},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := p.Decide(c.in)
			if err != nil {
				t.Fatalf("decide: %v", err)
			}
			if got != c.want {
				t.Errorf("decide(%+v) = %s, want %s", c.in, got, c.want)
			}
		})
	}
}

func TestReviewOutranksReconstruct(t *testing.T) {
	p, err := NewPolicy()
	if err != nil {
		t.Fatalf("new policy: %v", err)
	}
	// Matches both the review rule (score < 0.5) and the reconstruct rule
	// (damaged, < 0.7, recoverable); review is checked first.
	got, err := p.Decide(Assessment{Score: 0.4, Damaged: true, Recoverable: true})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if got != contracts.DecisionHumanReview {
		t.Errorf("decide = %s, want human_review", got)
	}
}

func TestCustomRejectRule(t *testing.T) {
	p, err := NewPolicy(WithRejectRule(`score < 0.1 && !recoverable`))
	if err != nil {
		t.Fatalf("new policy: %v", err)
	}
	got, err := p.Decide(Assessment{Score: 0.05, Damaged: true})
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if got != contracts.DecisionReject {
		t.Errorf("decide = %s, want reject", got)
	}
}

func TestMalformedRuleFailsConstruction(t *testing.T) {
	if _, err := NewPolicy(WithReviewRule(`score <`)); err == nil {
		t.Fatal("expected compile error")
	}
	if _, err := NewPolicy(WithReconstructRule(`score + 1.0`)); err == nil {
		t.Fatal("expected non-bool rule to be rejected")
	}
	if _, err := NewPolicy(WithReviewRule(`unknown_var > 2`)); err == nil {
		t.Fatal("expected undeclared variable to be rejected")
	}
}

func TestAssessmentFromDamageList(t *testing.T) {
	damage := []contracts.DamageRegion{
		{Kind: "tear", Severity: "severe"},
		{Kind: "stain", Severity: "minor"},
		{Kind: "fold", Severity: "severe"},
	}
	a := AssessmentFrom(0.55, damage, true)
	if !a.Damaged || a.SevereCount != 2 || a.Score != 0.55 || !a.Recoverable {
		t.Errorf("assessment = %+v", a)
	}

	clean := AssessmentFrom(0.97, nil, true)
	if clean.Damaged || clean.SevereCount != 0 {
		t.Errorf("clean assessment = %+v", clean)
	}
}

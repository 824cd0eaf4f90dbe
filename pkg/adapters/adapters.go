// Package adapters holds the HTTP clients for the two upstream services:
// the recovery service (image quality assessment and damaged-sheet
// reconstruction) and the AI service (answer-key verification and
// independent question solving). All four operations share one contract:
// bounded retries with backoff on transient failures, a per-attempt
// timeout, a total budget, and a token-bucket rate limit that makes
// callers wait rather than fail.
package adapters

import "context"

// QualityAssessor scores a sheet image and proposes a gate decision.
type QualityAssessor interface {
	AssessQuality(ctx context.Context, req QualityRequest) (*QualityResult, error)
}

// Reconstructor rebuilds a damaged sheet image.
type Reconstructor interface {
	Reconstruct(ctx context.Context, req ReconstructRequest) (*ReconstructResult, error)
}

// KeyVerifier checks a proposed answer-key entry against the question text.
type KeyVerifier interface {
	VerifyAnswerKey(ctx context.Context, req VerifyRequest) (*VerifyResult, error)
}

// QuestionSolver answers a question independently of the key.
type QuestionSolver interface {
	SolveQuestion(ctx context.Context, req SolveRequest) (*SolveResult, error)
}

// Set bundles the wired adapters the orchestrator consumes. Tests
// substitute fakes per field.
type Set struct {
	Quality     QualityAssessor
	Reconstruct Reconstructor
	KeyVerify   KeyVerifier
	Solve       QuestionSolver
}

// Wire builds the production set: recovery-service client for quality and
// reconstruction, AI-service client for verification and solving.
func Wire(recovery, ai Config) *Set {
	rc := NewRecoveryClient(recovery)
	ac := NewAIClient(ai)
	return &Set{
		Quality:     rc,
		Reconstruct: rc,
		KeyVerify:   ac,
		Solve:       ac,
	}
}

package ledger

// Kind labels a block with the evaluation event it records. The set is
// closed: Append and Validate reject any kind not listed here.
type Kind string

const (
	KindQuestionPaperUpload    Kind = "QUESTION_PAPER_UPLOAD"
	KindAnswerKeyAIVerified    Kind = "ANSWER_KEY_AI_VERIFIED"
	KindAnswerKeyHumanApproved Kind = "ANSWER_KEY_HUMAN_APPROVED"
	KindAnswerKeyLocked        Kind = "ANSWER_KEY_LOCKED"
	KindSheetIngested          Kind = "SHEET_INGESTED"
	KindQualityAssessed        Kind = "QUALITY_ASSESSED"
	KindReconstructed          Kind = "RECONSTRUCTED"
	KindBubblesRead            Kind = "BUBBLES_READ"
	KindAISolved               Kind = "AI_SOLVED"
	KindManualEntered          Kind = "MANUAL_ENTERED"
	KindReconciled             Kind = "RECONCILED"
	KindScored                 Kind = "SCORED"
	KindInterventionOpened     Kind = "INTERVENTION_OPENED"
	KindInterventionResolved   Kind = "INTERVENTION_RESOLVED"
	KindResultFinalized        Kind = "RESULT_FINALIZED"
)

// AllKinds lists every accepted kind in lifecycle order.
var AllKinds = []Kind{
	KindQuestionPaperUpload,
	KindAnswerKeyAIVerified,
	KindAnswerKeyHumanApproved,
	KindAnswerKeyLocked,
	KindSheetIngested,
	KindQualityAssessed,
	KindReconstructed,
	KindBubblesRead,
	KindAISolved,
	KindManualEntered,
	KindReconciled,
	KindScored,
	KindInterventionOpened,
	KindInterventionResolved,
	KindResultFinalized,
}

var knownKinds = func() map[Kind]struct{} {
	m := make(map[Kind]struct{}, len(AllKinds))
	for _, k := range AllKinds {
		m[k] = struct{}{}
	}
	return m
}()

func (k Kind) Valid() bool {
	_, ok := knownKinds[k]
	return ok
}

package triage

// Policy bundles the tunable triage constants: the confidence gate for
// auto-apply and the sender-rule promotion math. It is separated from the
// state-transition mechanics so thresholds can be tuned and tested
// independently.
type Policy interface {
	// Gate reports whether a classification confidence clears the
	// auto-apply threshold.
	Gate(confidence, threshold float64) bool

	// Promote recomputes a sender rule's confidence and auto-apply flag
	// from its correction count. Promotion is monotonic: more corrections
	// never yield a lower confidence or revoke auto-apply.
	Promote(correctionCount int) (confidence float64, autoApply bool)
}

const (
	ruleBaseConfidence   = 0.5
	ruleConfidenceStep   = 0.1
	ruleConfidenceCap    = 0.95
	ruleAutoApplyMinimum = 3
	ruleAutoApplyBound   = 0.8
)

// DefaultPolicy implements Policy with the stock constants: rule
// confidence grows by a fixed step per correction from a base of 0.5,
// capped at 0.95; auto-apply turns on at three corrections once
// confidence reaches 0.8.
type DefaultPolicy struct{}

func (DefaultPolicy) Gate(confidence, threshold float64) bool {
	return confidence >= threshold
}

func (DefaultPolicy) Promote(correctionCount int) (float64, bool) {
	confidence := ruleBaseConfidence + ruleConfidenceStep*float64(correctionCount)
	if confidence > ruleConfidenceCap {
		confidence = ruleConfidenceCap
	}
	autoApply := correctionCount >= ruleAutoApplyMinimum && confidence >= ruleAutoApplyBound
	return confidence, autoApply
}

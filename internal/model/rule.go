package model

import "time"

// RulePatternType identifies how a sender rule pattern matches.
type RulePatternType string

const (
	RulePatternDomain  RulePatternType = "domain"
	RulePatternAddress RulePatternType = "address"
)

// SenderRule is a learned (sender pattern -> target folder) mapping, keyed
// by (AccountID, Pattern, PatternType). The rule itself is dumb state:
// Confidence and AutoApply are recomputed by the triage promotion policy on
// each correction, and CorrectionCount only ever increases.
type SenderRule struct {
	ID              string
	AccountID       string
	Pattern         string
	PatternType     RulePatternType
	TargetFolder    string
	Confidence      float64
	CorrectionCount int
	AutoApply       bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

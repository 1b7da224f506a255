package models

import "fmt"

// RuleKind selects what a rule does once its threshold is reached.
type RuleKind string

const (
	// RuleLimit is reserved; accepted but has no runtime effect.
	RuleLimit RuleKind = "limit"
	// RuleAlert lets the operation through with a warning.
	RuleAlert RuleKind = "alert"
	// RuleBlock denies the operation.
	RuleBlock RuleKind = "block"
	// RuleApprove is reserved; accepted but has no runtime effect.
	RuleApprove RuleKind = "approve"
)

// Valid reports whether k is a known rule kind.
func (k RuleKind) Valid() bool {
	switch k {
	case RuleLimit, RuleAlert, RuleBlock, RuleApprove:
		return true
	}
	return false
}

// Rule is a threshold gate evaluated against a budget's projected usage ratio.
type Rule struct {
	ID        string   `json:"id" yaml:"id"`
	Name      string   `json:"name" yaml:"name"`
	Kind      RuleKind `json:"kind" yaml:"kind"`
	Threshold float64  `json:"threshold" yaml:"threshold"`
	Action    string   `json:"action,omitempty" yaml:"action,omitempty"`
	Enabled   bool     `json:"enabled" yaml:"enabled"`
}

// String renders the rule the way denials are explained to callers.
func (r Rule) String() string {
	return fmt.Sprintf("%q (%s at %.0f%%)", r.Name, r.Kind, r.Threshold*100)
}

package domain

import "github.com/shopspring/decimal"

// Decision is the binary outcome of an evaluation.
type Decision string

const (
	Accept  Decision = "ACCEPT"
	Decline Decision = "DECLINE"
)

// Rule names the check that settled a verdict.
type Rule string

const (
	RuleMinPay           Rule = "min_pay"
	RuleMaxDistance      Rule = "max_distance"
	RuleZeroDistance     Rule = "zero_distance"
	RuleMinPayPerMile    Rule = "min_pay_per_mile"
	RuleBlacklistedStore Rule = "blacklisted_store"
	RuleAllPassed        Rule = "all_passed"

	// RuleManual marks a verdict chosen by the operator rather than the rules.
	RuleManual Rule = "manual"
)

// Verdict records what was decided, which rule decided it, and the parsed
// values the rule saw.
type Verdict struct {
	Decision Decision        `json:"decision"`
	Rule     Rule            `json:"rule"`
	Pay      decimal.Decimal `json:"pay"`
	Miles    decimal.Decimal `json:"miles"`
}

// Accepted reports whether the offer should be taken.
func (v Verdict) Accepted() bool {
	return v.Decision == Accept
}

// Action returns the past-tense action label reported to the console.
func (v Verdict) Action() string {
	if v.Accepted() {
		return "ACCEPTED"
	}
	return "DECLINED"
}

// Package decision turns a scraped offer and a rule set into a verdict.
package decision

import (
	"github.com/ashureev/dasher-automate/internal/domain"
)

// Evaluate applies the rule set to the offer. Checks run in a fixed order and
// the first failure declines; the verdict names the rule that decided.
// Evaluate is pure and ignores rules.Enabled, which gates callers instead.
func Evaluate(offer domain.Offer, rules domain.RuleSet) domain.Verdict {
	pay := ParsePay(offer.Pay)
	miles := ParseMiles(offer.Distance)

	decline := func(rule domain.Rule) domain.Verdict {
		return domain.Verdict{Decision: domain.Decline, Rule: rule, Pay: pay, Miles: miles}
	}

	if pay.LessThan(rules.MinPay) {
		return decline(domain.RuleMinPay)
	}
	if miles.GreaterThan(rules.MaxDistance) {
		return decline(domain.RuleMaxDistance)
	}

	// Zero miles leaves pay-per-mile undefined.
	if miles.IsZero() {
		if !rules.AllowZeroDistance {
			return decline(domain.RuleZeroDistance)
		}
	} else if pay.Div(miles).LessThan(rules.MinPayPerMile) {
		return decline(domain.RuleMinPayPerMile)
	}

	if _, hit := rules.BlacklistMatch(offer.StoreName); hit {
		return decline(domain.RuleBlacklistedStore)
	}

	return domain.Verdict{Decision: domain.Accept, Rule: domain.RuleAllPassed, Pay: pay, Miles: miles}
}

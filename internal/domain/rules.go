package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrInvalidRules is returned when a rule set fails validation.
var ErrInvalidRules = errors.New("invalid rules")

// RuleSet holds the operator-configured thresholds for automatic accept and
// decline. A RuleSet is treated as immutable once published; updates replace
// the whole value.
type RuleSet struct {
	MinPay            decimal.Decimal
	MaxDistance       decimal.Decimal
	MinPayPerMile     decimal.Decimal
	BlacklistedStores []string
	Enabled           bool

	// AllowZeroDistance lets offers with no parsable distance skip the
	// pay-per-mile check instead of being declined.
	AllowZeroDistance bool
}

// DefaultRuleSet returns the thresholds a device starts with before the
// console pushes its own.
func DefaultRuleSet() RuleSet {
	return RuleSet{
		MinPay:        decimal.RequireFromString("6.50"),
		MaxDistance:   decimal.NewFromInt(10),
		MinPayPerMile: decimal.RequireFromString("1.50"),
		Enabled:       true,
	}
}

// Validate checks that all thresholds are non-negative.
func (r RuleSet) Validate() error {
	if r.MinPay.IsNegative() {
		return fmt.Errorf("%w: minPay must be >= 0", ErrInvalidRules)
	}
	if r.MaxDistance.IsNegative() {
		return fmt.Errorf("%w: maxDistance must be >= 0", ErrInvalidRules)
	}
	if r.MinPayPerMile.IsNegative() {
		return fmt.Errorf("%w: minPayPerMile must be >= 0", ErrInvalidRules)
	}
	return nil
}

// Clone returns a deep copy so callers can mutate the blacklist freely.
func (r RuleSet) Clone() RuleSet {
	out := r
	if r.BlacklistedStores != nil {
		out.BlacklistedStores = append([]string(nil), r.BlacklistedStores...)
	}
	return out
}

// BlacklistMatch returns the first blacklist entry contained in storeName,
// compared case-insensitively. Blank entries never match.
func (r RuleSet) BlacklistMatch(storeName string) (string, bool) {
	store := strings.ToLower(storeName)
	for _, entry := range r.BlacklistedStores {
		needle := strings.ToLower(strings.TrimSpace(entry))
		if needle == "" {
			continue
		}
		if strings.Contains(store, needle) {
			return entry, true
		}
	}
	return "", false
}

type ruleSetWire struct {
	MinPay            json.Number `json:"minPay"`
	MaxDistance       json.Number `json:"maxDistance"`
	MinPayPerMile     json.Number `json:"minPayPerMile"`
	BlacklistedStores []string    `json:"blacklistedStores"`
	Enabled           bool        `json:"enabled"`
	AllowZeroDistance bool        `json:"allowZeroDistance,omitempty"`
}

// MarshalJSON encodes thresholds as JSON numbers.
func (r RuleSet) MarshalJSON() ([]byte, error) {
	stores := r.BlacklistedStores
	if stores == nil {
		stores = []string{}
	}
	return json.Marshal(ruleSetWire{
		MinPay:            json.Number(r.MinPay.String()),
		MaxDistance:       json.Number(r.MaxDistance.String()),
		MinPayPerMile:     json.Number(r.MinPayPerMile.String()),
		BlacklistedStores: stores,
		Enabled:           r.Enabled,
		AllowZeroDistance: r.AllowZeroDistance,
	})
}

// UnmarshalJSON decodes a rule set. Fields absent from the payload take the
// values from DefaultRuleSet, never from a previously active set. Thresholds
// may be JSON numbers or numeric strings.
func (r *RuleSet) UnmarshalJSON(data []byte) error {
	aux := struct {
		MinPay            *decimal.Decimal `json:"minPay"`
		MaxDistance       *decimal.Decimal `json:"maxDistance"`
		MinPayPerMile     *decimal.Decimal `json:"minPayPerMile"`
		BlacklistedStores []string         `json:"blacklistedStores"`
		Enabled           *bool            `json:"enabled"`
		AllowZeroDistance bool             `json:"allowZeroDistance"`
	}{}
	if err := json.Unmarshal(data, &aux); err != nil {
		return fmt.Errorf("decode rules: %w", err)
	}

	out := DefaultRuleSet()
	if aux.MinPay != nil {
		out.MinPay = *aux.MinPay
	}
	if aux.MaxDistance != nil {
		out.MaxDistance = *aux.MaxDistance
	}
	if aux.MinPayPerMile != nil {
		out.MinPayPerMile = *aux.MinPayPerMile
	}
	if aux.Enabled != nil {
		out.Enabled = *aux.Enabled
	}
	out.BlacklistedStores = aux.BlacklistedStores
	out.AllowZeroDistance = aux.AllowZeroDistance

	*r = out
	return nil
}

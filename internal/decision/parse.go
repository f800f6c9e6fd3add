package decision

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// The unit, if any, must directly follow the leading magnitude.
	distancePattern = regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*(km|kilomet)?`)

	milesPerKm = decimal.RequireFromString("0.621371")
)

// ParsePay extracts a currency amount from screen text such as "$7.25" or
// "Pay: 12". Only digits and a single decimal point are kept. Text with more
// than one decimal point, such as "7.00 + 2.00", is ambiguous and yields zero
// like any other text that does not parse.
func ParsePay(text string) decimal.Decimal {
	var b strings.Builder
	seenPoint := false
	for _, r := range text {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.':
			if seenPoint {
				return decimal.Zero
			}
			seenPoint = true
			b.WriteRune(r)
		}
	}

	cleaned := strings.TrimSuffix(b.String(), ".")
	if cleaned == "" || cleaned == "." {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// ParseMiles extracts the leading distance magnitude from text such as
// "5.2 mi" or "3 miles away". A magnitude given in kilometres is converted;
// units later in the text, as in "5 mi (8 km)", do not apply. Text without
// a magnitude yields zero.
func ParseMiles(text string) decimal.Decimal {
	match := distancePattern.FindStringSubmatch(text)
	if match == nil {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(match[1])
	if err != nil {
		return decimal.Zero
	}
	if match[2] != "" {
		return d.Mul(milesPerKm).Round(2)
	}
	return d
}

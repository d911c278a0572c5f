// Package symbol handles instrument symbol parsing and validation for
// perpetual markets.
package symbol

import (
	"errors"
	"fmt"
	"regexp"
)

// symbolRegex matches: {BASE}-{QUOTE}-PERP
// Example: BTC-USD-PERP
var symbolRegex = regexp.MustCompile(`^([A-Z0-9]{2,10})-([A-Z0-9]{2,10})-PERP$`)

var (
	// ErrInvalidSymbol is returned when a symbol does not match the
	// {BASE}-{QUOTE}-PERP format.
	ErrInvalidSymbol = errors.New("symbol: invalid instrument symbol")
)

// Symbol is a parsed perpetual instrument identifier.
type Symbol struct {
	Raw   string `json:"symbol"`
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

// Parse parses and validates an instrument symbol string.
// Format: {BASE}-{QUOTE}-PERP, e.g. BTC-USD-PERP.
func Parse(raw string) (*Symbol, error) {
	matches := symbolRegex.FindStringSubmatch(raw)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected {BASE}-{QUOTE}-PERP)", ErrInvalidSymbol, raw)
	}
	return &Symbol{
		Raw:   raw,
		Base:  matches[1],
		Quote: matches[2],
	}, nil
}

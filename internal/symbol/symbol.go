// Package symbol handles equity ticker parsing and validation.
package symbol

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Tickers are upper-case, start with a letter and may carry a share-class
// suffix after a dot. Examples: AAPL, BRK.B, GOOGL.
var tickerRegex = regexp.MustCompile(`^[A-Z][A-Z0-9.]{0,9}$`)

var ErrInvalidSymbol = errors.New("symbol: invalid ticker")

// Parse normalises raw to upper case and validates it.
func Parse(raw string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if !tickerRegex.MatchString(s) || strings.HasSuffix(s, ".") || strings.Contains(s, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, raw)
	}
	return s, nil
}

// MustParse is Parse for static tables; it panics on an invalid ticker.
func MustParse(raw string) string {
	s, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return s
}

package point

import (
	"strconv"
	"strings"
)

// Formatter renders float values for metric lines. The format is derived
// once from configuration and reused for every write: fixed decimal places
// when rounding is on, full precision otherwise.
type Formatter struct {
	round     bool
	precision int
}

func NewFormatter(round bool, precision int) *Formatter {
	return &Formatter{round: round, precision: precision}
}

func (f *Formatter) Float(v float64) string {
	if f.round {
		return strconv.FormatFloat(v, 'f', f.precision, 64)
	}

	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Coerce converts a textual value to int64 or float64 when it parses
// unambiguously as one, and passes it through as text otherwise. The poll
// path feeds every payload value through this before building fields.
func (f *Formatter) Coerce(s string) any {
	trimmed := strings.TrimSpace(s)
	if i, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return i
	}
	if fv, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return fv
	}

	return s
}

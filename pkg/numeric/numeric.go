// Package numeric combines values extracted from several sources with exact
// decimal arithmetic. Values never pass through binary floating point.
package numeric

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/fluxprotocol/oraclevm/pkg/jsonpath"
)

var (
	// ErrInvalidNumber is wrapped when a value, multiplier or factor is not a decimal.
	ErrInvalidNumber = errors.New("numeric: invalid number")
	// ErrNoUsableSources is returned when every source failed or was absent.
	ErrNoUsableSources = errors.New("numeric: no usable sources")
	// ErrUnsupportedKind is returned for an output kind other than number or string.
	ErrUnsupportedKind = errors.New("numeric: unsupported output kind")
)

// Kind selects how Aggregate renders its result.
type Kind string

const (
	KindNumber Kind = "number"
	KindString Kind = "string"
)

// ParseDecimal parses s exactly. Exponents such as "1e+25" are accepted.
func ParseDecimal(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, fmt.Errorf("%w: empty string", ErrInvalidNumber)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidNumber, s)
	}
	return d, nil
}

// FromNode converts an extracted JSON number, or a string holding one.
func FromNode(n *jsonpath.Node) (decimal.Decimal, error) {
	switch n.Kind {
	case jsonpath.Number, jsonpath.String:
		return ParseDecimal(n.Scalar)
	}
	return decimal.Zero, fmt.Errorf("%w: %s value", ErrInvalidNumber, n.Kind)
}

// Entry is one source's contribution.
type Entry struct {
	// Value is the extracted text.
	Value string
	// Multiplier scales Value; empty means 1.
	Multiplier string
	// Skipped marks a source whose fetch failed or whose path matched nothing.
	Skipped bool
}

// Stats counts the sources that contributed to a result.
type Stats struct {
	Used  int
	Total int
}

// LogLine renders the "used sources" trace line.
func (s Stats) LogLine() string {
	return fmt.Sprintf("used sources: %d/%d", s.Used, s.Total)
}

// Aggregate combines entries. For KindNumber each used value is multiplied by
// its own multiplier, the products are averaged over the used sources, the
// mean is multiplied once by factor and rounded half away from zero to an
// integer. For KindString the first used entry's text is returned unchanged.
// Skipped entries count towards Total only.
func Aggregate(entries []Entry, factor string, kind Kind) (string, Stats, error) {
	stats := Stats{Total: len(entries)}
	switch kind {
	case KindString:
		result := ""
		for _, e := range entries {
			if e.Skipped {
				continue
			}
			if stats.Used == 0 {
				result = e.Value
			}
			stats.Used++
		}
		if stats.Used == 0 {
			return "", stats, ErrNoUsableSources
		}
		return result, stats, nil
	case KindNumber:
	default:
		return "", stats, fmt.Errorf("%w: %q", ErrUnsupportedKind, kind)
	}

	f, err := ParseDecimal(factor)
	if err != nil {
		return "", stats, fmt.Errorf("factor: %w", err)
	}
	sum := decimal.Zero
	for i, e := range entries {
		if e.Skipped {
			continue
		}
		v, err := Scaled(e.Value, e.Multiplier)
		if err != nil {
			return "", stats, fmt.Errorf("source %d: %w", i, err)
		}
		sum = sum.Add(v)
		stats.Used++
	}
	if stats.Used == 0 {
		return "", stats, ErrNoUsableSources
	}
	// Multiplying before dividing keeps the only inexact step inside the
	// final rounding.
	result := sum.Mul(f).DivRound(decimal.NewFromInt(int64(stats.Used)), 0)
	return result.String(), stats, nil
}

// Scaled returns value * multiplier, with an empty multiplier meaning 1.
func Scaled(value, multiplier string) (decimal.Decimal, error) {
	v, err := ParseDecimal(value)
	if err != nil {
		return decimal.Zero, err
	}
	if multiplier == "" {
		return v, nil
	}
	m, err := ParseDecimal(multiplier)
	if err != nil {
		return decimal.Zero, fmt.Errorf("multiplier: %w", err)
	}
	return v.Mul(m), nil
}

// ToFixedDecimal returns value * multiplier rounded half away from zero and
// rendered with exactly scale fractional digits.
func ToFixedDecimal(value, multiplier string, scale int32) (string, error) {
	if scale < 0 {
		return "", fmt.Errorf("%w: negative scale %d", ErrInvalidNumber, scale)
	}
	v, err := Scaled(value, multiplier)
	if err != nil {
		return "", err
	}
	return v.Round(scale).StringFixed(scale), nil
}

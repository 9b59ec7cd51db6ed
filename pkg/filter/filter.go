// Package filter implements predicate trees and reducers applied over
// merged read streams: per-column value filters composed into a tree,
// and per-column aggregations.
//
// Cell values carry no declared type, so comparisons are
// byte-lexicographic, string tests work directly on the byte slice, and
// Regex yields false for values that are not valid UTF-8.
package filter

import (
	"bytes"
	"regexp"
	"strconv"
	"unicode/utf8"
)

// Op names a leaf comparison or string test.
type Op int

const (
	Equal Op = iota
	NotEqual
	GreaterThan
	GreaterThanOrEqual
	LessThan
	LessThanOrEqual
	Contains
	StartsWith
	EndsWith
	Regex
)

// Filter is one node in a predicate tree over a cell's value.
type Filter struct {
	// Op and Operand populate a leaf node.
	Op      Op
	Operand []byte

	// compiledRegex holds Regex's compiled pattern when the Filter was
	// built by NewRegex. A Filter constructed as a struct literal has
	// none, and Match then compiles the pattern on every call.
	compiledRegex *regexp.Regexp

	// And, Or, and Not populate a composite node; exactly one of
	// {leaf fields} or {one composite field} should be set.
	And []Filter
	Or  []Filter
	Not *Filter
}

// Leaf builds a comparison/string-test leaf filter.
func Leaf(op Op, operand []byte) Filter { return Filter{Op: op, Operand: operand} }

// NewRegex builds a Regex leaf filter, compiling pattern eagerly so a
// malformed pattern is reported at construction time rather than on
// first match.
func NewRegex(pattern string) (Filter, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Filter{}, err
	}
	return Filter{Op: Regex, Operand: []byte(pattern), compiledRegex: re}, nil
}

// AndOf builds an And composite.
func AndOf(filters ...Filter) Filter { return Filter{And: filters} }

// OrOf builds an Or composite.
func OrOf(filters ...Filter) Filter { return Filter{Or: filters} }

// NotOf builds a Not composite.
func NotOf(f Filter) Filter { return Filter{Not: &f} }

// Match evaluates the filter tree against value.
func (f Filter) Match(value []byte) bool {
	switch {
	case f.Not != nil:
		return !f.Not.Match(value)
	case f.And != nil:
		for _, sub := range f.And {
			if !sub.Match(value) {
				return false
			}
		}
		return true
	case f.Or != nil:
		for _, sub := range f.Or {
			if sub.Match(value) {
				return true
			}
		}
		return false
	default:
		return f.matchLeaf(value)
	}
}

func (f Filter) matchLeaf(value []byte) bool {
	switch f.Op {
	case Equal:
		return bytes.Equal(value, f.Operand)
	case NotEqual:
		return !bytes.Equal(value, f.Operand)
	case GreaterThan:
		return bytes.Compare(value, f.Operand) > 0
	case GreaterThanOrEqual:
		return bytes.Compare(value, f.Operand) >= 0
	case LessThan:
		return bytes.Compare(value, f.Operand) < 0
	case LessThanOrEqual:
		return bytes.Compare(value, f.Operand) <= 0
	case Contains:
		return bytes.Contains(value, f.Operand)
	case StartsWith:
		return bytes.HasPrefix(value, f.Operand)
	case EndsWith:
		return bytes.HasSuffix(value, f.Operand)
	case Regex:
		return f.matchRegex(value)
	default:
		return false
	}
}

func (f Filter) matchRegex(value []byte) bool {
	if !utf8.Valid(value) {
		return false
	}
	re := f.compiledRegex
	if re == nil {
		var err error
		re, err = regexp.Compile(string(f.Operand))
		if err != nil {
			return false
		}
	}
	return re.Match(value)
}

// Set maps column name to the filter applied to that column's value,
// plus optional inclusive timestamp bounds and a version cap. A
// column absent from Columns passes through every version unchanged.
type Set struct {
	Columns     map[string]Filter
	MinTS       uint64 // applied only when HasMinTS is set
	MaxTS       uint64 // applied only when HasMaxTS is set
	HasMinTS    bool
	HasMaxTS    bool
	MaxVersions int // 0 means unbounded
}

// Entry is one (column, timestamp, value) triple a Set is applied to.
type Entry struct {
	Column    string
	Timestamp uint64
	Value     []byte
}

// Apply filters entries (already resolved by the merged reader for one
// row) per the Set's per-column filters, timestamp bounds, and
// per-column max-versions cap, preserving input order.
func (s Set) Apply(entries []Entry) []Entry {
	counts := make(map[string]int)
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if s.HasMinTS && e.Timestamp < s.MinTS {
			continue
		}
		if s.HasMaxTS && e.Timestamp > s.MaxTS {
			continue
		}
		if f, ok := s.Columns[e.Column]; ok && !f.Match(e.Value) {
			continue
		}
		if s.MaxVersions > 0 {
			if counts[e.Column] >= s.MaxVersions {
				continue
			}
			counts[e.Column]++
		}
		out = append(out, e)
	}
	return out
}

// AggKind names a reduction applied to one column's values.
type AggKind int

const (
	Count AggKind = iota
	Sum
	Average
	Min
	Max
)

// AggregationSet maps column name to the aggregation kind applied to it.
type AggregationSet map[string]AggKind

// Result is one column's reduced value. Count is always populated;
// Numeric is populated for Sum/Average; Bytes is populated for Min/Max.
// Invalid counts values that failed to parse as decimal numbers for
// Sum/Average; such values are skipped rather than failing the whole
// aggregation.
type Result struct {
	Kind    AggKind
	Count   uint64
	Numeric float64
	Bytes   []byte
	Invalid uint64
}

// Reduce applies aggs over entries (typically a single row's or a
// range's filtered stream) and returns column -> Result. Filtering, when
// wanted, must run first via Set.Apply — Reduce itself does not filter.
func Reduce(entries []Entry, aggs AggregationSet) map[string]Result {
	out := make(map[string]Result, len(aggs))
	for col, kind := range aggs {
		out[col] = Result{Kind: kind}
	}

	for _, e := range entries {
		kind, ok := aggs[e.Column]
		if !ok {
			continue
		}
		r := out[e.Column]
		r.Count++

		switch kind {
		case Sum, Average:
			f, err := strconv.ParseFloat(string(e.Value), 64)
			if err != nil {
				r.Invalid++
			} else {
				r.Numeric += f
			}
		case Min:
			if r.Bytes == nil || bytes.Compare(e.Value, r.Bytes) < 0 {
				r.Bytes = e.Value
			}
		case Max:
			if r.Bytes == nil || bytes.Compare(e.Value, r.Bytes) > 0 {
				r.Bytes = e.Value
			}
		}
		out[e.Column] = r
	}

	for col, r := range out {
		if r.Kind == Average {
			valid := r.Count - r.Invalid
			if valid > 0 {
				r.Numeric /= float64(valid)
			}
			out[col] = r
		}
	}
	return out
}

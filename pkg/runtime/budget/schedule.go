package budget

import (
	"fmt"
	"sort"
)

// OpKind identifies a metered operation.
type OpKind string

const (
	OpInstruction     OpKind = "instruction"
	OpMemoryGrow      OpKind = "memory_grow" // per memory.grow executed
	OpWASICall        OpKind = "wasi_call"
	OpFetch           OpKind = "fetch"
	OpFetchMiss       OpKind = "fetch_miss"
	OpFetchByte       OpKind = "fetch_byte"
	OpJSONExtract     OpKind = "json_extract"
	OpJSONExtractByte OpKind = "json_extract_byte"
	OpToFixedDecimal  OpKind = "to_fixed_decimal"
	OpAggregate       OpKind = "aggregate"
	OpAggregateSource OpKind = "aggregate_source"
	OpLog             OpKind = "log"
	OpLogByte         OpKind = "log_byte"
	OpReadResult      OpKind = "read_result"
	OpReadResultByte  OpKind = "read_result_byte"
)

var defaultCosts = map[OpKind]uint64{
	OpInstruction:     1,
	OpMemoryGrow:      1_000,
	OpWASICall:        100,
	OpFetch:           10_000,
	OpFetchMiss:       40_000,
	OpFetchByte:       2,
	OpJSONExtract:     2_000,
	OpJSONExtractByte: 1,
	OpToFixedDecimal:  1_000,
	OpAggregate:       1_000,
	OpAggregateSource: 500,
	OpLog:             100,
	OpLogByte:         1,
	OpReadResult:      50,
	OpReadResultByte:  1,
}

// Schedule maps each OpKind to its cost. A Schedule is read-only once built.
type Schedule struct {
	costs map[OpKind]uint64
}

// DefaultSchedule returns the built-in cost schedule.
func DefaultSchedule() *Schedule {
	s, _ := NewSchedule(nil)
	return s
}

// NewSchedule builds a schedule from the defaults with the given overrides applied.
// Unknown operation kinds are rejected so that a typo in configuration cannot
// silently leave an operation at its default price.
func NewSchedule(overrides map[string]uint64) (*Schedule, error) {
	costs := make(map[OpKind]uint64, len(defaultCosts))
	for k, v := range defaultCosts {
		costs[k] = v
	}
	for name, cost := range overrides {
		kind := OpKind(name)
		if _, ok := defaultCosts[kind]; !ok {
			return nil, fmt.Errorf("budget: unknown operation kind %q", name)
		}
		costs[kind] = cost
	}
	return &Schedule{costs: costs}, nil
}

// Cost returns the price of one unit of kind.
func (s *Schedule) Cost(kind OpKind) uint64 {
	return s.costs[kind]
}

// Kinds returns every priced operation kind in lexical order.
func (s *Schedule) Kinds() []OpKind {
	kinds := make([]OpKind, 0, len(s.costs))
	for k := range s.costs {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

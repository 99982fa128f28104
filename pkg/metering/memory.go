package metering

import (
	"context"
	"math/big"
	"sync"
	"time"
)

// MemoryLedger implements Ledger in memory.
type MemoryLedger struct {
	mu      sync.RWMutex
	entries []Entry
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{}
}

func (l *MemoryLedger) Record(ctx context.Context, entry Entry) error {
	return l.RecordBatch(ctx, []Entry{entry})
}

func (l *MemoryLedger) RecordBatch(ctx context.Context, entries []Entry) error {
	now := time.Now().UTC()
	batch := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return err
		}
		if e.Timestamp.IsZero() {
			e.Timestamp = now
		}
		batch = append(batch, e)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, batch...)
	return nil
}

func (l *MemoryLedger) GetUsage(ctx context.Context, callerID string, period Period) (*Usage, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	total := new(big.Int)
	kinds := make(map[string]*big.Int)
	usage := &Usage{
		CallerID:   callerID,
		Period:     period,
		ByStatus:   make(map[Status]int64),
		ByKind:     make(map[string]string),
		LastUpdate: time.Now().UTC(),
	}
	for _, e := range l.entries {
		if e.CallerID != callerID || !period.Contains(e.Timestamp) {
			continue
		}
		usage.Executions++
		usage.ByStatus[e.Status]++
		gas, _ := parseGas(e.GasUsed)
		total.Add(total, gas)
		for k, v := range e.Breakdown {
			n, _ := parseGas(v)
			if kinds[k] == nil {
				kinds[k] = new(big.Int)
			}
			kinds[k].Add(kinds[k], n)
		}
	}
	usage.GasUsed = total.String()
	for k, v := range kinds {
		usage.ByKind[k] = v.String()
	}
	return usage, nil
}

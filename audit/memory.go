package audit

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/oklog/ulid/v2"
)

// MemoryLog is an in-memory Log. Safe for concurrent use.
type MemoryLog struct {
	mu      sync.RWMutex
	entries map[string][]Entry

	clock clock.Clock
}

var _ Log = (*MemoryLog)(nil)

type MemoryOption func(*MemoryLog)

func WithClock(c clock.Clock) MemoryOption {
	return func(l *MemoryLog) {
		l.clock = c
	}
}

func NewMemoryLog(opts ...MemoryOption) *MemoryLog {
	l := &MemoryLog{
		entries: map[string][]Entry{},
		clock:   clock.New(),
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

func (l *MemoryLog) Append(ctx context.Context, e Entry) error {
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}

	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.clock.Now().UTC()
	}

	e.Context = maps.Clone(e.Context)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries[e.ExecutionID] = append(l.entries[e.ExecutionID], e)

	return nil
}

func (l *MemoryLog) Entries(ctx context.Context, executionID string) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	entries := slices.Clone(l.entries[executionID])
	for i := range entries {
		entries[i].Context = maps.Clone(entries[i].Context)
	}

	return entries, nil
}

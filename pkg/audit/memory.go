package audit

import (
	"context"
	"sync"
)

// MemoryLog is the volatile backend. Its contents are lost on restart.
type MemoryLog struct {
	mu     sync.RWMutex
	events []Event
	seq    uint64
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (l *MemoryLog) Append(_ context.Context, event Event) (Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	event = stamp(event, l.seq)
	l.events = append(l.events, event)

	return event, nil
}

func (l *MemoryLog) List(_ context.Context, options ListOptions) (Page, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	asOf := l.seq
	if options.AsOf > 0 && options.AsOf < asOf {
		asOf = options.AsOf
	}

	return paginate(l.events, options, asOf), nil
}

func (l *MemoryLog) Close() error {
	return nil
}

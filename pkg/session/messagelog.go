package session

import "sync"

// MessageLog is an append-only ordered list of text payloads.
// It is safe for concurrent use.
type MessageLog struct {
	mu      sync.RWMutex
	entries []string
}

// Append adds text as the last entry.
func (l *MessageLog) Append(text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, text)
}

// Entries returns a copy of all entries in insertion order.
func (l *MessageLog) Entries() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]string, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len returns the number of entries.
func (l *MessageLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

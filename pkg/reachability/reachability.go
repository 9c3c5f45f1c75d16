// Package reachability reports whether the network path to an endpoint is usable.
//
// An Observer publishes transitions only. Manual is driven by the caller,
// for example from OS-level network notifications. Prober polls the
// endpoint host over TCP.
package reachability

import (
	"sync"

	"github.com/resws/resws/pkg/constants"
)

// Observer reports binary reachability transitions.
type Observer interface {
	// Reachable returns the last known reachability.
	Reachable() bool

	// Updates returns the channel of reachability transitions, in order.
	Updates() <-chan bool
}

// Manual is an Observer whose value is set by the caller.
type Manual struct {
	mu        sync.Mutex
	reachable bool
	updates   chan bool
}

var _ Observer = (*Manual)(nil)

// NewManual creates a Manual observer with the given initial value.
func NewManual(reachable bool) *Manual {
	return &Manual{
		reachable: reachable,
		updates:   make(chan bool, constants.DefaultEventBufferSize),
	}
}

// Reachable implements Observer.
func (m *Manual) Reachable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reachable
}

// Updates implements Observer.
func (m *Manual) Updates() <-chan bool {
	return m.updates
}

// Set publishes reachable if it differs from the current value.
// It blocks while the update buffer is full.
func (m *Manual) Set(reachable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.reachable == reachable {
		return
	}
	m.reachable = reachable
	m.updates <- reachable
}

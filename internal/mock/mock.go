// Package mock provides an in-memory transport for session tests.
package mock

import (
	"sync"

	"github.com/resws/resws/pkg/constants"
	"github.com/resws/resws/pkg/transport"
)

// Transport records every command and publishes events injected by the test.
type Transport struct {
	*transport.Emitter

	mu          sync.Mutex
	connects    int
	disconnects int
	pings       int
	sent        []string
}

var _ transport.Transport = (*Transport)(nil)

func NewTransport() *Transport {
	return &Transport{
		Emitter: transport.NewEmitter(constants.DefaultEventBufferSize),
	}
}

func (t *Transport) Connect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connects++
}

func (t *Transport) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disconnects++
}

func (t *Transport) SendText(text string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, text)
}

func (t *Transport) SendPing() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pings++
}

func (t *Transport) Connects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connects
}

func (t *Transport) Disconnects() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.disconnects
}

func (t *Transport) Pings() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pings
}

func (t *Transport) Sent() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.sent...)
}

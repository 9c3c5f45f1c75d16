package reachability

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/resws/resws/pkg/constants"
	"github.com/resws/resws/pkg/logger"
)

// DialFunc opens a probe connection. net.Dialer.DialContext satisfies it.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Prober is an Observer that periodically opens a TCP connection to Address.
// It starts out reachable and publishes a transition whenever a probe
// result differs from the previous one.
type Prober struct {
	// Address is the host:port to probe.
	Address string

	// Interval is the time between probes.
	Interval time.Duration

	// Timeout bounds a single probe.
	Timeout time.Duration

	// Dial opens the probe connection. Defaults to a net.Dialer.
	Dial DialFunc

	logger logger.Logger

	mu        sync.Mutex
	reachable bool
	updates   chan bool
}

var _ Observer = (*Prober)(nil)

// NewProber creates a Prober for address with the package defaults.
func NewProber(address string, log logger.Logger) *Prober {
	if log == nil {
		log = logger.Nop()
	}
	dialer := &net.Dialer{}
	return &Prober{
		Address:   address,
		Interval:  constants.DefaultProbeInterval,
		Timeout:   constants.DefaultProbeTimeout,
		Dial:      dialer.DialContext,
		logger:    log,
		reachable: true,
		updates:   make(chan bool, constants.DefaultEventBufferSize),
	}
}

// Reachable implements Observer.
func (p *Prober) Reachable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reachable
}

// Updates implements Observer.
func (p *Prober) Updates() <-chan bool {
	return p.updates
}

// Run probes until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	for {
		p.publish(ctx, p.Probe(ctx))

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Probe performs a single reachability check.
func (p *Prober) Probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	conn, err := p.Dial(probeCtx, "tcp", p.Address)
	if err != nil {
		p.logger.Debug("reachability: probe failed", "address", p.Address, "error", err)
		return false
	}
	_ = conn.Close()

	return true
}

func (p *Prober) publish(ctx context.Context, reachable bool) {
	p.mu.Lock()
	changed := p.reachable != reachable
	p.reachable = reachable
	p.mu.Unlock()

	if !changed {
		return
	}

	p.logger.Info("reachability: changed", "address", p.Address, "reachable", reachable)

	select {
	case p.updates <- reachable:
	case <-ctx.Done():
	}
}

package session

import "time"

// heartbeat is the keepalive ticker. It is owned by the event loop:
// ticks are handed to fire and acted on only after the loop re-checks
// that the session is still connected.
type heartbeat struct {
	period time.Duration
	gen    uint64
	stopCh chan struct{}
}

func (h *heartbeat) running() bool {
	return h.stopCh != nil
}

// start stops the running ticker, if any, and starts a new one.
func (h *heartbeat) start(fire func(gen uint64, stop <-chan struct{})) {
	h.stop()
	if h.period <= 0 {
		return
	}

	h.gen++
	gen := h.gen
	period := h.period
	stopCh := make(chan struct{})
	h.stopCh = stopCh

	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()

		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
				fire(gen, stopCh)
			}
		}
	}()
}

// stop is idempotent.
func (h *heartbeat) stop() {
	if h.stopCh == nil {
		return
	}
	close(h.stopCh)
	h.stopCh = nil
}

// current reports whether a tick of generation gen belongs to the running ticker.
func (h *heartbeat) current(gen uint64) bool {
	return h.stopCh != nil && gen == h.gen
}

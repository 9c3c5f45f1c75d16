package session

import "time"

type taskKind int

const (
	taskReconnect taskKind = iota
	taskClearError
	taskHeartbeat
)

func (k taskKind) String() string {
	switch k {
	case taskReconnect:
		return "reconnect"
	case taskClearError:
		return "clear_error"
	case taskHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// firing is delivered to the event loop when a scheduled task is due.
type firing struct {
	kind taskKind
	gen  uint64
}

// scheduler holds at most one pending timer per task kind.
// It is owned by the event loop and not safe for concurrent use.
type scheduler struct {
	timers map[taskKind]*time.Timer
	gens   map[taskKind]uint64
	next   uint64
	fire   func(firing)
}

func newScheduler(fire func(firing)) scheduler {
	return scheduler{
		timers: make(map[taskKind]*time.Timer),
		gens:   make(map[taskKind]uint64),
		fire:   fire,
	}
}

// schedule replaces any pending task of the same kind.
func (s *scheduler) schedule(kind taskKind, after time.Duration) {
	s.cancel(kind)

	s.next++
	gen := s.next
	s.gens[kind] = gen
	s.timers[kind] = time.AfterFunc(after, func() {
		s.fire(firing{kind: kind, gen: gen})
	})
}

func (s *scheduler) cancel(kind taskKind) {
	if t, ok := s.timers[kind]; ok {
		t.Stop()
		delete(s.timers, kind)
	}
	delete(s.gens, kind)
}

func (s *scheduler) cancelAll() {
	for kind := range s.timers {
		s.cancel(kind)
	}
}

func (s *scheduler) pending(kind taskKind) bool {
	_, ok := s.gens[kind]
	return ok
}

// claim consumes f if it is the pending task of its kind.
// A firing that raced a cancel or a reschedule is stale and returns false.
func (s *scheduler) claim(f firing) bool {
	gen, ok := s.gens[f.kind]
	if !ok || gen != f.gen {
		return false
	}
	delete(s.timers, f.kind)
	delete(s.gens, f.kind)
	return true
}

package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/resws/resws/internal/rand"
	"github.com/resws/resws/pkg/constants"
	"github.com/resws/resws/pkg/logger"
	"github.com/resws/resws/pkg/reachability"
	"github.com/resws/resws/pkg/transport"
)

type command interface {
	isCommand()
}

type beginCmd struct{}
type retryCmd struct{}
type disconnectCmd struct{}
type sendCmd struct{ text string }
type recordCmd struct{ text string }

func (beginCmd) isCommand()      {}
func (retryCmd) isCommand()      {}
func (disconnectCmd) isCommand() {}
func (sendCmd) isCommand()       {}
func (recordCmd) isCommand()     {}

// Session owns one logical WebSocket connection and keeps it alive.
//
// All state is owned by a single event loop goroutine, which consumes
// caller commands, transport events, reachability updates and its own
// timers in arrival order. The command methods only enqueue work and
// never block on the network.
type Session struct {
	cfg       Config
	id        string
	logger    logger.Logger
	transport transport.Transport
	observer  reachability.Observer

	commands chan command
	fired    chan firing
	done     chan struct{}
	stopped  chan struct{}
	closing  sync.Once

	// Written only by the event loop, under mu.
	// The loop reads them without locking.
	mu           sync.RWMutex
	state        State
	attempts     int
	pending      bool
	reachable    bool
	transientErr string

	// Owned by the event loop.
	begun        bool
	closedByUser bool
	heartbeat    heartbeat
	tasks        scheduler

	messages MessageLog

	handlersMu       sync.RWMutex
	onStateChange    func(StateEvent)
	onMessage        func(string)
	onTransientError func(string)
}

// New creates a session over t and starts its event loop.
// r may be nil, in which case the network is assumed to be always reachable.
// The session starts Idle; call BeginSession to connect.
func New(t transport.Transport, r reachability.Observer, cfg Config) *Session {
	cfg.withDefaults()

	id := rand.NewSessionID(constants.SessionIDLength)

	s := &Session{
		cfg:       cfg,
		id:        id,
		logger:    logger.With(cfg.Logger, "session_id", id),
		transport: t,
		observer:  r,
		commands:  make(chan command, cfg.EventBufferSize),
		fired:     make(chan firing, cfg.EventBufferSize),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
		state:     Idle{},
		reachable: r == nil || r.Reachable(),
		heartbeat: heartbeat{period: cfg.HeartbeatInterval},
	}
	s.tasks = newScheduler(s.fire)

	cfg.Metrics.ObserveState(Label(s.state))

	go s.run()

	return s
}

// ID returns the random identifier attached to this session's logs.
func (s *Session) ID() string {
	return s.id
}

// BeginSession connects from Idle, Disconnected or Failed.
// It is ignored in any other state.
func (s *Session) BeginSession() {
	s.enqueue(beginCmd{})
}

// RetryManually resets the retry budget, clears the transient error
// and connects, whatever the current state.
func (s *Session) RetryManually() {
	s.enqueue(retryCmd{})
}

// Disconnect closes the connection and stops any reconnection.
func (s *Session) Disconnect() {
	s.enqueue(disconnectCmd{})
}

// Send transmits text if the session is Connected at the time the
// command is processed. Otherwise it is silently dropped.
func (s *Session) Send(text string) {
	s.enqueue(sendCmd{text: text})
}

// RecordLocalMessage appends text to the message log without transmitting it.
func (s *Session) RecordLocalMessage(text string) {
	s.enqueue(recordCmd{text: text})
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Messages returns the message log in insertion order.
func (s *Session) Messages() []string {
	return s.messages.Entries()
}

// TransientError returns the current transient error, if any.
func (s *Session) TransientError() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transientErr, s.transientErr != ""
}

// ReconnectAttempts returns the number of automatic reconnects in the current cycle.
func (s *Session) ReconnectAttempts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.attempts
}

// PendingReachabilityReconnect reports whether a reconnect is deferred
// until the network is reachable again.
func (s *Session) PendingReachabilityReconnect() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pending
}

// Reachable returns the last reachability value the session processed.
func (s *Session) Reachable() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reachable
}

// OnStateChange registers a callback for state changes.
// Callbacks run on the event loop and must not block.
func (s *Session) OnStateChange(fn func(StateEvent)) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.onStateChange = fn
}

// OnMessage registers a callback for every entry appended to the message log.
// Callbacks run on the event loop and must not block.
func (s *Session) OnMessage(fn func(string)) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.onMessage = fn
}

// OnTransientError registers a callback for transient error changes.
// An empty string means the error was cleared.
// Callbacks run on the event loop and must not block.
func (s *Session) OnTransientError(fn func(string)) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.onTransientError = fn
}

// Close stops the event loop, cancels all timers and disconnects the transport.
// Commands issued after Close are dropped.
// It returns ctx.Err() if the loop did not stop before ctx was done.
func (s *Session) Close(ctx context.Context) error {
	s.closing.Do(func() {
		close(s.done)
	})

	select {
	case <-s.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) enqueue(cmd command) {
	select {
	case <-s.done:
		s.logger.Debug("session: command dropped", "command", fmt.Sprintf("%T", cmd), "error", constants.ErrSessionClosed)
		return
	default:
	}

	select {
	case s.commands <- cmd:
	case <-s.done:
	}
}

func (s *Session) fire(f firing) {
	select {
	case s.fired <- f:
	case <-s.done:
	}
}

func (s *Session) fireHeartbeat(gen uint64, stop <-chan struct{}) {
	select {
	case s.fired <- firing{kind: taskHeartbeat, gen: gen}:
	case <-stop:
	case <-s.done:
	}
}

func (s *Session) run() {
	defer close(s.stopped)

	events := s.transport.Events()

	var updates <-chan bool
	if s.observer != nil {
		updates = s.observer.Updates()
	}

	for {
		select {
		case <-s.done:
			s.shutdown()
			return
		case cmd := <-s.commands:
			s.handleCommand(cmd)
		case ev := <-events:
			s.handleTransportEvent(ev)
		case reachable := <-updates:
			s.handleReachability(reachable)
		case f := <-s.fired:
			s.handleFiring(f)
		}
	}
}

func (s *Session) shutdown() {
	s.heartbeat.stop()
	s.tasks.cancelAll()
	s.transport.Disconnect()
	s.logger.Debug("session: closed", "state", s.state.String())
}

func (s *Session) handleCommand(cmd command) {
	switch cmd := cmd.(type) {
	case beginCmd:
		switch s.state.(type) {
		case Idle, Disconnected, Failed:
			s.connect()
		default:
			s.logger.Debug("session: begin ignored", "state", s.state.String())
		}
	case retryCmd:
		s.retry()
	case disconnectCmd:
		s.disconnect()
	case sendCmd:
		s.send(cmd.text)
	case recordCmd:
		s.appendMessage(cmd.text)
	default:
		panic(fmt.Sprintf("BUG: unknown session command %T", cmd))
	}
}

func (s *Session) handleTransportEvent(ev transport.Event) {
	switch ev := ev.(type) {
	case transport.Connected:
		s.logger.Info("session: transport connected", "subprotocol", ev.Subprotocol)
		s.setCounters(0, false)
		s.transition(Connected{})
	case transport.Disconnected:
		s.logger.Info("session: transport disconnected", "reason", ev.Reason, "code", ev.Code)
		s.handleLoss()
	case transport.Cancelled:
		s.logger.Info("session: transport cancelled")
		s.handleLoss()
	case transport.ErrorOccurred:
		s.logger.Warn("session: transport error", "error", ev.Description())
		s.cfg.Metrics.IncTransportError()
		s.setTransientError(ev.Description())
		s.handleLoss()
	case transport.TextReceived:
		s.cfg.Metrics.IncMessageReceived()
		s.appendMessage(ev.Text)
	case transport.BinaryReceived:
		s.logger.Debug("session: binary frame received", "bytes", ev.Size)
	case transport.PingReceived, transport.PongReceived:
	default:
		panic(fmt.Sprintf("BUG: unknown transport event %T", ev))
	}
}

// handleLoss decides what follows a lost or failed connection.
func (s *Session) handleLoss() {
	switch s.state.(type) {
	case Connecting, Connected:
	case Idle, Disconnected, Retrying, Failed:
		s.logger.Debug("session: loss ignored", "state", s.state.String())
		return
	default:
		panic(fmt.Sprintf("BUG: unknown session state %T", s.state))
	}

	if !s.queryReachable() {
		s.logger.Info("session: reconnect deferred until reachable")
		s.setCounters(s.attempts, true)
		s.transition(Disconnected{})
		return
	}

	if s.attempts >= s.cfg.MaxReconnectAttempts {
		s.logger.Warn("session: reconnect attempts exhausted", "attempts", s.attempts)
		s.transition(Failed{Reason: exhaustedReason(s.attempts)})
		return
	}

	s.setCounters(s.attempts+1, s.pending)
	delay := s.cfg.Backoff.Delay(s.attempts)

	s.transition(Retrying{Attempt: s.attempts})
	s.tasks.schedule(taskReconnect, delay)
	s.cfg.Metrics.IncReconnectAttempt()

	s.logger.Info("session: reconnect scheduled", "attempt", s.attempts, "delay", delay.String())
}

// queryReachable asks the observer directly. An update may still be
// queued behind the transport event being handled.
func (s *Session) queryReachable() bool {
	if s.observer == nil {
		return s.reachable
	}

	reachable := s.observer.Reachable()
	s.mu.Lock()
	s.reachable = reachable
	s.mu.Unlock()

	return reachable
}

func (s *Session) handleReachability(reachable bool) {
	s.mu.Lock()
	s.reachable = reachable
	s.mu.Unlock()

	if !reachable {
		s.logger.Warn("session: network unreachable")
		s.setCounters(s.attempts, true)
		s.transition(Failed{Reason: ReasonNoInternet})
		return
	}

	s.logger.Info("session: network reachable", "pending_reconnect", s.pending)

	if !s.pending || !s.begun || s.closedByUser {
		return
	}

	switch st := s.state.(type) {
	case Disconnected:
	case Failed:
		if st.Reason != ReasonNoInternet {
			return
		}
	case Idle, Connecting, Connected, Retrying:
		return
	default:
		panic(fmt.Sprintf("BUG: unknown session state %T", st))
	}

	s.setCounters(s.attempts, false)
	s.retry()
}

func (s *Session) handleFiring(f firing) {
	switch f.kind {
	case taskHeartbeat:
		if !s.heartbeat.current(f.gen) {
			return
		}
		if _, ok := s.state.(Connected); !ok {
			s.heartbeat.stop()
			return
		}
		s.transport.SendPing()
		s.cfg.Metrics.IncHeartbeat()
	case taskReconnect:
		if !s.tasks.claim(f) {
			return
		}
		if _, ok := s.state.(Retrying); !ok {
			return
		}
		s.connect()
	case taskClearError:
		if !s.tasks.claim(f) {
			return
		}
		s.setTransientError("")
	default:
		panic(fmt.Sprintf("BUG: unknown task %v", f.kind))
	}
}

func (s *Session) connect() {
	s.begun = true
	s.closedByUser = false
	s.transition(Connecting{})
	s.transport.Connect()
}

func (s *Session) retry() {
	s.setCounters(0, s.pending)
	if s.transientErr != "" {
		s.setTransientError("")
	}
	s.connect()
}

func (s *Session) disconnect() {
	switch s.state.(type) {
	case Idle:
		return
	case Disconnected:
		s.closedByUser = true
		s.setCounters(s.attempts, false)
		return
	case Connecting, Connected, Retrying, Failed:
	default:
		panic(fmt.Sprintf("BUG: unknown session state %T", s.state))
	}

	s.closedByUser = true
	s.setCounters(s.attempts, false)
	s.transition(Disconnected{})
	s.transport.Disconnect()
}

func (s *Session) send(text string) {
	if _, ok := s.state.(Connected); !ok {
		s.cfg.Metrics.IncSendDropped()
		s.logger.Debug("session: send dropped", "state", s.state.String())
		return
	}

	s.transport.SendText(text)
	s.cfg.Metrics.IncMessageSent()
}

// transition replaces the state and applies the entry/exit side effects
// tied to it: the heartbeat runs exactly while Connected, and a pending
// reconnect survives only while Retrying.
func (s *Session) transition(next State) {
	prev := s.state

	s.heartbeat.stop()
	if _, ok := next.(Retrying); !ok {
		s.tasks.cancel(taskReconnect)
	}

	s.mu.Lock()
	s.state = next
	s.mu.Unlock()

	if _, ok := next.(Connected); ok {
		s.heartbeat.start(s.fireHeartbeat)
	}

	if prev == next {
		return
	}

	s.logger.Debug("session: state transitioned", "from", prev.String(), "to", next.String())
	s.cfg.Metrics.ObserveTransition(Label(prev), Label(next))

	s.handlersMu.RLock()
	fn := s.onStateChange
	s.handlersMu.RUnlock()
	if fn != nil {
		fn(StateEvent{Old: prev, New: next})
	}
}

func (s *Session) setCounters(attempts int, pending bool) {
	s.mu.Lock()
	s.attempts = attempts
	s.pending = pending
	s.mu.Unlock()
}

// setTransientError replaces the current error. A non-empty error is
// cleared after ErrorLifetime; a newer error restarts that timer, so an
// older timer never clears a newer error.
func (s *Session) setTransientError(msg string) {
	s.mu.Lock()
	s.transientErr = msg
	s.mu.Unlock()

	if msg != "" {
		s.tasks.schedule(taskClearError, s.cfg.ErrorLifetime)
	} else {
		s.tasks.cancel(taskClearError)
	}

	s.handlersMu.RLock()
	fn := s.onTransientError
	s.handlersMu.RUnlock()
	if fn != nil {
		fn(msg)
	}
}

func (s *Session) appendMessage(text string) {
	s.messages.Append(text)

	s.handlersMu.RLock()
	fn := s.onMessage
	s.handlersMu.RUnlock()
	if fn != nil {
		fn(text)
	}
}

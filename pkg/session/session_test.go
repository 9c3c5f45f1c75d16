package session_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resws/resws/internal/mock"
	"github.com/resws/resws/pkg/backoff"
	"github.com/resws/resws/pkg/metrics"
	"github.com/resws/resws/pkg/reachability"
	"github.com/resws/resws/pkg/session"
	"github.com/resws/resws/pkg/transport"
)

const (
	waitFor = 2 * time.Second
	tick    = time.Millisecond
)

func testConfig() session.Config {
	cfg := session.DefaultConfig()
	cfg.MaxReconnectAttempts = 3
	cfg.HeartbeatInterval = 0
	cfg.ErrorLifetime = time.Second
	cfg.Backoff = backoff.Fixed(5 * time.Millisecond)
	return cfg
}

func newSession(t *testing.T, cfg session.Config, reachable bool) (*session.Session, *mock.Transport, *reachability.Manual) {
	t.Helper()

	tr := mock.NewTransport()
	reach := reachability.NewManual(reachable)
	s := session.New(tr, reach, cfg)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.NoError(t, s.Close(ctx))
		tr.Close()
	})

	return s, tr, reach
}

func waitState(t *testing.T, s *session.Session, want session.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return s.State() == want
	}, waitFor, tick, "want state %v", want)
}

// waitConnects waits until the transport saw n connect calls and the
// session is Connecting.
func waitConnects(t *testing.T, s *session.Session, tr *mock.Transport, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return tr.Connects() == n && s.State() == session.Connecting{}
	}, waitFor, tick, "want %d connect calls", n)
}

func connect(t *testing.T, s *session.Session, tr *mock.Transport) {
	t.Helper()
	s.BeginSession()
	waitState(t, s, session.Connecting{})
	tr.Emit(transport.Connected{})
	waitState(t, s, session.Connected{})
}

// barrier returns once every command issued before it was processed.
func barrier(t *testing.T, s *session.Session, marker string) {
	t.Helper()
	s.RecordLocalMessage(marker)
	require.Eventually(t, func() bool {
		msgs := s.Messages()
		return len(msgs) > 0 && msgs[len(msgs)-1] == marker
	}, waitFor, tick)
}

// eventBarrier returns once every transport event emitted before it was processed.
func eventBarrier(t *testing.T, s *session.Session, tr *mock.Transport, marker string) {
	t.Helper()
	tr.Emit(transport.TextReceived{Text: marker})
	require.Eventually(t, func() bool {
		msgs := s.Messages()
		return len(msgs) > 0 && msgs[len(msgs)-1] == marker
	}, waitFor, tick)
}

type stateRecorder struct {
	mu     sync.Mutex
	events []session.StateEvent
}

func (r *stateRecorder) record(ev session.StateEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *stateRecorder) states() []session.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]session.State, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.New)
	}
	return out
}

func TestBeginSessionConnects(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	s, tr, _ := newSession(t, cfg, true)

	assert.Equal(t, session.Idle{}, s.State())
	assert.NotEmpty(t, s.ID())

	connect(t, s, tr)

	assert.Equal(t, 1, tr.Connects())
	assert.Equal(t, 0, s.ReconnectAttempts())
	require.Eventually(t, func() bool { return tr.Pings() > 0 }, waitFor, tick)
}

func TestBeginSessionIgnoredWhileActive(t *testing.T) {
	s, tr, _ := newSession(t, testConfig(), true)
	connect(t, s, tr)

	s.BeginSession()
	barrier(t, s, "after begin")

	assert.Equal(t, 1, tr.Connects())
	assert.Equal(t, session.Connected{}, s.State())
}

func TestReconnectAfterDisconnect(t *testing.T) {
	s, tr, _ := newSession(t, testConfig(), true)
	rec := &stateRecorder{}
	s.OnStateChange(rec.record)

	connect(t, s, tr)
	tr.Emit(transport.Disconnected{Reason: "timeout", Code: 1006})

	waitConnects(t, s, tr, 2)
	assert.Equal(t, 1, s.ReconnectAttempts())
	assert.Equal(t, []session.State{
		session.Connecting{},
		session.Connected{},
		session.Retrying{Attempt: 1},
		session.Connecting{},
	}, rec.states())
}

func TestRetryingHoldsUntilDelayElapses(t *testing.T) {
	cfg := testConfig()
	cfg.Backoff = backoff.Fixed(time.Hour)
	s, tr, _ := newSession(t, cfg, true)

	connect(t, s, tr)
	tr.Emit(transport.Cancelled{})

	waitState(t, s, session.Retrying{Attempt: 1})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, tr.Connects())
}

func TestRetriesExhausted(t *testing.T) {
	s, tr, _ := newSession(t, testConfig(), true)
	connect(t, s, tr)

	tr.Emit(transport.Disconnected{Reason: "timeout", Code: 1006})
	for n := 2; n <= 4; n++ {
		waitConnects(t, s, tr, n)
		tr.Emit(transport.ErrorOccurred{Err: errors.New("dial failed")})
	}

	waitState(t, s, session.Failed{Reason: "Unable to reconnect after 3 attempts"})
	assert.Equal(t, 3, s.ReconnectAttempts())

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 4, tr.Connects())
	assert.Equal(t, session.Failed{Reason: "Unable to reconnect after 3 attempts"}, s.State())
}

func TestZeroAttemptsFailsImmediately(t *testing.T) {
	cfg := testConfig()
	cfg.MaxReconnectAttempts = 0
	s, tr, _ := newSession(t, cfg, true)
	connect(t, s, tr)

	tr.Emit(transport.Cancelled{})

	waitState(t, s, session.Failed{Reason: "Unable to reconnect after 0 attempts"})
	assert.Equal(t, 1, tr.Connects())
}

func TestConnectedResetsCounter(t *testing.T) {
	s, tr, _ := newSession(t, testConfig(), true)
	connect(t, s, tr)

	tr.Emit(transport.Cancelled{})
	waitConnects(t, s, tr, 2)
	tr.Emit(transport.ErrorOccurred{Err: errors.New("dial failed")})
	waitConnects(t, s, tr, 3)
	require.Equal(t, 2, s.ReconnectAttempts())

	tr.Emit(transport.Connected{})
	waitState(t, s, session.Connected{})
	assert.Equal(t, 0, s.ReconnectAttempts())
}

func TestConnectedFromAnyState(t *testing.T) {
	s, tr, _ := newSession(t, testConfig(), true)

	tr.Emit(transport.Connected{})
	waitState(t, s, session.Connected{})
	assert.Equal(t, 0, tr.Connects())
}

func TestSendOnlyWhileConnected(t *testing.T) {
	cfg := testConfig()
	cfg.Backoff = backoff.Fixed(time.Hour)
	s, tr, _ := newSession(t, cfg, true)

	s.Send("idle")
	barrier(t, s, "1")

	s.BeginSession()
	waitState(t, s, session.Connecting{})
	s.Send("connecting")
	barrier(t, s, "2")

	tr.Emit(transport.ErrorOccurred{Err: errors.New("refused")})
	waitState(t, s, session.Retrying{Attempt: 1})
	s.Send("retrying")
	barrier(t, s, "3")

	s.Disconnect()
	waitState(t, s, session.Disconnected{})
	s.Send("disconnected")
	barrier(t, s, "4")

	assert.Empty(t, tr.Sent())

	s.RetryManually()
	waitState(t, s, session.Connecting{})
	tr.Emit(transport.Connected{})
	waitState(t, s, session.Connected{})

	s.Send("hello")
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"hello"}, tr.Sent())
	}, waitFor, tick)
}

func TestSendDoesNotRecord(t *testing.T) {
	s, tr, _ := newSession(t, testConfig(), true)
	connect(t, s, tr)

	s.Send("out")
	barrier(t, s, "marker")

	assert.Equal(t, []string{"marker"}, s.Messages())
}

func TestMessageLogOrder(t *testing.T) {
	s, tr, _ := newSession(t, testConfig(), true)
	var (
		mu   sync.Mutex
		seen []string
	)
	s.OnMessage(func(text string) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, text)
	})

	s.RecordLocalMessage("one")
	barrier(t, s, "two")

	tr.Emit(transport.TextReceived{Text: "hello"})
	tr.Emit(transport.BinaryReceived{Size: 4})
	tr.Emit(transport.PingReceived{})
	tr.Emit(transport.PongReceived{})
	tr.Emit(transport.TextReceived{Text: "world"})

	require.Eventually(t, func() bool {
		return len(s.Messages()) == 4
	}, waitFor, tick)
	assert.Equal(t, []string{"one", "two", "hello", "world"}, s.Messages())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"one", "two", "hello", "world"}, seen)
}

func TestHeartbeatStopsWhenLeavingConnected(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 5 * time.Millisecond
	cfg.Backoff = backoff.Fixed(time.Hour)
	s, tr, _ := newSession(t, cfg, true)

	connect(t, s, tr)
	require.Eventually(t, func() bool { return tr.Pings() >= 2 }, waitFor, tick)

	tr.Emit(transport.Disconnected{Reason: "going away", Code: 1001})
	waitState(t, s, session.Retrying{Attempt: 1})

	pings := tr.Pings()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, pings, tr.Pings())
}

func TestHeartbeatRestartsOnReconnect(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 5 * time.Millisecond
	s, tr, _ := newSession(t, cfg, true)

	connect(t, s, tr)
	tr.Emit(transport.Cancelled{})
	waitConnects(t, s, tr, 2)

	pings := tr.Pings()
	tr.Emit(transport.Connected{})
	waitState(t, s, session.Connected{})
	require.Eventually(t, func() bool { return tr.Pings() > pings }, waitFor, tick)
}

func TestHeartbeatDisabled(t *testing.T) {
	s, tr, _ := newSession(t, testConfig(), true)
	connect(t, s, tr)

	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, tr.Pings())
}

func TestReachabilityLostWhileConnected(t *testing.T) {
	s, tr, reach := newSession(t, testConfig(), true)
	connect(t, s, tr)

	reach.Set(false)
	waitState(t, s, session.Failed{Reason: session.ReasonNoInternet})
	assert.True(t, s.PendingReachabilityReconnect())
	assert.False(t, s.Reachable())

	// The socket dying afterwards does not schedule a retry.
	tr.Emit(transport.Cancelled{})
	eventBarrier(t, s, tr, "after cancel")
	assert.Equal(t, session.Failed{Reason: session.ReasonNoInternet}, s.State())

	reach.Set(true)
	waitConnects(t, s, tr, 2)
	assert.False(t, s.PendingReachabilityReconnect())
	assert.Equal(t, 0, s.ReconnectAttempts())
}

func TestReachabilityRegainedWhileDisconnected(t *testing.T) {
	s, tr, reach := newSession(t, testConfig(), false)
	require.False(t, s.Reachable())

	s.BeginSession()
	waitConnects(t, s, tr, 1)

	tr.Emit(transport.ErrorOccurred{Err: errors.New("network is unreachable")})
	waitState(t, s, session.Disconnected{})
	assert.True(t, s.PendingReachabilityReconnect())
	assert.Equal(t, 0, s.ReconnectAttempts())

	reach.Set(true)
	waitConnects(t, s, tr, 2)
	assert.False(t, s.PendingReachabilityReconnect())
}

func TestReachabilityLostCancelsRetry(t *testing.T) {
	cfg := testConfig()
	cfg.Backoff = backoff.Fixed(40 * time.Millisecond)
	s, tr, reach := newSession(t, cfg, true)

	connect(t, s, tr)
	tr.Emit(transport.Cancelled{})
	waitState(t, s, session.Retrying{Attempt: 1})

	reach.Set(false)
	waitState(t, s, session.Failed{Reason: session.ReasonNoInternet})

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 1, tr.Connects())
}

func TestReachabilityDoesNotStartIdleSession(t *testing.T) {
	s, tr, reach := newSession(t, testConfig(), true)

	reach.Set(false)
	waitState(t, s, session.Failed{Reason: session.ReasonNoInternet})

	reach.Set(true)
	require.Eventually(t, s.Reachable, waitFor, tick)
	barrier(t, s, "after reachable")

	assert.Equal(t, 0, tr.Connects())
	assert.Equal(t, session.Failed{Reason: session.ReasonNoInternet}, s.State())
}

func TestReachabilityIgnoredAfterDisconnect(t *testing.T) {
	s, tr, reach := newSession(t, testConfig(), true)
	connect(t, s, tr)

	reach.Set(false)
	waitState(t, s, session.Failed{Reason: session.ReasonNoInternet})
	s.Disconnect()
	waitState(t, s, session.Disconnected{})
	assert.False(t, s.PendingReachabilityReconnect())

	reach.Set(true)
	require.Eventually(t, s.Reachable, waitFor, tick)
	barrier(t, s, "after reachable")
	assert.Equal(t, 1, tr.Connects())
}

func TestDisconnectSurvivesReachabilityLoss(t *testing.T) {
	s, tr, reach := newSession(t, testConfig(), true)
	connect(t, s, tr)

	s.Disconnect()
	waitState(t, s, session.Disconnected{})

	reach.Set(false)
	waitState(t, s, session.Failed{Reason: session.ReasonNoInternet})

	reach.Set(true)
	require.Eventually(t, s.Reachable, waitFor, tick)
	barrier(t, s, "after reachable")
	assert.Equal(t, 1, tr.Connects())
	assert.Equal(t, session.Failed{Reason: session.ReasonNoInternet}, s.State())

	// Starting again re-arms reachability recovery.
	s.BeginSession()
	waitConnects(t, s, tr, 2)
}

// frozenObserver answers Reachable without publishing the change.
type frozenObserver struct {
	reachable atomic.Bool
	updates   chan bool
}

func newFrozenObserver(reachable bool) *frozenObserver {
	o := &frozenObserver{updates: make(chan bool)}
	o.reachable.Store(reachable)
	return o
}

func (o *frozenObserver) Reachable() bool      { return o.reachable.Load() }
func (o *frozenObserver) Updates() <-chan bool { return o.updates }

func TestLossConsultsObserver(t *testing.T) {
	tr := mock.NewTransport()
	obs := newFrozenObserver(true)
	s := session.New(tr, obs, testConfig())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		assert.NoError(t, s.Close(ctx))
		tr.Close()
	})
	connect(t, s, tr)

	obs.reachable.Store(false)
	tr.Emit(transport.Cancelled{})

	waitState(t, s, session.Disconnected{})
	assert.True(t, s.PendingReachabilityReconnect())
	assert.False(t, s.Reachable())
	assert.Equal(t, 0, s.ReconnectAttempts())
	assert.Equal(t, 1, tr.Connects())
}

func TestTransientError(t *testing.T) {
	cfg := testConfig()
	cfg.ErrorLifetime = 50 * time.Millisecond
	cfg.Backoff = backoff.Fixed(time.Hour)
	s, tr, _ := newSession(t, cfg, true)

	var (
		mu   sync.Mutex
		seen []string
	)
	s.OnTransientError(func(msg string) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, msg)
	})

	connect(t, s, tr)
	tr.Emit(transport.ErrorOccurred{Err: errors.New("broken pipe")})

	require.Eventually(t, func() bool {
		msg, ok := s.TransientError()
		return ok && msg == "broken pipe"
	}, waitFor, tick)

	require.Eventually(t, func() bool {
		_, ok := s.TransientError()
		return !ok
	}, waitFor, tick)

	// The state outlives the error.
	assert.Equal(t, session.Retrying{Attempt: 1}, s.State())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"broken pipe", ""}, seen)
}

func TestTransientErrorNilDescription(t *testing.T) {
	s, tr, _ := newSession(t, testConfig(), true)
	connect(t, s, tr)

	tr.Emit(transport.ErrorOccurred{})

	require.Eventually(t, func() bool {
		msg, ok := s.TransientError()
		return ok && msg == "unknown transport error"
	}, waitFor, tick)
}

func TestNewerErrorIsNotClearedEarly(t *testing.T) {
	cfg := testConfig()
	cfg.ErrorLifetime = 200 * time.Millisecond
	cfg.Backoff = backoff.Fixed(time.Hour)
	s, tr, _ := newSession(t, cfg, true)
	connect(t, s, tr)

	tr.Emit(transport.ErrorOccurred{Err: errors.New("first")})
	require.Eventually(t, func() bool {
		msg, _ := s.TransientError()
		return msg == "first"
	}, waitFor, tick)

	time.Sleep(120 * time.Millisecond)
	tr.Emit(transport.ErrorOccurred{Err: errors.New("second")})
	require.Eventually(t, func() bool {
		msg, _ := s.TransientError()
		return msg == "second"
	}, waitFor, tick)

	// The first error's lifetime has passed; the second one's has not.
	time.Sleep(130 * time.Millisecond)
	msg, ok := s.TransientError()
	assert.True(t, ok)
	assert.Equal(t, "second", msg)

	require.Eventually(t, func() bool {
		_, ok := s.TransientError()
		return !ok
	}, waitFor, tick)
}

func TestRetryManuallyClearsError(t *testing.T) {
	s, tr, _ := newSession(t, testConfig(), true)
	connect(t, s, tr)

	tr.Emit(transport.Disconnected{Reason: "timeout", Code: 1006})
	for n := 2; n <= 4; n++ {
		waitConnects(t, s, tr, n)
		tr.Emit(transport.ErrorOccurred{Err: errors.New("dial failed")})
	}
	waitState(t, s, session.Failed{Reason: "Unable to reconnect after 3 attempts"})
	_, ok := s.TransientError()
	require.True(t, ok)

	s.RetryManually()
	waitConnects(t, s, tr, 5)

	_, ok = s.TransientError()
	assert.False(t, ok)
	assert.Equal(t, 0, s.ReconnectAttempts())
}

func TestRetryManuallyWhileConnected(t *testing.T) {
	s, tr, _ := newSession(t, testConfig(), true)
	connect(t, s, tr)

	s.RetryManually()
	waitConnects(t, s, tr, 2)
}

func TestDisconnect(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 5 * time.Millisecond
	s, tr, _ := newSession(t, cfg, true)
	connect(t, s, tr)

	s.Disconnect()
	waitState(t, s, session.Disconnected{})
	require.Eventually(t, func() bool { return tr.Disconnects() == 1 }, waitFor, tick)

	pings := tr.Pings()
	tr.Emit(transport.Disconnected{Reason: "bye", Code: 1000})
	eventBarrier(t, s, tr, "after close")
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, session.Disconnected{}, s.State())
	assert.Equal(t, 1, tr.Connects())
	assert.Equal(t, pings, tr.Pings())
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	cfg := testConfig()
	cfg.Backoff = backoff.Fixed(40 * time.Millisecond)
	s, tr, _ := newSession(t, cfg, true)
	connect(t, s, tr)

	tr.Emit(transport.Cancelled{})
	waitState(t, s, session.Retrying{Attempt: 1})

	s.Disconnect()
	waitState(t, s, session.Disconnected{})

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 1, tr.Connects())
	assert.Equal(t, session.Disconnected{}, s.State())
}

func TestDisconnectWhileIdle(t *testing.T) {
	s, tr, _ := newSession(t, testConfig(), true)

	s.Disconnect()
	barrier(t, s, "after disconnect")

	assert.Equal(t, session.Idle{}, s.State())
	assert.Zero(t, tr.Disconnects())
}

func TestBeginSessionAfterDisconnect(t *testing.T) {
	s, tr, _ := newSession(t, testConfig(), true)
	connect(t, s, tr)

	s.Disconnect()
	waitState(t, s, session.Disconnected{})

	s.BeginSession()
	waitConnects(t, s, tr, 2)
}

func TestClose(t *testing.T) {
	tr := mock.NewTransport()
	defer tr.Close()
	s := session.New(tr, nil, testConfig())
	assert.True(t, s.Reachable())

	connect(t, s, tr)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Close(ctx))
	require.NoError(t, s.Close(ctx))
	assert.Equal(t, 1, tr.Disconnects())

	assert.NotPanics(t, func() {
		s.Send("late")
		s.BeginSession()
		s.Disconnect()
	})
	assert.Empty(t, tr.Sent())
}

func TestCloseContextExpired(t *testing.T) {
	tr := mock.NewTransport()
	defer tr.Close()
	s := session.New(tr, nil, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Close(ctx)
	if err != nil {
		assert.ErrorIs(t, err, context.Canceled)
	}

	require.NoError(t, s.Close(context.Background()))
}

func TestSessionMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	cfg := testConfig()
	cfg.Metrics = metrics.New(metrics.WithRegistry(registry), metrics.WithNamespace("test"))
	s, tr, _ := newSession(t, cfg, true)

	s.Send("dropped")
	connect(t, s, tr)
	s.Send("sent")
	barrier(t, s, "sent")
	tr.Emit(transport.TextReceived{Text: "in"})
	tr.Emit(transport.Cancelled{})
	waitConnects(t, s, tr, 2)

	families, err := registry.Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, family := range families {
		for _, m := range family.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				values[family.GetName()] += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				for _, label := range m.GetLabel() {
					if label.GetValue() == "connecting" {
						values[family.GetName()+"{connecting}"] = m.GetGauge().GetValue()
					}
				}
			}
		}
	}

	assert.Equal(t, 1.0, values["test_session_sends_dropped_total"])
	assert.Equal(t, 1.0, values["test_session_messages_sent_total"])
	assert.Equal(t, 1.0, values["test_session_messages_received_total"])
	assert.Equal(t, 1.0, values["test_session_reconnect_attempts_total"])
	assert.Equal(t, 4.0, values["test_session_state_transitions_total"])
	assert.Equal(t, 1.0, values["test_session_state{connecting}"])
}

// Package gorillaws implements transport.Transport on gorilla/websocket.
package gorillaws

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	gorilla "github.com/gorilla/websocket"

	"github.com/resws/resws/pkg/constants"
	"github.com/resws/resws/pkg/logger"
	"github.com/resws/resws/pkg/transport"
)

// DefaultDialer is the default gorilla dialer used by the Transport
//
// It uses the default gorilla dialer as of gorilla/websocket v1.5.0 with the following modifications:
// - EnableCompression is set to true
// - HandshakeTimeout is set to constants.DefaultHandshakeTimeout
var DefaultDialer = &gorilla.Dialer{
	Proxy:             gorilla.DefaultDialer.Proxy,
	HandshakeTimeout:  constants.DefaultHandshakeTimeout,
	EnableCompression: true,
}

type Option func(t *Transport)

func WithDialer(dialer *gorilla.Dialer) Option {
	return func(t *Transport) {
		t.dialer = dialer
	}
}

// WithHeader sets the HTTP headers sent with every handshake.
func WithHeader(header http.Header) Option {
	return func(t *Transport) {
		t.header = header
	}
}

// WithWriteTimeout bounds every frame write. A stalled write closes the connection.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(t *Transport) {
		t.writeTimeout = timeout
	}
}

// WithQueueSize sets how many outbound frames may wait per connection.
func WithQueueSize(size int) Option {
	return func(t *Transport) {
		t.queueSize = size
	}
}

func WithLogger(log logger.Logger) Option {
	return func(t *Transport) {
		t.logger = log
	}
}

// Transport dials URL on every Connect and publishes what happens on the
// resulting connection. Events of a connection replaced by Connect or
// closed by Disconnect are never published.
type Transport struct {
	*transport.Emitter

	URL string

	dialer       *gorilla.Dialer
	header       http.Header
	writeTimeout time.Duration
	queueSize    int
	logger       logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// mu guards the fields below. It is never held while emitting.
	mu         sync.Mutex
	gen        uint64
	current    *link
	dialCancel context.CancelFunc
}

var _ transport.Transport = (*Transport)(nil)

func New(url string, opts ...Option) *Transport {
	ctx, cancel := context.WithCancel(context.Background())

	t := &Transport{
		Emitter:      transport.NewEmitter(constants.DefaultEventBufferSize),
		URL:          url,
		dialer:       DefaultDialer,
		writeTimeout: constants.DefaultWriteTimeout,
		queueSize:    constants.DefaultWriteQueueSize,
		logger:       logger.Nop(),
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Connect implements transport.Transport.
func (t *Transport) Connect() {
	t.mu.Lock()
	old := t.detachLocked()
	t.gen++
	gen := t.gen
	ctx, cancel := context.WithCancel(t.ctx)
	t.dialCancel = cancel
	t.mu.Unlock()

	if old != nil {
		old.close(t.writeTimeout)
	}

	go t.dial(ctx, gen)
}

// Disconnect implements transport.Transport.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	old := t.detachLocked()
	t.gen++
	t.mu.Unlock()

	if old != nil {
		old.close(t.writeTimeout)
	}
}

// SendText implements transport.Transport.
func (t *Transport) SendText(text string) {
	t.enqueue(frame{kind: gorilla.TextMessage, data: []byte(text)})
}

// SendPing implements transport.Transport.
func (t *Transport) SendPing() {
	t.enqueue(frame{kind: gorilla.PingMessage})
}

// Close disconnects and stops event delivery for good.
func (t *Transport) Close() {
	t.cancel()
	t.Disconnect()
	t.Emitter.Close()
}

// detachLocked forgets the current connection and cancels a pending dial.
func (t *Transport) detachLocked() *link {
	if t.dialCancel != nil {
		t.dialCancel()
		t.dialCancel = nil
	}
	l := t.current
	t.current = nil
	if l != nil {
		l.detached.Store(true)
	}
	return l
}

func (t *Transport) isCurrent(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gen == gen
}

func (t *Transport) dial(ctx context.Context, gen uint64) {
	conn, res, err := t.dialer.DialContext(ctx, t.URL, t.header)
	if res != nil && res.Body != nil {
		res.Body.Close()
	}
	if err != nil {
		if !t.isCurrent(gen) {
			return
		}
		t.logger.Warn("gorillaws: dial failed", "url", t.URL, "error", err)
		t.Emit(transport.ErrorOccurred{Err: err})
		return
	}

	l := &link{
		conn:   conn,
		frames: make(chan frame, t.queueSize),
		done:   make(chan struct{}),
	}

	t.mu.Lock()
	if t.gen != gen {
		t.mu.Unlock()
		conn.Close()
		return
	}
	t.current = l
	t.dialCancel = nil
	t.mu.Unlock()

	conn.SetPingHandler(func(data string) error {
		t.emitFor(l, transport.PingReceived{})
		err := conn.WriteControl(gorilla.PongMessage, []byte(data), time.Now().Add(t.writeTimeout))
		if errors.Is(err, gorilla.ErrCloseSent) {
			return nil
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil
		}
		return err
	})
	conn.SetPongHandler(func(string) error {
		t.emitFor(l, transport.PongReceived{})
		return nil
	})

	t.logger.Debug("gorillaws: connected", "url", t.URL, "subprotocol", conn.Subprotocol())
	if !t.emitFor(l, transport.Connected{Header: responseHeader(res), Subprotocol: conn.Subprotocol()}) {
		return
	}

	go t.writeLoop(l)
	go t.readLoop(l)
}

func (t *Transport) enqueue(f frame) {
	t.mu.Lock()
	l := t.current
	t.mu.Unlock()

	if l == nil {
		t.logger.Debug("gorillaws: frame dropped, not connected")
		return
	}

	select {
	case l.frames <- f:
	case <-l.done:
	default:
		t.logger.Warn("gorillaws: frame dropped, write queue full")
	}
}

// emitFor publishes ev unless l was detached.
func (t *Transport) emitFor(l *link, ev transport.Event) bool {
	if l.detached.Load() {
		return false
	}
	return t.Emit(ev)
}

func (t *Transport) writeLoop(l *link) {
	for {
		select {
		case <-l.done:
			return
		case f := <-l.frames:
			deadline := time.Now().Add(t.writeTimeout)

			var err error
			if f.kind == gorilla.PingMessage {
				err = l.conn.WriteControl(gorilla.PingMessage, nil, deadline)
			} else {
				if err = l.conn.SetWriteDeadline(deadline); err == nil {
					err = l.conn.WriteMessage(f.kind, f.data)
				}
			}

			if err != nil {
				// The read loop observes the closed connection and reports writeErr.
				l.fail(err)
				return
			}
		}
	}
}

func (t *Transport) readLoop(l *link) {
	for {
		kind, data, err := l.conn.ReadMessage()
		if err != nil {
			t.readFailed(l, err)
			return
		}

		switch kind {
		case gorilla.TextMessage:
			t.emitFor(l, transport.TextReceived{Text: string(data)})
		case gorilla.BinaryMessage:
			t.emitFor(l, transport.BinaryReceived{Size: len(data)})
		}
	}
}

func (t *Transport) readFailed(l *link, err error) {
	t.mu.Lock()
	if t.current == l {
		t.current = nil
		l.detached.Store(true)
	} else {
		// Replaced or disconnected; the caller already knows.
		t.mu.Unlock()
		l.shutdown()
		return
	}
	t.mu.Unlock()

	l.shutdown()

	if writeErr := l.writeError(); writeErr != nil {
		err = writeErr
	}

	ev := classify(err)
	t.logger.Info("gorillaws: connection lost", "url", t.URL, "error", err)
	t.Emit(ev)
}

// classify maps a read error to the event reported for it.
func classify(err error) transport.Event {
	var closeErr *gorilla.CloseError
	switch {
	case errors.As(err, &closeErr) && closeErr.Code == gorilla.CloseAbnormalClosure:
		// No close frame was received.
		return transport.Cancelled{}
	case errors.As(err, &closeErr):
		return transport.Disconnected{Reason: closeErr.Text, Code: closeErr.Code}
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return transport.Cancelled{}
	default:
		return transport.ErrorOccurred{Err: err}
	}
}

func responseHeader(res *http.Response) http.Header {
	if res == nil {
		return nil
	}
	return res.Header
}

type frame struct {
	kind int
	data []byte
}

// link is one dialed connection with its writer goroutine.
type link struct {
	conn     *gorilla.Conn
	frames   chan frame
	done     chan struct{}
	once     sync.Once
	detached atomic.Bool

	errMu    sync.Mutex
	writeErr error
}

func (l *link) shutdown() {
	l.once.Do(func() {
		close(l.done)
		l.conn.Close()
	})
}

func (l *link) fail(err error) {
	l.errMu.Lock()
	if l.writeErr == nil {
		l.writeErr = err
	}
	l.errMu.Unlock()
	l.shutdown()
}

func (l *link) writeError() error {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	return l.writeErr
}

// close sends a normal closure frame and closes the connection.
func (l *link) close(timeout time.Duration) {
	msg := gorilla.FormatCloseMessage(constants.CloseMessageCode, "")
	_ = l.conn.WriteControl(gorilla.CloseMessage, msg, time.Now().Add(timeout))
	l.shutdown()
}

// Package gws implements transport.Transport on lxzan/gws.
package gws

import (
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lxzan/gws"

	"github.com/resws/resws/pkg/constants"
	"github.com/resws/resws/pkg/logger"
	"github.com/resws/resws/pkg/transport"
)

type Option func(t *Transport)

// WithHeader sets the HTTP headers sent with every handshake.
func WithHeader(header http.Header) Option {
	return func(t *Transport) {
		t.header = header
	}
}

func WithCompression(enabled bool) Option {
	return func(t *Transport) {
		t.compression = enabled
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

	header       http.Header
	compression  bool
	writeTimeout time.Duration
	queueSize    int
	logger       logger.Logger

	// mu guards the fields below. It is never held while emitting.
	mu      sync.Mutex
	gen     uint64
	current *link
}

var _ transport.Transport = (*Transport)(nil)

func New(url string, opts ...Option) *Transport {
	t := &Transport{
		Emitter:      transport.NewEmitter(constants.DefaultEventBufferSize),
		URL:          url,
		compression:  true,
		writeTimeout: constants.DefaultWriteTimeout,
		queueSize:    constants.DefaultWriteQueueSize,
		logger:       logger.Nop(),
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
	t.mu.Unlock()

	if old != nil {
		old.close()
	}

	go t.dial(gen)
}

// Disconnect implements transport.Transport.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	old := t.detachLocked()
	t.gen++
	t.mu.Unlock()

	if old != nil {
		old.close()
	}
}

// SendText implements transport.Transport.
func (t *Transport) SendText(text string) {
	t.enqueue(frame{opcode: gws.OpcodeText, data: []byte(text)})
}

// SendPing implements transport.Transport.
func (t *Transport) SendPing() {
	t.enqueue(frame{opcode: gws.OpcodePing})
}

// Close disconnects and stops event delivery for good.
func (t *Transport) Close() {
	t.Disconnect()
	t.Emitter.Close()
}

func (t *Transport) detachLocked() *link {
	l := t.current
	t.current = nil
	if l != nil {
		l.detached.Store(true)
	}
	return l
}

func (t *Transport) dial(gen uint64) {
	l := &link{
		frames: make(chan frame, t.queueSize),
		done:   make(chan struct{}),
	}
	handler := &websocketHandler{transport: t, link: l}

	header := http.Header{}
	for k, v := range t.header {
		header[k] = v
	}

	option := &gws.ClientOption{
		Addr:             t.URL,
		RequestHeader:    header,
		HandshakeTimeout: constants.DefaultHandshakeTimeout,
		PermessageDeflate: gws.PermessageDeflate{
			Enabled: t.compression,
		},
	}

	conn, res, err := gws.NewClient(handler, option)
	if err != nil {
		t.mu.Lock()
		current := t.gen == gen
		t.mu.Unlock()
		if !current {
			return
		}
		t.logger.Warn("gws: dial failed", "url", t.URL, "error", err)
		t.Emit(transport.ErrorOccurred{Err: err})
		return
	}
	l.conn = conn

	t.mu.Lock()
	if t.gen != gen {
		t.mu.Unlock()
		conn.NetConn().Close()
		return
	}
	t.current = l
	t.mu.Unlock()

	var connected transport.Connected
	if res != nil {
		connected.Header = res.Header
		connected.Subprotocol = res.Header.Get("Sec-WebSocket-Protocol")
	}

	t.logger.Debug("gws: connected", "url", t.URL, "subprotocol", connected.Subprotocol)
	if !t.emitFor(l, connected) {
		return
	}

	go t.writeLoop(l)
	go conn.ReadLoop()
}

func (t *Transport) enqueue(f frame) {
	t.mu.Lock()
	l := t.current
	t.mu.Unlock()

	if l == nil {
		t.logger.Debug("gws: frame dropped, not connected")
		return
	}

	select {
	case l.frames <- f:
	case <-l.done:
	default:
		t.logger.Warn("gws: frame dropped, write queue full")
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
			if err := l.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
				l.fail(err)
				return
			}

			var err error
			if f.opcode == gws.OpcodePing {
				err = l.conn.WritePing(nil)
			} else {
				err = l.conn.WriteMessage(f.opcode, f.data)
			}

			if err != nil {
				// ReadLoop observes the closed connection and OnClose reports writeErr.
				l.fail(err)
				return
			}
		}
	}
}

func (t *Transport) closed(l *link, err error) {
	t.mu.Lock()
	if t.current != l {
		// Replaced or disconnected; the caller already knows.
		t.mu.Unlock()
		l.shutdown()
		return
	}
	t.current = nil
	l.detached.Store(true)
	t.mu.Unlock()

	l.shutdown()

	if writeErr := l.writeError(); writeErr != nil {
		err = writeErr
	}

	t.logger.Info("gws: connection lost", "url", t.URL, "error", err)
	t.Emit(classify(err))
}

// classify maps the error gws reports on close to the event published for it.
func classify(err error) transport.Event {
	var closeErr *gws.CloseError
	switch {
	case err == nil:
		return transport.Cancelled{}
	case errors.As(err, &closeErr) && closeErr.Code == 1006:
		// No close frame was received.
		return transport.Cancelled{}
	case errors.As(err, &closeErr):
		return transport.Disconnected{Reason: string(closeErr.Reason), Code: int(closeErr.Code)}
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return transport.Cancelled{}
	default:
		return transport.ErrorOccurred{Err: err}
	}
}

type websocketHandler struct {
	transport *Transport
	link      *link
}

func (h *websocketHandler) OnOpen(socket *gws.Conn) {
	// Connected is published once NewClient returns.
}

func (h *websocketHandler) OnClose(socket *gws.Conn, err error) {
	h.transport.closed(h.link, err)
}

func (h *websocketHandler) OnPing(socket *gws.Conn, payload []byte) {
	h.transport.emitFor(h.link, transport.PingReceived{})
	if err := socket.WritePong(payload); err != nil {
		h.transport.logger.Debug("gws: pong failed", "error", err)
	}
}

func (h *websocketHandler) OnPong(socket *gws.Conn, payload []byte) {
	h.transport.emitFor(h.link, transport.PongReceived{})
}

func (h *websocketHandler) OnMessage(socket *gws.Conn, message *gws.Message) {
	defer message.Close()

	switch message.Opcode {
	case gws.OpcodeText:
		h.transport.emitFor(h.link, transport.TextReceived{Text: string(message.Bytes())})
	case gws.OpcodeBinary:
		h.transport.emitFor(h.link, transport.BinaryReceived{Size: len(message.Bytes())})
	}
}

type frame struct {
	opcode gws.Opcode
	data   []byte
}

// link is one dialed connection with its writer goroutine.
type link struct {
	conn     *gws.Conn
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
		if l.conn != nil {
			l.conn.NetConn().Close()
		}
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
func (l *link) close() {
	if l.conn != nil {
		l.conn.WriteClose(constants.CloseMessageCode, []byte(""))
	}
	l.shutdown()
}

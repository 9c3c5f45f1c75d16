// Package fakews provides a fake WebSocket echo server for testing purposes.
// It echoes text frames back to the sender and includes failure injection
// capabilities to exercise reconnection paths.
//
// The WebSocket server is implemented using the `gws` library.
//
// Stub responses can replace the echo for specific messages, and failure
// configurations specify how the server misbehaves (e.g. delays, close
// frames, TCP resets).
package fakews

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/lxzan/gws"
)

// cryptoRandInt64 generates a cryptographically secure random int64 in [0, max)
func cryptoRandInt64(rMax int64) int64 {
	if rMax <= 0 {
		return 0
	}
	n, _ := rand.Int(rand.Reader, big.NewInt(rMax))
	return n.Int64()
}

// cryptoRandFloat64 generates a cryptographically secure random float64 in [0.0, 1.0)
func cryptoRandFloat64() float64 {
	n, _ := rand.Int(rand.Reader, big.NewInt(1<<53))
	return float64(n.Int64()) / float64(1<<53)
}

// FailureType represents the type of failure to inject while handling a message
type FailureType string

const (
	// FailureNone indicates no failure injection
	FailureNone FailureType = "none"
	// FailureRequestDelay delays before replying
	FailureRequestDelay FailureType = "request_delay"
	// FailureBinaryResponse sends random binary data instead of the reply
	FailureBinaryResponse FailureType = "binary_response"
	// FailureTCPReset forcefully resets the TCP connection
	FailureTCPReset FailureType = "tcp_reset"
	// FailureWebSocketClose sends WebSocket close frame with configurable code/reason
	FailureWebSocketClose FailureType = "websocket_close"
	// FailureDropConnection immediately closes the underlying network connection
	FailureDropConnection FailureType = "drop_connection"
)

// StubResponse replaces the echo for a matching text message.
type StubResponse struct {
	// Match is the exact text to match.
	Match string
	// Reply is sent instead of the echo. Empty means no reply.
	Reply string
	// Failures defines failure injection configurations for this message
	Failures []FailureConfig
}

// FailureConfig defines how and when to inject a specific failure type
type FailureConfig struct {
	// Type specifies the type of failure to inject
	Type FailureType
	// Probability of triggering this failure (0.0 to 1.0)
	Probability float64
	// MinDelay is the minimum delay for delay-based failures
	MinDelay time.Duration
	// MaxDelay is the maximum delay for delay-based failures
	MaxDelay time.Duration
	// CloseCode is the WebSocket close code for FailureWebSocketClose
	CloseCode uint16
	// CloseReason is the WebSocket close reason for FailureWebSocketClose
	CloseReason string
}

// Server is a fake WebSocket echo server with stub responses and failure injection
type Server struct {
	addr           string
	listener       net.Listener
	server         *gws.Server
	mu             sync.RWMutex
	stubResponses  []StubResponse
	globalFailures []FailureConfig
	connections    map[*gws.Conn]bool
	received       []string
	pings          int
	accepted       int
}

// Handler implements the gws.Handler interface for WebSocket connections
type Handler struct {
	server *Server
}

// NewServer creates a new fake server.
// Use "127.0.0.1:0" to bind to a random available port.
func NewServer(addr string) *Server {
	s := &Server{
		addr:        addr,
		connections: make(map[*gws.Conn]bool),
	}

	handler := &Handler{server: s}
	s.server = gws.NewServer(handler, &gws.ServerOption{
		// Permessage-deflate stays off; client offers are declined.
	})
	s.server.OnError = func(_ net.Conn, err error) {
		if !errors.Is(err, net.ErrClosed) && !isUseOfClosedNetworkError(err) {
			log.Printf("Server error: %v", err)
		}
	}

	return s
}

// AddStubResponse adds a stub response configuration to the server.
// Stub responses are matched in the order they were added.
func (s *Server) AddStubResponse(stub StubResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stubResponses = append(s.stubResponses, stub)
}

// SetGlobalFailures sets failure configurations that apply to all messages.
// These are checked before stub-specific failures.
func (s *Server) SetGlobalFailures(failures []FailureConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.globalFailures = failures
}

// Start starts the server and begins accepting WebSocket connections.
// Returns an error if the server cannot bind to the specified address.
func (s *Server) Start() error {
	var lc net.ListenConfig
	listener, err := lc.Listen(context.Background(), "tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener
	// Keep the port so a restarted server listens on the same address.
	s.addr = listener.Addr().String()

	go func() {
		if err := s.server.RunListener(listener); err != nil {
			// Ignore "use of closed network connection" errors which are expected on shutdown
			if !errors.Is(err, net.ErrClosed) && !isUseOfClosedNetworkError(err) {
				log.Printf("Server error: %v", err)
			}
		}
	}()

	return nil
}

// Stop closes the listener and drops every open connection.
// The server can be started again on the same address.
func (s *Server) Stop() error {
	var err error
	if s.listener != nil {
		err = s.listener.Close()
		s.listener = nil
	}
	s.DropAll()
	return err
}

// Address returns the actual address the server is listening on.
// This is useful when using "127.0.0.1:0" to get the assigned port.
func (s *Server) Address() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// URL returns the ws:// URL of the server.
func (s *Server) URL() string {
	return "ws://" + s.Address()
}

// Connections returns the number of open connections.
func (s *Server) Connections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

// Accepted returns the number of connections accepted since start.
func (s *Server) Accepted() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accepted
}

// Pings returns the number of ping frames received.
func (s *Server) Pings() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pings
}

// Received returns every text message received, in order.
func (s *Server) Received() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.received...)
}

// Broadcast sends text to every open connection.
func (s *Server) Broadcast(text string) {
	for _, socket := range s.sockets() {
		if err := socket.WriteString(text); err != nil {
			log.Printf("Error broadcasting: %v", err)
		}
	}
}

// CloseAll sends a close frame to every open connection.
func (s *Server) CloseAll(code uint16, reason string) {
	for _, socket := range s.sockets() {
		socket.WriteClose(code, []byte(reason))
	}
}

// DropAll closes every open connection without a close frame.
func (s *Server) DropAll() {
	for _, socket := range s.sockets() {
		socket.NetConn().Close()
	}
}

func (s *Server) sockets() []*gws.Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sockets := make([]*gws.Conn, 0, len(s.connections))
	for socket := range s.connections {
		sockets = append(sockets, socket)
	}
	return sockets
}

func (h *Handler) OnOpen(socket *gws.Conn) {
	h.server.mu.Lock()
	h.server.connections[socket] = true
	h.server.accepted++
	h.server.mu.Unlock()
}

func (h *Handler) OnClose(socket *gws.Conn, err error) {
	h.server.mu.Lock()
	delete(h.server.connections, socket)
	h.server.mu.Unlock()
}

func (h *Handler) OnPing(socket *gws.Conn, payload []byte) {
	h.server.mu.Lock()
	h.server.pings++
	h.server.mu.Unlock()

	if err := socket.WritePong(payload); err != nil {
		log.Printf("Error writing Pong: %v", err)
	}
}

func (h *Handler) OnPong(socket *gws.Conn, payload []byte) {
}

func (h *Handler) OnMessage(socket *gws.Conn, message *gws.Message) {
	defer message.Close()

	if message.Opcode != gws.OpcodeText {
		return
	}
	text := string(message.Bytes())

	h.server.mu.Lock()
	h.server.received = append(h.server.received, text)
	globalFailures := h.server.globalFailures
	var matchedStub *StubResponse
	for i := range h.server.stubResponses {
		if h.server.stubResponses[i].Match == text {
			matchedStub = &h.server.stubResponses[i]
			break
		}
	}
	h.server.mu.Unlock()

	for _, failure := range globalFailures {
		if shouldTriggerFailure(failure.Probability) {
			if err := h.applyFailure(socket, failure); err != nil {
				return
			}
		}
	}

	reply := text
	if matchedStub != nil {
		for _, failure := range matchedStub.Failures {
			if shouldTriggerFailure(failure.Probability) {
				if err := h.applyFailure(socket, failure); err != nil {
					return
				}
			}
		}
		reply = matchedStub.Reply
	}

	if reply == "" {
		return
	}
	if err := socket.WriteString(reply); err != nil {
		log.Printf("Error writing reply: %v", err)
	}
}

// applyFailure returns an error when the failure ends message handling.
func (h *Handler) applyFailure(socket *gws.Conn, failure FailureConfig) error {
	switch failure.Type {
	case FailureNone:

	case FailureRequestDelay:
		delay := randomDuration(failure.MinDelay, failure.MaxDelay)
		time.Sleep(delay)

	case FailureBinaryResponse:
		data := make([]byte, 100)
		if _, err := rand.Read(data); err != nil {
			log.Printf("Error generating binary response: %v", err)
		}
		if err := socket.WriteMessage(gws.OpcodeBinary, data); err != nil {
			log.Printf("Error writing binary response: %v", err)
		}
		return fmt.Errorf("binary response sent")

	case FailureTCPReset:
		conn := socket.NetConn()
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			if err := tcpConn.SetLinger(0); err != nil {
				log.Printf("Error setting TCP linger: %v", err)
			}
		}
		conn.Close()
		return fmt.Errorf("tcp reset")

	case FailureWebSocketClose:
		code := failure.CloseCode
		if code == 0 {
			code = 1001
		}
		reason := failure.CloseReason
		if reason == "" {
			reason = "failure injection"
		}
		socket.WriteClose(code, []byte(reason))
		return fmt.Errorf("websocket close")

	case FailureDropConnection:
		socket.NetConn().Close()
		return fmt.Errorf("connection dropped")
	}

	return nil
}

func shouldTriggerFailure(probability float64) bool {
	if probability <= 0 {
		return false
	}
	if probability >= 1 {
		return true
	}
	return cryptoRandFloat64() < probability
}

func randomDuration(dMin, dMax time.Duration) time.Duration {
	if dMin >= dMax {
		return dMin
	}
	return dMin + time.Duration(cryptoRandInt64(int64(dMax-dMin)))
}

func isUseOfClosedNetworkError(err error) bool {
	if err == nil {
		return false
	}
	return strings.HasSuffix(err.Error(), "use of closed network connection")
}

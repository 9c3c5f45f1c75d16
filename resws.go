package resws

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/resws/resws/pkg/constants"
	"github.com/resws/resws/pkg/logger"
	"github.com/resws/resws/pkg/reachability"
	"github.com/resws/resws/pkg/session"
	"github.com/resws/resws/pkg/transport"
	"github.com/resws/resws/pkg/transport/gorillaws"
	"github.com/resws/resws/pkg/transport/gws"
)

// Engine selects the WebSocket library behind a Client.
type Engine string

const (
	EngineGorilla Engine = "gorilla"
	EngineGWS     Engine = "gws"
)

// ParseEngine returns the Engine named s.
func ParseEngine(s string) (Engine, error) {
	switch e := Engine(strings.ToLower(s)); e {
	case EngineGorilla, EngineGWS:
		return e, nil
	default:
		return "", fmt.Errorf("%w: %q", constants.ErrUnknownEngine, s)
	}
}

type Option func(o *options)

type options struct {
	engine   Engine
	observer reachability.Observer
	config   session.Config
	logger   logger.Logger
	header   http.Header
}

// WithEngine selects the transport engine. The default is EngineGorilla.
func WithEngine(engine Engine) Option {
	return func(o *options) {
		o.engine = engine
	}
}

// WithReachability replaces the TCP prober with observer.
func WithReachability(observer reachability.Observer) Option {
	return func(o *options) {
		o.observer = observer
	}
}

// WithConfig sets the session configuration. The default is session.DefaultConfig().
func WithConfig(config session.Config) Option {
	return func(o *options) {
		o.config = config
	}
}

// WithLogger sets the logger of the session, transport and prober.
func WithLogger(log logger.Logger) Option {
	return func(o *options) {
		o.logger = log
	}
}

// WithHeader sets the HTTP headers sent with every handshake.
func WithHeader(header http.Header) Option {
	return func(o *options) {
		o.header = header
	}
}

type closableTransport interface {
	transport.Transport
	Close()
}

// Client is a session bound to a concrete transport and reachability observer.
type Client struct {
	*session.Session

	URL    *url.URL
	Engine Engine

	transport closableTransport
	prober    *reachability.Prober
	cancel    context.CancelFunc
}

// New validates rawURL and builds a client for it. The session starts Idle;
// call BeginSession to connect.
func New(rawURL string, opts ...Option) (*Client, error) {
	u, err := ParseURL(rawURL)
	if err != nil {
		return nil, err
	}

	o := options{
		engine: EngineGorilla,
		config: session.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	log := o.logger
	if log == nil {
		log = o.config.Logger
	}
	if log == nil {
		log = logger.Nop()
	}
	o.config.Logger = log

	var t closableTransport
	switch o.engine {
	case EngineGorilla:
		t = gorillaws.New(u.String(), gorillaws.WithHeader(o.header), gorillaws.WithLogger(log))
	case EngineGWS:
		t = gws.New(u.String(), gws.WithHeader(o.header), gws.WithLogger(log))
	default:
		return nil, fmt.Errorf("%w: %q", constants.ErrUnknownEngine, o.engine)
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		URL:       u,
		Engine:    o.engine,
		transport: t,
		cancel:    cancel,
	}

	observer := o.observer
	if observer == nil {
		c.prober = reachability.NewProber(ProbeAddress(u), log)
		observer = c.prober
		go c.prober.Run(ctx)
	}

	c.Session = session.New(t, observer, o.config)

	return c, nil
}

// Close stops the session, the prober and the transport.
func (c *Client) Close(ctx context.Context) error {
	c.cancel()
	err := c.Session.Close(ctx)
	c.transport.Close()
	return err
}

// ParseURL parses rawURL and accepts only ws and wss endpoints.
func ParseURL(rawURL string) (*url.URL, error) {
	if rawURL == "" {
		return nil, constants.ErrEmptyURL
	}

	u, err := url.ParseRequestURI(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint url: %w", err)
	}

	switch u.Scheme {
	case constants.WebsocketScheme, constants.SecureWebsocketScheme:
	default:
		return nil, fmt.Errorf("%w: %q", constants.ErrUnsupportedScheme, u.Scheme)
	}

	if u.Host == "" {
		return nil, fmt.Errorf("invalid endpoint url: missing host in %q", rawURL)
	}

	return u, nil
}

// ProbeAddress returns the host:port reachability is probed on.
func ProbeAddress(u *url.URL) string {
	port := u.Port()
	if port == "" {
		port = "80"
		if u.Scheme == constants.SecureWebsocketScheme {
			port = "443"
		}
	}
	return net.JoinHostPort(u.Hostname(), port)
}

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/resws/resws"
	"github.com/resws/resws/pkg/logger"
	"github.com/resws/resws/pkg/metrics"
	"github.com/resws/resws/pkg/session"
)

type connectOptions struct {
	url         string
	engine      string
	maxAttempts int
	heartbeat   time.Duration
	logLevel    string
	metricsAddr string
}

func defaultConnectOptions() connectOptions {
	return connectOptions{
		url:         resws.GetEnvOrDefault("RESWS_URL", ""),
		engine:      resws.GetEnvOrDefault("RESWS_ENGINE", string(resws.EngineGorilla)),
		maxAttempts: envInt("RESWS_MAX_ATTEMPTS", session.DefaultConfig().MaxReconnectAttempts),
		heartbeat:   envDuration("RESWS_HEARTBEAT", session.DefaultConfig().HeartbeatInterval),
		logLevel:    resws.GetEnvOrDefault("RESWS_LOG_LEVEL", "info"),
		metricsAddr: resws.GetEnvOrDefault("RESWS_METRICS_ADDR", ""),
	}
}

func connectCmd() *cobra.Command {
	opts := defaultConnectOptions()

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Open an interactive session",
		Long: `Open a session and exchange text messages through stdin.

Every line read from stdin is sent to the endpoint, except:
  /connect      start the session again after a disconnect
  /retry        reset the retry budget and reconnect now
  /disconnect   close the connection and stop reconnecting
  /state        print the current state
  /quit         exit

Defaults are read from RESWS_URL, RESWS_ENGINE, RESWS_MAX_ATTEMPTS,
RESWS_HEARTBEAT, RESWS_LOG_LEVEL and RESWS_METRICS_ADDR.

Examples:
  resws connect --url=ws://localhost:8080/chat
  resws connect --url=wss://echo.example.com --engine=gws --metrics-addr=:9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runConnect(ctx, opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&opts.url, "url", "u", opts.url, "WebSocket endpoint (ws:// or wss://)")
	cmd.Flags().StringVarP(&opts.engine, "engine", "e", opts.engine, "Transport engine: gorilla or gws")
	cmd.Flags().IntVar(&opts.maxAttempts, "max-attempts", opts.maxAttempts, "Automatic reconnects before giving up")
	cmd.Flags().DurationVar(&opts.heartbeat, "heartbeat", opts.heartbeat, "Ping interval while connected (0 disables)")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", opts.logLevel, "Log level: debug, info, warn or error")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", opts.metricsAddr, "Serve Prometheus metrics on this address")

	return cmd
}

func runConnect(ctx context.Context, opts connectOptions, in io.Reader, out io.Writer) error {
	engine, err := resws.ParseEngine(opts.engine)
	if err != nil {
		return err
	}

	build, err := logger.New().WithLevelString(opts.logLevel)
	if err != nil {
		return err
	}
	log, err := build.Make()
	if err != nil {
		return err
	}
	defer log.Close()

	cfg := session.DefaultConfig()
	cfg.MaxReconnectAttempts = opts.maxAttempts
	cfg.HeartbeatInterval = opts.heartbeat

	if opts.metricsAddr != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		cfg.Metrics = metrics.New(metrics.WithRegistry(registry))

		srv := serveMetrics(opts.metricsAddr, registry, log)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	client, err := resws.New(opts.url,
		resws.WithEngine(engine),
		resws.WithConfig(cfg),
		resws.WithLogger(log),
	)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Close(closeCtx); err != nil {
			log.Warn("connect: close timed out", "error", err)
		}
	}()

	p := &printer{out: out}
	client.OnStateChange(func(ev session.StateEvent) {
		p.printf("* %s -> %s\n", ev.Old, ev.New)
	})
	client.OnMessage(func(text string) {
		p.printf("%s\n", text)
	})
	client.OnTransientError(func(msg string) {
		if msg != "" {
			p.printf("! %s\n", msg)
		}
	})

	p.printf("connecting to %s (%s)\n", client.URL, client.Engine)
	client.BeginSession()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if handleLine(client, p, line) {
				return nil
			}
		}
	}
}

// commander is the part of a session driven from stdin.
type commander interface {
	BeginSession()
	RetryManually()
	Disconnect()
	Send(text string)
	RecordLocalMessage(text string)
	State() session.State
}

// handleLine runs one stdin line and reports whether the user asked to quit.
func handleLine(c commander, p *printer, line string) bool {
	switch strings.TrimSpace(line) {
	case "":
	case "/quit":
		return true
	case "/connect":
		c.BeginSession()
	case "/retry":
		c.RetryManually()
	case "/disconnect":
		c.Disconnect()
	case "/state":
		p.printf("* %s\n", c.State())
	default:
		c.RecordLocalMessage("> " + line)
		c.Send(line)
	}
	return false
}

func serveMetrics(addr string, registry *prometheus.Registry, log logger.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("connect: metrics server failed", "addr", addr, "error", err)
		}
	}()

	return srv
}

// printer serializes output from the session loop and the input loop.
type printer struct {
	mu  sync.Mutex
	out io.Writer
}

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, format, args...)
}

func envInt(key string, defaultValue int) int {
	n, err := strconv.Atoi(resws.GetEnvOrDefault(key, strconv.Itoa(defaultValue)))
	if err != nil {
		return defaultValue
	}
	return n
}

func envDuration(key string, defaultValue time.Duration) time.Duration {
	d, err := time.ParseDuration(resws.GetEnvOrDefault(key, defaultValue.String()))
	if err != nil {
		return defaultValue
	}
	return d
}

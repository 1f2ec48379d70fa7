package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	connect "github.com/frankli0324/go-connect"
	"github.com/frankli0324/go-connect/config"
	"github.com/frankli0324/go-connect/internal/logging"
)

func main() {
	cfgPath := flag.String("config", "", "Path to configuration file, defaults are used when empty")
	h2 := flag.Bool("h2", false, "Exchange the HTTP/2 preface and SETTINGS when h2 was negotiated")
	count := flag.Int("n", 1, "Connect this many times in a row, releasing each connection to the pool")
	timeout := flag.Duration("timeout", 10*time.Second, "Timeout for each attempt")
	metricsListen := flag.String("metrics-listen", "", "Serve /metrics on this address and keep running")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] https://host[:port]\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(2)
	}

	cfg := config.Default()
	if *cfgPath != "" {
		loaded, err := config.Load(*cfgPath)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to load configuration")
		}
		cfg = *loaded
	}

	logger, err := logging.Setup(cfg.Logging)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to setup logger")
	}
	log.Logger = logger

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx = logger.WithContext(ctx)

	opts := []connect.Option{connect.WithLogger(logger)}
	if *metricsListen != "" {
		collector, err := connect.NewPrometheusCollector(prometheus.DefaultRegisterer)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to register metrics")
		}
		opts = append(opts, connect.WithCollector(collector))
	}

	stack, err := connect.New(cfg, opts...)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build connector stack")
	}

	reports := make([]report, 0, *count)
	failed := false
	for i := 0; i < *count; i++ {
		r := probe(ctx, stack, flag.Arg(0), *timeout, *h2)
		failed = failed || r.Error != ""
		reports = append(reports, r)
	}

	out := struct {
		Engine  string        `json:"engine"`
		Backend string        `json:"tls_backend"`
		Probes  []report      `json:"probes"`
		Stats   connect.Stats `json:"stats"`
	}{connect.EngineName, connect.TLSBackend, reports, stack.Stats()}
	enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		logger.Error().Err(err).Msg("failed to write report")
	}

	if *metricsListen != "" {
		serveMetrics(ctx, logger, *metricsListen)
	}
	if err := stack.Close(); err != nil {
		logger.Warn().Err(err).Msg("failed to close connector stack")
	}
	if failed {
		os.Exit(1)
	}
}

type report struct {
	Target   string        `json:"target"`
	Remote   string        `json:"remote,omitempty"`
	Protocol string        `json:"protocol,omitempty"`
	Reused   bool          `json:"reused"`
	Elapsed  time.Duration `json:"elapsed_ns"`
	Settings []setting     `json:"h2_settings,omitempty"`
	Error    string        `json:"error,omitempty"`
	Kind     string        `json:"error_kind,omitempty"`
	Layer    string        `json:"error_layer,omitempty"`
}

func probe(ctx context.Context, stack *connect.Stack, rawurl string, timeout time.Duration, h2 bool) (r report) {
	r.Target = rawurl
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	defer func() { r.Elapsed = time.Since(start) }()

	conn, err := stack.Dial(ctx, rawurl)
	if err != nil {
		r.fail(err)
		return r
	}
	defer conn.Close()

	r.Remote = conn.RemoteAddr().String()
	r.Protocol = connect.NegotiatedProtocol(conn)
	if c, ok := conn.(interface{ Reused() bool }); ok {
		r.Reused = c.Reused()
	}
	if h2 && r.Protocol == "h2" {
		if dl, ok := ctx.Deadline(); ok {
			_ = conn.SetDeadline(dl)
		}
		r.Settings, err = handshakeH2(conn)
		if err != nil {
			r.fail(err)
		}
		// the server saw a preface, the connection can't go back to the pool
		if d, ok := conn.(interface{ Discard() error }); ok {
			_ = d.Discard()
		}
	}
	return r
}

func (r *report) fail(err error) {
	r.Error = err.Error()
	var ce *connect.Error
	if errors.As(err, &ce) {
		r.Kind = ce.Kind.String()
		r.Layer = ce.Layer
	}
}

func serveMetrics(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdown)
	}()
	logger.Info().Str("listen", addr).Msg("serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server stopped")
	}
}

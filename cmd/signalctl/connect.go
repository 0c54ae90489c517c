package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/carterjones/signaling"
	"github.com/carterjones/signaling/events"
	"github.com/carterjones/signaling/internal/config"
	"github.com/carterjones/signaling/message"
	"github.com/carterjones/signaling/metrics"
)

type connectOptions struct {
	configPath string
	url        string
	user       string
	group      string
	metrics    string
}

func connectCmd() *cobra.Command {
	var opts connectOptions

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Connect to a signaling server and log its traffic",
		Long: `Connect to a signaling server and stay connected until interrupted.

When a user is given, it is registered every time the server assigns a new
connection id; with a group, the user also joins that group. Registration goes
through the REST API when api.base_url is configured and over the websocket
otherwise.

Examples:
  signalctl connect --url wss://signal.example.com/ws
  signalctl connect -c signalctl.yaml --user alice --group ops
  signalctl connect --metrics :9100`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConnect(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "YAML configuration file")
	cmd.Flags().StringVar(&opts.url, "url", "", "Signaling websocket URL (overrides the config)")
	cmd.Flags().StringVarP(&opts.user, "user", "u", "", "Username to register after each connect")
	cmd.Flags().StringVarP(&opts.group, "group", "g", "", "Group to join after registering")
	cmd.Flags().StringVar(&opts.metrics, "metrics", "", "Serve Prometheus metrics on this address")

	return cmd
}

func runConnect(ctx context.Context, opts connectOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to load .env")
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.url != "" {
		cfg.Signaling.URL = opts.url
	}
	if opts.metrics != "" {
		cfg.Metrics.Address = opts.metrics
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}

	c := signaling.New(cfg.Signaling.URL)
	c.ReconnectDelay = cfg.Signaling.ReconnectDelay
	c.HandshakeTimeout = cfg.Signaling.HandshakeTimeout
	c.CustomID = cfg.Signaling.ClientID
	c.Logger = logger
	for k, v := range cfg.Signaling.Headers {
		c.Headers.Set(k, v)
	}

	var srv *http.Server
	if cfg.Metrics.Address != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		c.Metrics = metrics.NewPrometheusCollector(reg)
		srv = serveMetrics(cfg.Metrics, reg, logger)
	}

	registrar := newRegistrar(c, cfg.API, opts.user, opts.group, logger)

	var subs events.Group
	subs.Add(
		c.OnConnect(func(e signaling.Connected) {
			logger.Info().Bool("reconnected", e.IsReconnected).Msg("connected")
		}),
		c.OnDisconnect(func(e signaling.Disconnected) {
			logger.Info().Int("code", e.Code).Str("reason", e.Reason).Bool("stopped", e.Stopped).Msg("disconnected")
		}),
		c.OnConnectionFailed(func(e signaling.ConnectionFailed) {
			logger.Warn().Err(e.Err).Int("attempt", e.Attempt).Msg("connection failed")
		}),
		c.OnMessage(func(m message.Message) {
			h := m.MessageHeader()
			logger.Info().Str("type", string(h.Type)).Str("from", h.From).Strs("to", h.To).Msg("message")

			switch m := m.(type) {
			case *message.ConnectAck:
				// Registration may block on HTTP; keep it off the event goroutine.
				go registrar.register(ctx)
			case *message.RegisterAck:
				logger.Info().Bool("success", m.Success).Msg("registration answered")
			case *message.Error:
				logger.Warn().Str("error_type", string(m.ErrorType)).Msg(m.Message)
			}
		}),
	)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	c.Close()
	subs.Release()

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("metrics shutdown")
		}
	}

	return nil
}

func serveMetrics(cfg config.MetricsConfig, reg *prometheus.Registry, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{
		Addr:              cfg.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("address", cfg.Address).Str("path", cfg.Path).Msg("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server")
		}
	}()

	return srv
}

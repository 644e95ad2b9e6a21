package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/wilsonzlin/aero/proxy/webrtc-media-signaling/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-media-signaling/internal/broadcast"
	"github.com/wilsonzlin/aero/proxy/webrtc-media-signaling/internal/call"
	"github.com/wilsonzlin/aero/proxy/webrtc-media-signaling/internal/candidates"
	"github.com/wilsonzlin/aero/proxy/webrtc-media-signaling/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-media-signaling/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-media-signaling/internal/media"
	"github.com/wilsonzlin/aero/proxy/webrtc-media-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-media-signaling/internal/registry"
	"github.com/wilsonzlin/aero/proxy/webrtc-media-signaling/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-media-signaling/internal/turnrest"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	// Build the pion API up front so port range and NAT settings are checked
	// before we accept connections. No sockets are opened until the first
	// endpoint is created.
	api, err := media.NewAPI(cfg, logger)
	if err != nil {
		logger.Error("failed to configure media engine", "err", err)
		os.Exit(2)
	}

	verifier, err := newVerifier(cfg)
	if err != nil {
		logger.Error("failed to configure signaling auth", "err", err)
		os.Exit(2)
	}

	logger.Info("starting aero-webrtc-media-signaling",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"auth_mode", cfg.AuthMode,
		"ice_servers", len(cfg.ICEServers),
		"turn_rest", cfg.TURNREST.Enabled(),
		"media_setup_timeout", cfg.MediaSetupTimeout,
		"media_pli_interval", cfg.MediaPLIInterval,
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
	)
	if err := cfg.ICEConfigError(); err != nil {
		logger.Error("invalid ICE server configuration; /readyz will report not ready", "err", err)
	}
	logStartupSecurityWarnings(logger, cfg)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, builtAt := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: builtAt})
	if cfg.TURNREST.Enabled() {
		gen, err := turnrest.NewGenerator(turnrest.Config{
			SharedSecret:   cfg.TURNREST.SharedSecret,
			TTL:            cfg.TURNREST.TTL,
			UsernamePrefix: cfg.TURNREST.UsernamePrefix,
		})
		if err != nil {
			logger.Error("failed to configure TURN REST credentials", "err", err)
			os.Exit(2)
		}
		srv.SetTURNREST(gen)
	}

	m := metrics.New()
	client := media.NewClient(media.PionDialer(api, cfg.EngineICEServers(), logger), logger)
	queue := candidates.New()
	rooms := broadcast.New(client, queue, broadcast.Config{
		SetupTimeout: cfg.MediaSetupTimeout,
		Logger:       logger,
		Metrics:      m,
	})
	calls := call.New(registry.New(), client, queue, call.Config{
		SetupTimeout: cfg.MediaSetupTimeout,
		Logger:       logger,
		Metrics:      m,
	})

	sig := signaling.NewServer(signaling.Config{
		Broadcast: rooms,
		Call:      calls,
		Metrics:   m,
		Logger:    logger,

		AuthMode: cfg.AuthMode,
		Verifier: verifier,

		AuthTimeout:          cfg.SignalingAuthTimeout,
		IdleTimeout:          cfg.SignalingWSIdleTimeout,
		PingInterval:         cfg.SignalingWSPingInterval,
		MaxMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
	})
	sig.RegisterRoutes(srv.Mux(), srv.WithOriginPolicy)
	srv.Mux().Handle("GET /one2many/rooms", srv.WithOriginPolicy(sig.RoomsHandler()))
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m))

	logger.Info("signaling routes ready", "addr", ln.Addr().String(), "routes", sig.Routes())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownMedia := func() {
		sig.Close()
		rooms.Close()
		calls.Close()
		rooms.Wait()
		calls.Wait()
	}

	select {
	case err := <-errCh:
		shutdownMedia()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	shutdownMedia()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

// newVerifier returns nil when authentication is disabled.
func newVerifier(cfg config.Config) (auth.Verifier, error) {
	if cfg.AuthMode == config.AuthModeNone {
		return nil, nil
	}
	return auth.NewVerifier(cfg)
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// ldflags win; the VCS stamp covers `go run` and dev builds.
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}
	return commit, buildTime
}

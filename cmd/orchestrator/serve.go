package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/leifmarkthaler/gleitzeit-sub000/internal/api"
	"github.com/leifmarkthaler/gleitzeit-sub000/internal/auth"
	"github.com/leifmarkthaler/gleitzeit-sub000/internal/config"
	"github.com/leifmarkthaler/gleitzeit-sub000/internal/pool"
	"github.com/leifmarkthaler/gleitzeit-sub000/internal/tracing"
	"github.com/leifmarkthaler/gleitzeit-sub000/internal/validator"
)

// limiterSweepInterval is how often idle per-IP limiters are dropped.
const limiterSweepInterval = 5 * time.Minute

var skipRecovery bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator HTTP API and dispatcher",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&skipRecovery, "skip-recovery", false, "do not resume unfinished workflows at startup")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	logger.Info("starting orchestrator",
		slog.String("version", Version),
		slog.String("port", cfg.Port),
		slog.String("log_level", cfg.LogLevel),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracingCfg := tracing.DefaultConfig()
	tracingCfg.Enabled = cfg.TracingEnabled
	tracingCfg.Endpoint = cfg.OTLPEndpoint
	tracingCfg.SampleRate = cfg.TracingSampleRate
	tracingCfg.Version = Version
	tracingCfg.Logger = logger
	tp, err := tracing.Setup(ctx, tracingCfg)
	if err != nil {
		return err
	}

	a, err := newApp(cfg, logger)
	if err != nil {
		shutdownTracing(tp, cfg.ShutdownGrace, logger)
		return err
	}
	defer a.Close()

	if !skipRecovery {
		a.resumeUnfinished(ctx)
	}

	v, err := validator.New()
	if err != nil {
		shutdownTracing(tp, cfg.ShutdownGrace, logger)
		return err
	}

	var opts []api.ServerOption
	var limiter *api.PerIPRateLimiter
	if cfg.RateLimitRPS > 0 {
		limiter = api.NewPerIPRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		opts = append(opts, api.WithRateLimiter(limiter))
	}
	if cfg.AuthEnabled {
		verifier, err := newVerifier(ctx, cfg)
		if err != nil {
			shutdownTracing(tp, cfg.ShutdownGrace, logger)
			return err
		}
		opts = append(opts, api.WithAuth(auth.NewMiddleware(verifier, &auth.MiddlewareConfig{
			Enabled:       true,
			RequiredRoles: cfg.AuthRequiredRoles,
			OperatorRole:  cfg.AuthOperatorRole,
			Logger:        logger,
		})))
		logger.Info("API authentication enabled",
			slog.String("oidc_issuer", cfg.OIDCIssuer),
			slog.Bool("service_tokens", cfg.AuthServiceSecret != ""),
		)
	}
	handlers := api.NewHandlers(a.store, a.dispatcher, a.pools, a.bus, v, cfg, logger)
	server := api.NewServer(handlers, opts...)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	var wg sync.WaitGroup
	background := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	background(func() {
		if err := a.dispatcher.Run(ctx); err != nil {
			logger.Error("dispatcher stopped", "error", err)
			stop()
		}
	})

	if a.inference.Len() > 0 {
		proberCfg := pool.DefaultProberConfig()
		proberCfg.Interval = cfg.InferenceProbeInterval
		prober := pool.NewProber(a.inference, proberCfg, nil, logger)
		background(func() { prober.Run(ctx) })
	}

	if limiter != nil {
		background(func() {
			ticker := time.NewTicker(limiterSweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					limiter.Sweep()
				}
			}
		})
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", slog.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err = <-serverErr:
		if err != nil {
			logger.Error("HTTP server error", "error", err)
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if serr := httpServer.Shutdown(shutdownCtx); serr != nil {
		logger.Error("server shutdown error", "error", serr)
	}
	wg.Wait()
	shutdownTracing(tp, cfg.ShutdownGrace, logger)

	logger.Info("server stopped")
	return err
}

func shutdownTracing(shutdown tracing.Shutdown, grace time.Duration, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		logger.Error("tracer shutdown error", "error", err)
	}
}

// newVerifier accepts OIDC tokens when an issuer is configured and service
// tokens when a secret is.
func newVerifier(ctx context.Context, cfg *config.Config) (auth.Verifiers, error) {
	var verifiers auth.Verifiers
	if cfg.OIDCIssuer != "" {
		provider, err := auth.NewProvider(ctx, &auth.Config{
			Issuer:   cfg.OIDCIssuer,
			ClientID: cfg.OIDCClientID,
			HTTPClient: &http.Client{
				Timeout:   10 * time.Second,
				Transport: otelhttp.NewTransport(http.DefaultTransport),
			},
		})
		if err != nil {
			return nil, err
		}
		verifiers = append(verifiers, provider)
	}
	if cfg.AuthServiceSecret != "" {
		tokens, err := auth.NewServiceTokens(cfg.AuthServiceSecret, cfg.AuthServiceIssuer)
		if err != nil {
			return nil, err
		}
		verifiers = append(verifiers, tokens)
	}
	return verifiers, nil
}

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	oauth "github.com/giantswarm/oauth-core"
	"github.com/giantswarm/oauth-core/server"
)

const (
	serverRequestTimeout = 10 * time.Second
	serverReadTimeout    = 10 * time.Second
	serverWriteTimeout   = 15 * time.Second // must exceed serverRequestTimeout
	serverIdleTimeout    = 60 * time.Second
	healthCheckTimeout   = 2 * time.Second
)

// version is reported in instrumentation resources. Set with -ldflags.
var version = "dev"

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the authorization server",
		Long: `Start the authorization server. Clients and resource owners can be
provisioned at startup from a YAML seed file; see "oauthd seed --help".`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	flags := cmd.Flags()
	flags.String("address", ":8080", "Address to listen on")
	flags.String("issuer", "", "Issuer URL advertised in the metadata document")
	flags.Bool("allow-insecure-http", false, "Allow a plain HTTP issuer outside localhost")
	flags.Bool("trust-proxy", false, "Read client addresses from X-Forwarded-For")
	flags.Int("trusted-proxy-count", 1, "Number of trusted proxies in front of the server")
	flags.Duration("code-ttl", 10*time.Minute, "Authorization code lifetime (at most 10m)")
	flags.Duration("access-token-ttl", time.Hour, "Access token lifetime")
	flags.Duration("refresh-token-ttl", 90*24*time.Hour, "Refresh token lifetime")
	flags.Bool("disable-refresh-tokens", false, "Never issue refresh tokens")
	flags.StringSlice("scopes", nil, "Scopes clients may register and request (empty allows any)")
	flags.Float64("rate-limit", 10, "Requests per second allowed per client IP (0 disables)")
	flags.Int("rate-limit-burst", 20, "Burst size for the per-IP rate limit")
	flags.Bool("audit", true, "Enable security audit logging")
	flags.Bool("auto-approve", false, "Approve authorization requests without an explicit accepted=true")
	flags.String("realm", "oauth", "HTTP Basic realm shown to resource owners")
	flags.Bool("metrics", true, "Expose Prometheus metrics on /metrics")
	flags.Bool("log-client-ips", false, "Record client addresses on spans")
	flags.String("seed-file", "", "YAML file with clients and users to provision at startup")
	flags.Duration("graceful-timeout", 30*time.Second, "Time allowed for in-flight requests on shutdown")
	addStorageFlags(flags)

	return cmd
}

// serverConfigFromFlags maps the command line onto the server configuration.
func serverConfigFromFlags() server.Config {
	return server.Config{
		Issuer:                    viper.GetString("issuer"),
		AuthorizationCodeTTL:      int64(viper.GetDuration("code-ttl").Seconds()),
		AccessTokenTTL:            int64(viper.GetDuration("access-token-ttl").Seconds()),
		RefreshTokenTTL:           int64(viper.GetDuration("refresh-token-ttl").Seconds()),
		AllowRefreshTokenRotation: true,
		DisableRefreshTokens:      viper.GetBool("disable-refresh-tokens"),
		AllowInsecureHTTP:         viper.GetBool("allow-insecure-http"),
		TrustProxy:                viper.GetBool("trust-proxy"),
		TrustedProxyCount:         viper.GetInt("trusted-proxy-count"),
		SupportedScopes:           viper.GetStringSlice("scopes"),
	}
}

// handlerConfig assembles the handler configuration. verifier and
// registry may be nil.
func handlerConfig(logger *slog.Logger, verifier server.IdentityVerifier, registry *prometheus.Registry) *oauth.Config {
	cfg := &oauth.Config{
		Server: serverConfigFromFlags(),
		RateLimit: oauth.RateLimitConfig{
			Rate:  viper.GetFloat64("rate-limit"),
			Burst: viper.GetInt("rate-limit-burst"),
		},
		Security: oauth.SecurityConfig{
			EnableAuditLogging: viper.GetBool("audit"),
			AutoApprove:        viper.GetBool("auto-approve"),
			Realm:              viper.GetString("realm"),
		},
		IdentityVerifier: verifier,
		Logger:           logger,
	}
	if registry != nil {
		cfg.Instrumentation = oauth.InstrumentationConfig{
			Enabled:              true,
			ServiceName:          "oauthd",
			ServiceVersion:       version,
			MetricsExporter:      "prometheus",
			PrometheusRegisterer: registry,
			LogClientIPs:         viper.GetBool("log-client-ips"),
		}
	}
	return cfg
}

// pinger is implemented by backends with a remote connection.
type pinger interface {
	Ping(ctx context.Context) error
}

// newRouter mounts the OAuth endpoints next to the health and metrics
// endpoints. gatherer may be nil.
func newRouter(h *oauth.Handler, backend any, gatherer prometheus.Gatherer, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(serverRequestTimeout))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if p, ok := backend.(pinger); ok {
			ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
			defer cancel()
			if err := p.Ping(ctx); err != nil {
				logger.Warn("Health check failed", "error", err)
				http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Mount("/", h.Routes())
	return r
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := newLogger(cmd.ErrOrStderr())

	var seed *SeedFile
	if path := viper.GetString("seed-file"); path != "" {
		var err error
		if seed, err = loadSeedFile(path); err != nil {
			return err
		}
	} else {
		seed = &SeedFile{}
	}

	var verifier server.IdentityVerifier
	users, err := identityVerifier(seed.Users)
	if err != nil {
		return err
	}
	if users != nil {
		verifier = users
	} else {
		logger.Warn("No resource owners configured; the authorization endpoint and password grant are unavailable")
	}

	st, err := openStores(ctx, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	var registry *prometheus.Registry
	if viper.GetBool("metrics") {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	cfg := handlerConfig(logger, verifier, registry)
	handler, err := oauth.New(st.clients, st.tokens, cfg)
	if err != nil {
		return fmt.Errorf("failed to create OAuth handler: %w", err)
	}
	if st.memory != nil && handler.Server().Instrumentation != nil {
		st.memory.SetInstrumentation(handler.Server().Instrumentation)
	}

	seeded, err := applyClients(ctx, handler.Server(), seed.Clients, logger)
	if err != nil {
		return err
	}
	for _, s := range seeded {
		if s.client != nil {
			logger.Info("Provisioned client", "client_id", s.client.PublicID(), "name", s.client.Name)
		}
	}

	if st.runCleanup != nil {
		go st.runCleanup(ctx)
	}

	var gatherer prometheus.Gatherer
	if registry != nil {
		gatherer = registry
	}

	httpServer := &http.Server{
		Addr:         viper.GetString("address"),
		Handler:      newRouter(handler, st.tokens, gatherer, logger),
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Server listening", "address", httpServer.Addr, "issuer", cfg.Server.Issuer)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), viper.GetDuration("graceful-timeout"))
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
		return err
	}
	if err := handler.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Handler shutdown incomplete", "error", err)
	}

	logger.Info("Server shutdown complete")
	return nil
}

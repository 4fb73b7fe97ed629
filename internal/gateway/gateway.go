// ABOUTME: Gateway wiring: store, bus, registry, delivery, handoff, presence, and the HTTP server
// ABOUTME: Manages listener setup (TCP or tailscale), background loops, and graceful shutdown

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/switchboard/internal/auth"
	"github.com/2389/switchboard/internal/bus"
	"github.com/2389/switchboard/internal/config"
	"github.com/2389/switchboard/internal/dedupe"
	"github.com/2389/switchboard/internal/delivery"
	"github.com/2389/switchboard/internal/handoff"
	"github.com/2389/switchboard/internal/metrics"
	"github.com/2389/switchboard/internal/presence"
	"github.com/2389/switchboard/internal/ratelimit"
	"github.com/2389/switchboard/internal/registry"
	"github.com/2389/switchboard/internal/store"
)

// dedupeTTL bounds how long a collaborator may retry a message push.
const dedupeTTL = 10 * time.Minute

// Gateway owns every server component and its lifecycle.
type Gateway struct {
	config      *config.Config
	store       *store.SQLiteStore
	bus         bus.Bus
	registry    *registry.Registry
	delivery    *delivery.Orchestrator
	handoff     *handoff.Machine
	presence    *presence.Tracker
	guard       *ratelimit.Guard
	proxies     *ratelimit.TrustedProxies
	authn       *auth.Authenticator
	sessions    *auth.SessionVerifier
	capability  *auth.CapabilityValidator
	issuer      *auth.CapabilityIssuer
	dedupe      *dedupe.Cache
	metrics     *metrics.Metrics
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// serverID tags events published by this instance
	serverID string

	shutdownOnce sync.Once
	shutdownErr  error
}

// initStore opens the SQLite store, honoring SWITCHBOARD_DB_PATH.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("SWITCHBOARD_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initBus creates the configured bus backend.
func initBus(cfg *config.Config, opts bus.Options) (bus.Bus, error) {
	switch cfg.Bus.Backend {
	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return bus.NewRedisBus(ctx, cfg.Bus.RedisAddr, opts)
	case "amqp":
		return bus.NewAMQPBus(cfg.Bus.AMQPURL, cfg.Bus.Exchange, opts)
	default:
		return bus.NewMemoryBus(opts), nil
	}
}

// New creates a gateway from config. Nothing listens until Run.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	serverID := cfg.Bus.Source
	if serverID == "" {
		serverID = generateServerID()
	}

	gw := &Gateway{
		config:   cfg,
		metrics:  metrics.New(),
		logger:   logger.With("component", "gateway"),
		serverID: serverID,
	}

	sqlStore, err := initStore(cfg)
	if err != nil {
		return nil, err
	}
	gw.store = sqlStore

	if err := gw.initAuth(cfg); err != nil {
		_ = sqlStore.Close()
		return nil, err
	}

	gw.bus, err = initBus(cfg, bus.Options{
		Source:      serverID,
		Logger:      logger,
		OnReconnect: gw.metrics.BusReconnects.Inc,
	})
	if err != nil {
		_ = sqlStore.Close()
		return nil, fmt.Errorf("initializing bus: %w", err)
	}

	gw.proxies, err = ratelimit.NewTrustedProxies(cfg.RateLimit.TrustedProxies)
	if err != nil {
		_ = gw.bus.Close()
		_ = sqlStore.Close()
		return nil, fmt.Errorf("parsing trusted proxies: %w", err)
	}
	gw.guard = ratelimit.NewGuard(cfg.RateLimit.Window, cfg.RateLimit.MaxRequests, cfg.RateLimit.MaxKeys)

	gw.registry = registry.New(registry.Options{
		Logger: logger,
		OnChange: func(c registry.Class, delta int) {
			gw.metrics.ConnectionChanged(string(c), delta)
		},
	})

	gw.presence = presence.NewTracker(sqlStore, presence.Config{
		HeartbeatInterval: cfg.Presence.HeartbeatInterval,
		MissedHeartbeats:  cfg.Presence.MissedHeartbeats,
		ReconcileInterval: cfg.Presence.ReconcileInterval,
		DefaultCapacity:   cfg.Presence.DefaultCapacity,
	}, presence.Hooks{
		OnOffline: func(ids []string) {
			gw.logger.Info("operators marked offline after missed heartbeats", "operator_ids", ids)
		},
		OnDrift: func(d []store.Drift) { gw.metrics.PresenceDrift.Add(float64(len(d))) },
	}, logger)

	gw.handoff = handoff.NewMachine(sqlStore, gw.presence, gw.bus, handoff.Config{
		AvgHandleTime: cfg.Handoff.AvgHandleTime,
	}, handoff.Hooks{
		OnTransition:     gw.metrics.Transition,
		OnPublishFailure: func(error) { gw.metrics.PublishFailures.Inc() },
	}, logger)

	gw.dedupe = dedupe.New(dedupeTTL, 100_000)
	gw.delivery = delivery.New(gw.registry, gw.bus,
		delivery.NewStreams(cfg.Stream.ReplayBuffer, cfg.Stream.MaxDialogBuffers),
		gw.handoff,
		delivery.Options{
			Logger: logger,
			Dedupe: gw.dedupe,
			Hooks: delivery.Hooks{
				OnDelivered:      gw.metrics.Delivered,
				OnPublishFailure: func(error) { gw.metrics.PublishFailures.Inc() },
				OnDuplicate:      gw.metrics.DuplicateMessages.Inc,
			},
		})

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return gw, nil
}

// initAuth builds the operator session verifier, capability keyring, and
// bearer authenticator.
func (g *Gateway) initAuth(cfg *config.Config) error {
	if cfg.Auth.JWTSecret != "" {
		v, err := auth.NewSessionVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return fmt.Errorf("creating session verifier: %w", err)
		}
		g.sessions = v
	} else {
		g.logger.Warn("auth.jwt_secret not set, operator sessions disabled; only service tokens are accepted")
	}

	keyring, err := auth.NewKeyring([]byte(cfg.Auth.TokenSecret))
	if err != nil {
		return fmt.Errorf("creating capability keyring: %w", err)
	}
	g.capability = auth.NewCapabilityValidator(keyring, g.store, cfg.Auth.TrustedEmbedHosts)
	g.issuer = auth.NewCapabilityIssuer(keyring, cfg.Auth.CapabilityTTL)

	var sessions auth.SessionTokenVerifier
	if g.sessions != nil {
		sessions = g.sessions
	}
	g.authn = auth.NewAuthenticator(sessions, cfg.Auth.ServiceTokens)
	return nil
}

// Handler returns the gateway's HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr, "server_id", g.serverID)
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

func (g *Gateway) startServer(ln net.Listener) chan error {
	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()
	return errCh
}

func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		return err
	}
}

// Run serves HTTP and runs the bus consumer and presence loops until ctx is
// canceled or any of them fails, then shuts down.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	runCtx, stopLoops := context.WithCancel(ctx)
	defer stopLoops()

	loops, loopCtx := errgroup.WithContext(runCtx)
	loops.Go(func() error {
		if err := g.delivery.Run(loopCtx); err != nil {
			return fmt.Errorf("delivery: %w", err)
		}
		return nil
	})
	loops.Go(func() error {
		return g.presence.Run(loopCtx)
	})

	errCh := g.startServer(ln)
	serverErr := g.waitForShutdownSignal(loopCtx, errCh)

	// Loops stop before the bus closes under them.
	stopLoops()
	loopErr := loops.Wait()
	shutdownErr := g.gracefulShutdown()

	switch {
	case serverErr != nil:
		return serverErr
	case loopErr != nil:
		return loopErr
	}
	return shutdownErr
}

func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "switchboard", "tailscale"), nil
}

func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	ln, err := g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return ln, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown closes live connections, stops the HTTP server, and releases
// resources. Later calls return the first call's result.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.shutdownOnce.Do(func() {
		g.shutdownErr = g.shutdown(ctx)
	})
	return g.shutdownErr
}

func (g *Gateway) shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	g.registry.CloseAll(delivery.CloseGoingAway, "server shutting down")
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "bus close", g.bus.Close())
	g.dedupe.Close()
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// generateServerID creates a unique identifier for this gateway instance.
func generateServerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "switchboard"
	}
	return fmt.Sprintf("%s-%d", host, time.Now().UnixNano()%1000000)
}

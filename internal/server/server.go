// ABOUTME: Server orchestrator that wires the pairing subsystem and runs its listeners
// ABOUTME: Manages HTTP, gRPC signaling, discovery, mDNS, sweepers and the MQTT bridge lifecycle

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/tether/internal/account"
	"github.com/2389/tether/internal/auth"
	"github.com/2389/tether/internal/config"
	"github.com/2389/tether/internal/discovery"
	"github.com/2389/tether/internal/identity"
	"github.com/2389/tether/internal/pairing"
	"github.com/2389/tether/internal/signaling"
	"github.com/2389/tether/internal/store"
)

const shutdownTimeout = 5 * time.Second

// Server owns every component of one tether node.
type Server struct {
	config   *config.Config
	store    store.Store
	identity *identity.Provider
	events   *signaling.Broadcaster
	logger   *slog.Logger

	engine      *account.Engine
	tokens      *pairing.TokenService
	coordinator *pairing.Coordinator
	joiner      *pairing.Joiner
	sessions    *auth.Manager
	authClient  *auth.Client

	// discovery is nil when LAN discovery is disabled
	discovery *discovery.Service
	mdns      *discovery.Advertiser

	httpServer  *http.Server
	grpcServer  *grpc.Server
	tsnetServer *tsnet.Server
}

// New opens the store, loads the device identity and wires every component.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	st, err := store.Open(cfg.Database.Driver, cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	id, err := identity.Load(identity.Config{
		Type:    cfg.Device.Type,
		Name:    cfg.Device.Name,
		KeyPath: cfg.Device.KeyPath,
	})
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("loading device identity: %w", err)
	}

	s, err := newServer(cfg, st, id, logger)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return s, nil
}

// newServer wires the components around an already opened store.
func newServer(cfg *config.Config, st store.Store, id *identity.Provider, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := id.Register(context.Background(), st); err != nil {
		return nil, fmt.Errorf("registering local device: %w", err)
	}

	local := id.Identity()
	events := signaling.NewBroadcaster(local.DeviceID, logger.With("component", "signaling"))
	engine := account.NewEngine(st, cfg.Account.Salt)

	s := &Server{
		config:      cfg,
		store:       st,
		identity:    id,
		events:      events,
		logger:      logger.With("component", "server"),
		engine:      engine,
		tokens:      pairing.NewTokenService(st, local, cfg.Server.PublicURL, cfg.Pairing.TokenTTL),
		coordinator: pairing.NewCoordinator(st, engine, events, local, cfg.Pairing.TokenTTL, cfg.Pairing.MaxAttempts),
		joiner:      pairing.NewJoiner(st, engine, events, local),
		sessions:    auth.NewManager(st, local.DeviceID, []byte(cfg.Auth.JWTSecret), cfg.Auth.SessionTTL, events),
		authClient:  auth.NewClient(id, events),
		mdns:        &discovery.Advertiser{},
	}

	if cfg.Discovery.Enabled {
		s.discovery = discovery.New(discovery.Config{
			DeviceID:      local.DeviceID,
			DeviceType:    local.DeviceType,
			AuthEndpoint:  cfg.Server.PublicURL + "/api/auth",
			ListenAddr:    cfg.Discovery.ListenAddr,
			BroadcastAddr: cfg.Discovery.BroadcastAddr,
			Interval:      cfg.Discovery.Interval,
		}, st, id, s.acceptInvite)
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	s.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.grpcServer = grpc.NewServer(
		grpc.StreamInterceptor(auth.StreamInterceptor(s.sessions, logger.With("component", "auth"))),
		grpc.UnaryInterceptor(auth.UnaryInterceptor(s.sessions, logger.With("component", "auth"))),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 10 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	signaling.NewGRPCService(events).Register(s.grpcServer)

	return s, nil
}

// Handler returns the HTTP handler of the API.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Identity returns the local device identity.
func (s *Server) Identity() identity.Identity {
	return s.identity.Identity()
}

// Events returns the signaling broadcaster.
func (s *Server) Events() *signaling.Broadcaster {
	return s.events
}

// acceptInvite authenticates to a paired device that invited us over
// discovery. The challenge is addressed to the inviting device.
func (s *Server) acceptInvite(ctx context.Context, inv *discovery.Invite) (time.Time, error) {
	sess, err := s.authClient.Authenticate(ctx, inv.AuthEndpoint, inv.DeviceID)
	if err != nil {
		return time.Time{}, err
	}
	return sess.ExpiresAt, nil
}

// Run starts every listener and background loop and blocks until ctx is
// cancelled or a server fails. Shutdown is graceful with a 5s budget.
func (s *Server) Run(ctx context.Context) error {
	httpLns, grpcLn, err := s.setupListeners(ctx)
	if err != nil {
		return err
	}

	errCh := s.startServers(httpLns, grpcLn)

	bgCtx, stopBackground := context.WithCancel(ctx)
	wg := s.startBackground(bgCtx, httpLns[0])

	serverErr := s.waitForShutdownSignal(ctx, errCh)

	stopBackground()
	wg.Wait()

	shutdownErr := s.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// setupListeners creates the HTTP and (optional) gRPC listeners on TCP or on
// the tailnet. The first HTTP listener is the one peers reach.
func (s *Server) setupListeners(ctx context.Context) (httpLns []net.Listener, grpcLn net.Listener, err error) {
	if s.config.Tailscale.Enabled {
		return s.setupTailscaleListeners(ctx)
	}

	httpLn, err := net.Listen("tcp", s.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	if s.config.Server.GRPCAddr == "" {
		return []net.Listener{httpLn}, nil, nil
	}
	grpcLn, err = net.Listen("tcp", s.config.Server.GRPCAddr)
	if err != nil {
		_ = httpLn.Close()
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}
	return []net.Listener{httpLn}, grpcLn, nil
}

// startServers starts the HTTP and gRPC servers in goroutines, returning an
// error channel.
func (s *Server) startServers(httpLns []net.Listener, grpcLn net.Listener) chan error {
	errCh := make(chan error, len(httpLns)+1)

	for _, ln := range httpLns {
		go func() {
			s.logger.Info("HTTP server listening", "addr", ln.Addr().String(), "public_url", s.config.Server.PublicURL)
			if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("HTTP server: %w", err)
			}
		}()
	}

	if grpcLn != nil {
		go func() {
			s.logger.Info("gRPC signaling server listening", "addr", grpcLn.Addr().String())
			if err := s.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	return errCh
}

// startBackground starts sweepers, discovery, mDNS and the MQTT bridge.
// Failures of optional components are logged and never stop the server.
func (s *Server) startBackground(ctx context.Context, httpLn net.Listener) *sync.WaitGroup {
	var wg sync.WaitGroup
	goBackground := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	goBackground(func() { s.coordinator.RunSweeper(ctx, s.config.Pairing.SweepInterval) })
	goBackground(func() { s.sessions.RunSweeper(ctx, s.config.Pairing.SweepInterval) })

	if s.discovery != nil {
		goBackground(func() {
			if err := s.discovery.Run(ctx); err != nil {
				s.logger.Error("discovery stopped", "error", err)
			}
		})
	}

	if s.config.Discovery.MDNS {
		if port, ok := listenerPort(httpLn); ok {
			local := s.identity.Identity()
			if err := s.mdns.Advertise(local.DeviceID, local.DeviceType, port); err != nil {
				s.logger.Warn("mdns advertisement failed", "error", err)
			} else {
				s.logger.Info("advertising over mdns", "service", discovery.ServiceType, "port", port)
			}
		}
	}

	if s.config.MQTT.Enabled {
		pub, err := signaling.DialMQTT(signaling.MQTTConfig{
			Broker:      s.config.MQTT.Broker,
			ClientID:    s.config.MQTT.ClientID,
			Username:    s.config.MQTT.Username,
			Password:    s.config.MQTT.Password,
			TopicPrefix: s.config.MQTT.TopicPrefix,
			QoS:         byte(s.config.MQTT.QoS),
			DeviceID:    s.identity.DeviceID(),
		})
		if err != nil {
			s.logger.Warn("mqtt bridge disabled", "broker", s.config.MQTT.Broker, "error", err)
		} else {
			bridge := signaling.NewMQTTBridge(s.events, pub, s.config.MQTT.TopicPrefix, byte(s.config.MQTT.QoS))
			goBackground(func() {
				if err := bridge.Run(ctx); err != nil {
					s.logger.Error("mqtt bridge stopped", "error", err)
				}
			})
		}
	}

	return &wg
}

func listenerPort(ln net.Listener) (int, bool) {
	addr, ok := ln.Addr().(*net.TCPAddr)
	if !ok {
		return 0, false
	}
	return addr.Port, true
}

// waitForShutdownSignal waits for context cancellation or server error.
func (s *Server) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		s.logger.Error("server error", "error", err)
		s.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (s *Server) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		s.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "tether", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
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

// setupTailscaleListeners joins the tailnet and listens on :80 (HTTP) and,
// when gRPC is enabled, :50051. The API is also served on server.http_addr so
// the local CLI keeps its loopback access.
func (s *Server) setupTailscaleListeners(ctx context.Context) (httpLns []net.Listener, grpcLn net.Listener, err error) {
	tsCfg := s.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	s.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	s.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := s.tsnetServer.Up(ctx)
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	s.logTailscaleStatus(tsCfg.Hostname, status)

	closeAll := func() {
		for _, ln := range httpLns {
			_ = ln.Close()
		}
		_ = s.tsnetServer.Close()
	}

	tsLn, err := s.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	httpLns = append(httpLns, tsLn)

	localLn, err := net.Listen("tcp", s.config.Server.HTTPAddr)
	if err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("listening on local HTTP address: %w", err)
	}
	httpLns = append(httpLns, localLn)

	if s.config.Server.GRPCAddr == "" {
		return httpLns, nil, nil
	}
	grpcLn, err = s.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}
	return httpLns, grpcLn, nil
}

// logTailscaleStatus logs info about the tailscale node status and warns when
// the configured public URL does not point at the tailnet name.
func (s *Server) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		s.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = strings.TrimSuffix(status.Self.DNSName, ".")
	}
	s.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)

	if dnsName != "" && !strings.Contains(s.config.Server.PublicURL, dnsName) && !strings.Contains(s.config.Server.PublicURL, hostname) {
		s.logger.Warn("server.public_url does not name the tailnet host; pairing payloads will point elsewhere",
			"public_url", s.config.Server.PublicURL,
			"dns_name", dnsName,
		)
	}
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (s *Server) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the servers and releases resources.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")

	s.mdns.Stop()
	// Closing the broadcaster ends open SSE and Watch streams so the servers
	// can drain.
	s.events.Close()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", s.httpServer.Shutdown(ctx))

	s.shutdownGRPCServer(ctx)

	if s.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", s.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", s.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

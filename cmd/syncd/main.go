// Command syncd runs a peersync device: it accepts paired peers over gRPC and
// WebSocket and keeps subscriptions, groups, playlists and history in sync.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	pkgcrypto "github.com/and161185/peersync/internal/crypto"
	"github.com/and161185/peersync/internal/limiter"
	"github.com/and161185/peersync/internal/migrate"
	"github.com/and161185/peersync/internal/model"
	"github.com/and161185/peersync/internal/notify"
	"github.com/and161185/peersync/internal/repository/memory"
	"github.com/and161185/peersync/internal/repository/postgres"
	grpcserver "github.com/and161185/peersync/internal/server/grpc"
	httpserver "github.com/and161185/peersync/internal/server/http"
	"github.com/and161185/peersync/internal/service"
	"github.com/and161185/peersync/internal/session"
	"github.com/and161185/peersync/internal/worker"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

type config struct {
	addr             string
	httpAddr         string
	dsn              string
	identity         string
	jwtKey           string
	tokenTTL         time.Duration
	pairingCode      string
	allow            string
	adminToken       string
	exportPassphrase string
	openCmd          string
	workers          int
	certFile         string
	keyFile          string
	dev              bool
}

func parseFlags() config {
	var c config
	flag.StringVar(&c.addr, "addr", ":8443", "gRPC listen address")
	flag.StringVar(&c.httpAddr, "http-addr", "127.0.0.1:8080", "admin API and WebSocket listen address")
	flag.StringVar(&c.dsn, "dsn", "", "PostgreSQL DSN; empty keeps state in memory")
	flag.StringVar(&c.identity, "identity", "", "this device's public identity (required)")
	flag.StringVar(&c.jwtKey, "jwt-key", "", "HS256 signing key for peer tokens (required)")
	flag.DurationVar(&c.tokenTTL, "token-ttl", 30*24*time.Hour, "peer token TTL")
	flag.StringVar(&c.pairingCode, "pairing-code", "", "pairing code; empty generates one")
	flag.StringVar(&c.allow, "allow", "", "comma separated peer identities to authorize; empty authorizes every paired peer")
	flag.StringVar(&c.adminToken, "admin-token", "", "bearer token required on the admin API")
	flag.StringVar(&c.exportPassphrase, "export-passphrase", "", "passphrase for sealed export bundles")
	flag.StringVar(&c.openCmd, "open-cmd", "", "command that opens URLs sent to this device, e.g. xdg-open")
	flag.IntVar(&c.workers, "workers", 2, "background workers for export ingestion")
	flag.StringVar(&c.certFile, "tls-cert", "", "TLS certificate (PEM)")
	flag.StringVar(&c.keyFile, "tls-key", "", "TLS private key (PEM)")
	flag.BoolVar(&c.dev, "dev", false, "development logging, terminal notifications and gRPC reflection")
	flag.Parse()
	return c
}

func newLogger(dev bool) *zap.Logger {
	if dev {
		l, _ := zap.NewDevelopment()
		return l
	}
	l, _ := zap.NewProduction()
	return l
}

// main parses configuration, opens storage and serves gRPC and HTTP until a signal arrives.
func main() {
	cfg := parseFlags()

	logger := newLogger(cfg.dev)
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.addr),
		zap.String("httpAddr", cfg.httpAddr),
		zap.String("identity", cfg.identity),
	)

	if cfg.identity == "" {
		logger.Fatal("missing device identity (--identity)")
	}
	if cfg.jwtKey == "" {
		logger.Fatal("missing jwt signing key (--jwt-key)")
	}
	if (cfg.certFile == "") != (cfg.keyFile == "") {
		logger.Fatal("--tls-cert and --tls-key go together")
	}

	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(ctx context.Context, cfg config, logger *zap.Logger) error {
	onChange := func(domain model.Domain, key string) {
		logger.Debug("local change", zap.String("domain", string(domain)), zap.String("key", key))
	}

	var (
		stores service.Stores
		lim    limiter.Limiter
	)
	if cfg.dsn != "" {
		ver, err := migrate.Up(ctx, cfg.dsn)
		if err != nil {
			return fmt.Errorf("migrate up: %w", err)
		}
		logger.Info("schema ready", zap.Int64("version", ver))

		db, err := postgres.New(ctx, cfg.dsn)
		if err != nil {
			return fmt.Errorf("pgxpool: %w", err)
		}
		defer db.Close()
		db.OnChange = onChange

		stores = service.Stores{
			Subscriptions: postgres.NewSubscriptionRepo(db),
			Groups:        postgres.NewGroupRepo(db),
			Playlists:     postgres.NewPlaylistRepo(db),
			History:       postgres.NewHistoryRepo(db),
			Peers:         postgres.NewPeerRepo(db),
		}
		lim = limiter.NewPG(db.Pool, 15*time.Minute, 5, 15*time.Minute)
	} else {
		logger.Warn("no --dsn, state is kept in memory")
		groups := memory.NewGroups(nil)
		groups.OnChange = onChange
		playlists := memory.NewPlaylists(nil)
		playlists.OnChange = onChange
		stores = service.Stores{
			Subscriptions: memory.NewSubscriptions(nil),
			Groups:        groups,
			Playlists:     playlists,
			History:       memory.NewHistory(),
			Peers:         memory.NewPeers(),
		}
		lim = limiter.NewMemory(15*time.Minute, 5, 15*time.Minute)
	}

	code := cfg.pairingCode
	if code == "" {
		var err error
		if code, err = pkgcrypto.NewNumericCode(6); err != nil {
			return fmt.Errorf("pairing code: %w", err)
		}
		logger.Info("generated pairing code", zap.String("code", code))
	}
	pc, err := pkgcrypto.NewPairingCode(code)
	if err != nil {
		return fmt.Errorf("pairing code: %w", err)
	}
	signKey := []byte(cfg.jwtKey)

	// Execution contexts
	mainExec := worker.NewSerial(logger, 64)
	defer mainExec.Close()
	background := worker.NewPool(logger, cfg.workers)
	defer background.Close()

	var sink notify.Sink = notify.LogSink{Log: logger.Named("notify")}
	if cfg.dev {
		sink = notify.Multi{sink, &notify.TerminalSink{}}
	}

	dispatcher := session.NewDispatcher(session.DispatcherConfig{
		Merger:           service.NewMerger(stores, logger),
		Reporter:         notify.Reporter{Sink: sink},
		URLs:             notify.NewOpener(cfg.openCmd, sink, logger),
		Main:             mainExec,
		Background:       background,
		ExportPassphrase: []byte(cfg.exportPassphrase),
		Log:              logger,
	})
	manager := session.NewManager(session.ManagerConfig{
		Data:   dispatcher,
		Peers:  stores.Peers,
		Policy: session.AllowList(splitList(cfg.allow)),
		Main:   mainExec,
		Log:    logger,
	})
	defer manager.Close()

	// gRPC server with interceptors
	var opts []grpc.ServerOption
	if cfg.certFile != "" {
		creds, err := credentials.NewServerTLSFromFile(cfg.certFile, cfg.keyFile)
		if err != nil {
			return fmt.Errorf("load TLS cert/key: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
	} else {
		logger.Warn("TLS disabled")
	}
	app := grpcserver.New(service.NewPairingService(pc, signKey, cfg.tokenTTL, lim), manager, logger)
	gs := grpcserver.NewGRPCServer(app, signKey, logger, opts...)

	// Health & reflection (dev)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	if cfg.dev {
		reflection.Register(gs)
	}

	hsrv := &http.Server{
		Addr: cfg.httpAddr,
		Handler: httpserver.New(httpserver.Config{
			Identity:   cfg.identity,
			Sessions:   manager,
			SignKey:    signKey,
			AdminToken: cfg.adminToken,
			Log:        logger,
		}).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lis, err := net.Listen("tcp", cfg.addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("grpc listening", zap.String("addr", cfg.addr))
		errCh <- gs.Serve(lis)
	}()
	go func() {
		logger.Info("http listening", zap.String("addr", cfg.httpAddr))
		var err error
		if cfg.certFile != "" {
			err = hsrv.ListenAndServeTLS(cfg.certFile, cfg.keyFile)
		} else {
			err = hsrv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	// Wait for stop
	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	// graceful shutdown
	hs.Shutdown()
	manager.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = hsrv.Shutdown(shutdownCtx)

	done := make(chan struct{})
	go func() {
		gs.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		gs.Stop()
	}
	return runErr
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

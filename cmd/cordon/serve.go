package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cordonlabs/cordon/pkg/api"
	"github.com/cordonlabs/cordon/pkg/audit"
	"github.com/cordonlabs/cordon/pkg/auth"
	"github.com/cordonlabs/cordon/pkg/ca"
	"github.com/cordonlabs/cordon/pkg/cache"
	"github.com/cordonlabs/cordon/pkg/config"
	"github.com/cordonlabs/cordon/pkg/discovery"
	"github.com/cordonlabs/cordon/pkg/events"
	"github.com/cordonlabs/cordon/pkg/license"
	"github.com/cordonlabs/cordon/pkg/log"
	"github.com/cordonlabs/cordon/pkg/manager"
	"github.com/cordonlabs/cordon/pkg/secrets"
	"github.com/cordonlabs/cordon/pkg/snapshot"
	"github.com/cordonlabs/cordon/pkg/storage"
)

var configPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane daemon",
	Long: `Run the control plane: the REST API, the discovery push listener,
the stale-proxy sweeper and the license refresher, all backed by one
embedded store.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Default()
		if configPath != "" {
			var err error
			cfg, err = config.Load(configPath)
			if err != nil {
				return err
			}
		}
		return serve(cfg)
	},
}

func init() {
	serveCmd.Flags().StringVar(&configPath, "config", "", "path to the YAML config file")
}

func serve(cfg *config.Config) error {
	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogFormat == "json",
	})
	logger := log.WithComponent("main")

	store, err := storage.NewBoltStore(cfg.StoreDSN)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	sink, err := secrets.Open(cfg.SecretSink)
	if err != nil {
		return fmt.Errorf("failed to open secret sink: %w", err)
	}

	sessionCache, err := cache.Open(cfg.CacheDSN)
	if err != nil {
		return fmt.Errorf("failed to open session cache: %w", err)
	}

	aud, err := audit.NewWriter(store)
	if err != nil {
		return fmt.Errorf("failed to create audit writer: %w", err)
	}

	authCore, err := auth.NewCore(store, sink, aud, sessionCache, auth.Config{
		AccessTokenTTL:   cfg.AccessTokenTTL,
		RefreshTokenTTL:  cfg.RefreshTokenTTL,
		LockoutThreshold: cfg.LockoutThreshold,
		LockoutWindow:    cfg.LockoutWindow,
		KeyOverlap:       cfg.RotationOverlapWindow,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize auth: %w", err)
	}

	authority := ca.New(store, sink, cfg.RotationOverlapWindow)
	gate := license.New(license.Config{
		Endpoint: cfg.LicenseEndpoint,
		Timeout:  cfg.LicenseTimeout,
		CacheTTL: cfg.LicenseCacheTTL,
		Grace:    cfg.LicenseGrace,
	})

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	snapshots := snapshot.NewCache(store, authority)
	snapshots.MaxResources = cfg.MaxSnapshotResources

	mgr := manager.New(store, authority, gate, authCore, aud, broker, snapshots, manager.Config{
		RotationOverlap:        cfg.RotationOverlapWindow,
		HeartbeatInterval:      cfg.HeartbeatInterval,
		HeartbeatMissThreshold: cfg.HeartbeatMissThreshold,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// First boot only: seed the administrator and print the generated
	// password once. It is never logged or stored in plaintext.
	password, err := mgr.BootstrapAdmin(ctx)
	if err != nil {
		return fmt.Errorf("failed to bootstrap admin: %w", err)
	}
	if password != "" {
		fmt.Printf("Initial admin credentials (shown once):\n")
		fmt.Printf("  login:    admin\n")
		fmt.Printf("  password: %s\n\n", password)
	}

	go gate.Run(ctx)
	go mgr.RunStaleSweeper(ctx)
	go mgr.RunCARetirer(ctx)

	apiServer := api.New(api.Config{
		Bind:           cfg.BindREST,
		TLSCert:        cfg.TLSListenerCert,
		TLSKey:         cfg.TLSListenerKey,
		BodyLimit:      cfg.MaxRequestBody,
		RateLimitRPS:   float64(cfg.RequestRatePerSecond),
		RateLimitBurst: cfg.RequestRateBurst,
		RequestTimeout: cfg.RequestTimeout,
	}, mgr, authCore, aud, store)

	discoveryServer := discovery.New(discovery.Config{
		Bind:                 cfg.BindDiscovery,
		TLSCert:              cfg.TLSListenerCert,
		TLSKey:               cfg.TLSListenerKey,
		KeepAliveInterval:    cfg.HeartbeatInterval,
		KeepAliveMissLimit:   cfg.HeartbeatMissThreshold,
		MaxStreamsPerCluster: cfg.MaxStreamsPerCluster,
	}, authCore, snapshots, broker, aud)

	errCh := make(chan error, 2)
	go func() {
		if err := apiServer.Start(); err != nil {
			errCh <- fmt.Errorf("rest listener failed: %w", err)
		}
	}()
	go func() {
		if err := discoveryServer.Run(ctx); err != nil {
			errCh <- fmt.Errorf("discovery listener failed: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("listener failed")
		cancel()
		shutdownCtx, c := context.WithTimeout(context.Background(), 10*time.Second)
		defer c()
		apiServer.Shutdown(shutdownCtx)
		return err
	}

	cancel()
	shutdownCtx, c := context.WithTimeout(context.Background(), 10*time.Second)
	defer c()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("rest shutdown incomplete")
	}
	logger.Info().Msg("shutdown complete")
	return nil
}

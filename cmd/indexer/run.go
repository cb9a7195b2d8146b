package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/goran-ethernal/MultiChainIndexor/internal/common"
	"github.com/goran-ethernal/MultiChainIndexor/internal/db"
	"github.com/goran-ethernal/MultiChainIndexor/internal/dispatch"
	"github.com/goran-ethernal/MultiChainIndexor/internal/hub"
	"github.com/goran-ethernal/MultiChainIndexor/internal/hub/grpcapi"
	"github.com/goran-ethernal/MultiChainIndexor/internal/hub/natsmirror"
	"github.com/goran-ethernal/MultiChainIndexor/internal/logger"
	"github.com/goran-ethernal/MultiChainIndexor/internal/manager"
	"github.com/goran-ethernal/MultiChainIndexor/internal/metrics"
	"github.com/goran-ethernal/MultiChainIndexor/internal/migrations"
	"github.com/goran-ethernal/MultiChainIndexor/internal/reorg"
	"github.com/goran-ethernal/MultiChainIndexor/internal/runtime"
	"github.com/goran-ethernal/MultiChainIndexor/internal/watcher"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/api"
	"github.com/goran-ethernal/MultiChainIndexor/pkg/config"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run watchers, the hub and every configured indexer",
	Long: `Run starts a watcher per configured chain, the broadcast hub with its optional gRPC
and NATS outlets, the indexer manager and the admin API. Indexers listed in the
configuration are deployed at startup. This is the default command.`,
	RunE: runIndexer,
}

func runIndexer(cmd *cobra.Command, args []string) error {
	fmt.Printf(banner, version)

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	componentLogger := func(component string) *logger.Logger {
		return logger.NewComponentLoggerFromConfig(component, cfg.Logging)
	}
	log := componentLogger(common.ComponentManager)
	logger.SetDefaultLogger(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\n\nShutting down gracefully...")
		cancel()
	}()

	var metricsServer *metrics.Server
	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics, log)
		if err := metricsServer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
		defer func() {
			if err := metricsServer.Stop(context.Background()); err != nil {
				log.Warnw("failed to stop metrics server", "error", err)
			}
		}()
		log.Infow("metrics server started", "address", cfg.Metrics.ListenAddress, "path", cfg.Metrics.Path)
	}

	sqlDB, err := db.NewSQLiteDBFromConfig(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to create database: %w", err)
	}
	defer sqlDB.Close()

	log.Info("running database migrations")
	if err := migrations.RunMigrationsDB(log, sqlDB); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	if metricsServer != nil {
		metricsServer.AddCheck("database", sqlDB.PingContext)
	}

	maintenance := db.NewMaintenanceCoordinator(
		cfg.Database.Path,
		sqlDB,
		cfg.Maintenance,
		componentLogger(common.ComponentMaintenance),
	)
	if err := maintenance.Start(ctx); err != nil {
		return fmt.Errorf("failed to start maintenance: %w", err)
	}
	defer func() {
		if err := maintenance.Stop(); err != nil {
			log.Warnw("failed to stop maintenance", "error", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)

	var (
		subscriber hub.Subscriber
		topics     api.TopicLister
	)

	if cfg.Hub.RemoteAddress != "" {
		client, err := grpcapi.Dial(cfg.Hub.RemoteAddress, componentLogger(common.ComponentHubRPC))
		if err != nil {
			return err
		}
		defer client.Close()

		subscriber = client
		if len(cfg.Chains) > 0 {
			log.Warnw("hub.remote_address is set, configured chains are not watched locally",
				"remote", cfg.Hub.RemoteAddress)
		}
		log.Infow("consuming remote hub", "address", cfg.Hub.RemoteAddress)
	} else {
		h, err := startHub(ctx, gctx, g, cfg, sqlDB, maintenance, componentLogger)
		if err != nil {
			return err
		}
		defer h.Close()

		subscriber = h
		topics = h

		if metricsServer != nil {
			metricsServer.AddCheck("hub", func(context.Context) error {
				if len(h.Topics()) == 0 {
					return errors.New("no chains registered")
				}
				return nil
			})
		}
	}

	dispatchLog := componentLogger(common.ComponentDispatch)
	fetcher, err := dispatch.NewFetcher(cfg.Runtime.ModuleCacheDir, cfg.ObjectStore, dispatchLog)
	if err != nil {
		return fmt.Errorf("failed to create module fetcher: %w", err)
	}
	handlers := dispatch.NewFactory(dispatch.NewLoader(dispatchLog), fetcher, cfg.Runtime.Sandbox, dispatchLog)

	stores, closeStores, err := manager.NewStoreOpener(ctx, cfg.Store, sqlDB, maintenance,
		componentLogger(common.ComponentStore))
	if err != nil {
		return err
	}
	defer closeStores()

	comps := manager.Components{
		Hub:      subscriber,
		Scanner:  newScanners(componentLogger(common.ComponentScanner)),
		Stores:   stores,
		Handlers: func() runtime.Handlers { return handlers.NewSet() },
	}

	if cfg.Redis != nil {
		locker, err := manager.NewRedisLocker(ctx, *cfg.Redis, log)
		if err != nil {
			return err
		}
		defer locker.Close()
		comps.Locker = locker
	}

	if cfg.Kafka != nil {
		notifier, err := manager.NewKafkaNotifier(ctx, *cfg.Kafka, componentLogger(common.ComponentNotifier))
		if err != nil {
			return err
		}
		comps.Notifier = notifier
	}

	registrar := manager.NewRegistrar(sqlDB, maintenance, componentLogger(common.ComponentRegistrar))
	mgr := manager.New(registrar, comps, cfg.Runtime, log)
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*cfg.Runtime.StopTimeout.Duration)
		defer stopCancel()

		if err := mgr.Close(stopCtx); err != nil {
			log.Warnw("failed to stop indexers", "error", err)
		}
	}()

	provider := manager.NewProvider(registrar, mgr, stores, cfg.Runtime.ReorgWindow, log)
	if err := provider.Bootstrap(ctx, cfg.Indexers); err != nil {
		return fmt.Errorf("failed to deploy configured indexers: %w", err)
	}

	if cfg.API != nil && cfg.API.Enabled {
		var maint api.Maintainer
		if cfg.Maintenance != nil {
			maint = maintenance
		}
		apiServer := api.NewServer(cfg.API, provider, topics, maint, componentLogger(common.ComponentAPI))
		g.Go(func() error {
			return apiServer.Start(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	log.Info("MultiChainIndexor started")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	log.Info("MultiChainIndexor stopped")
	return nil
}

// startHub creates the hub, registers a watcher per configured chain and starts the hub outlets.
// Long-running tasks join g and stop when gctx is done.
func startHub(
	ctx, gctx context.Context,
	g *errgroup.Group,
	cfg *config.Config,
	sqlDB *sql.DB,
	maintenance db.Maintenance,
	componentLogger func(string) *logger.Logger,
) (*hub.Hub, error) {
	h := hub.New(cfg.Hub, componentLogger(common.ComponentHub))

	cursors := watcher.NewCursorStore(sqlDB, maintenance, componentLogger(common.ComponentChainCursor))
	watcherLog := componentLogger(common.ComponentWatcher)

	for _, chainCfg := range cfg.Chains {
		cs, err := newChainSource(ctx, chainCfg, watcherLog)
		if err != nil {
			h.Close()
			return nil, err
		}

		var opts []watcher.Option
		if cs.feed != nil {
			opts = append(opts, watcher.WithWake(cs.feed.Wake()))
			g.Go(func() error {
				return cs.feed.Run(gctx)
			})
		}

		detector := reorg.NewDetector(sqlDB, cs.source.ChainType(), chainCfg.Network, chainCfg.ReorgWindow,
			maintenance, componentLogger(common.ComponentReorgDetector))
		w := watcher.New(cs.source, chainCfg, cursors, detector, h, watcherLog, opts...)

		if err := h.Register(w.ChainType(), w.Network(), w); err != nil {
			w.Close()
			h.Close()
			return nil, fmt.Errorf("failed to register %s topic: %w", w.ChainType(), err)
		}

		g.Go(func() error {
			defer w.Close()
			return w.Run(gctx)
		})
		watcherLog.Infow("watching chain", "chain", w.ChainType(), "network", w.Network(), "rpc", chainCfg.RPCURL)
	}

	if cfg.Hub.GRPC != nil && cfg.Hub.GRPC.Enabled {
		srv := grpcapi.NewServer(cfg.Hub.GRPC, h, componentLogger(common.ComponentHubRPC))
		if err := srv.Start(); err != nil {
			h.Close()
			return nil, err
		}
		g.Go(func() error {
			<-gctx.Done()
			srv.Stop()
			return nil
		})
	}

	if cfg.Hub.NATS != nil && cfg.Hub.NATS.Enabled {
		mirror, err := natsmirror.Connect(ctx, cfg.Hub.NATS, componentLogger(common.ComponentHubMirror))
		if err != nil {
			h.Close()
			return nil, err
		}
		g.Go(func() error {
			defer mirror.Close()
			return mirror.Run(gctx, h)
		})
	}

	return h, nil
}

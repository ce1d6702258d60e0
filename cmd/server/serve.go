package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	tomb "gopkg.in/tomb.v2"
	"gorm.io/gorm"

	"fixmatch/internal/cache"
	"fixmatch/internal/config"
	"fixmatch/internal/engine"
	"fixmatch/internal/fix"
	"fixmatch/internal/metrics"
	gateway "fixmatch/internal/net"
	"fixmatch/internal/persist"
	"fixmatch/internal/publish"
	"fixmatch/internal/ring"
	"fixmatch/internal/router"
	"fixmatch/internal/session"
)

func newServeCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway and matching engines",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(
				context.Background(),
				syscall.SIGTERM,
				syscall.SIGINT,
			)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path of the configuration file")
	return cmd
}

// venue holds everything serve starts so it can be torn down in reverse.
type venue struct {
	db        *gorm.DB
	handler   *persist.Handler
	state     *cache.Store
	publisher *publish.Publisher
}

func (v *venue) close() {
	if v.handler != nil {
		if err := v.handler.Stop(); err != nil {
			log.Error().Err(err).Msg("persistence handler stopped with error")
		}
		if lost := v.handler.Unpersisted(); len(lost) > 0 {
			log.Error().Int("operations", len(lost)).Msg("operations were not persisted")
		}
	}
	if v.publisher != nil {
		if err := v.publisher.Close(); err != nil {
			log.Error().Err(err).Msg("unable to close publisher")
		}
	}
	if v.state != nil {
		if err := v.state.Close(); err != nil {
			log.Error().Err(err).Msg("unable to close state store")
		}
	}
	if v.db != nil {
		if err := persist.Close(v.db); err != nil {
			log.Error().Err(err).Msg("unable to close database")
		}
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(level)

	if err := metrics.Start(ctx, cfg.Metrics); err != nil {
		return err
	}

	routes := router.New()
	if err := routes.Load(cfg.RouteSource()); err != nil {
		return err
	}

	orders, err := ring.New[fix.BinaryMessage](
		cfg.Ring.Size,
		len(cfg.Engines),
		ring.WithSpinLimit(cfg.Ring.SpinLimit),
		ring.WithPollInterval(cfg.Ring.PollInterval),
	)
	if err != nil {
		return fmt.Errorf("order ring: %w", err)
	}

	v := &venue{}
	defer v.close()

	var users session.UserStore = cfg.StaticUsers()
	if cfg.Persistence.Enabled {
		if v.db, err = persist.Open(cfg.Persistence.Postgres); err != nil {
			return err
		}
		store := persist.NewGormStore(v.db)
		if err := store.Migrate(ctx); err != nil {
			return err
		}
		if v.handler, err = persist.NewHandler(store, cfg.Persistence.Handler); err != nil {
			return err
		}
		// Not ctx: the handler must outlive the engines' final drain.
		v.handler.Start(context.Background())

		if len(cfg.Users) == 0 {
			dbUsers := session.NewGormUserStore(v.db)
			if err := dbUsers.Migrate(ctx); err != nil {
				return err
			}
			users = dbUsers
		}
	}
	if cfg.Cache.Enabled {
		if v.state, err = cache.Open(cfg.Cache.Dir); err != nil {
			return err
		}
	}

	sessions := session.NewRegistry()
	srv := gateway.New(cfg.Gateway, orders.CreateProducer(), routes, session.NewAuthenticator(users), sessions)

	reporters := engine.Reporters{srv}
	if cfg.Publish.Enabled {
		v.publisher = publish.New(cfg.Publish)
		reporters = append(reporters, v.publisher)
	}

	var engines []func(*tomb.Tomb) error
	for i, ec := range cfg.Engines {
		opts := []engine.Option{engine.WithReporter(reporters)}
		if v.handler != nil {
			opts = append(opts, engine.WithPersister(v.handler))
		}
		if v.state != nil {
			opts = append(opts, engine.WithStateStore(v.state))
		}
		eng := engine.New(ec.ID, routes, opts...)
		for _, symbol := range routes.SymbolsFor(ec.ID) {
			if err := eng.AddSymbol(symbol); err != nil {
				return err
			}
		}
		if err := eng.LoadState(); err != nil {
			return fmt.Errorf("engine %s: %w", ec.ID, err)
		}

		// Consumers exist before the gateway produces anything.
		consumer, err := orders.CreateConsumer(i)
		if err != nil {
			return err
		}
		core := ec.Core
		engines = append(engines, func(t *tomb.Tomb) error {
			if core != config.Unpinned {
				if err := ring.PinToCore(core); err != nil {
					log.Warn().Err(err).Str("engine", eng.ID()).Int("core", core).Msg("running unpinned")
				}
			}
			return eng.Run(t, consumer)
		})
	}

	log.Info().
		Int("engines", len(cfg.Engines)).
		Int("symbols", len(routes.Snapshot())).
		Msg("venue running")

	return runStaged(ctx, srv.Run, engines)
}

// runStaged runs the engines behind the gateway until ctx is done or either
// side fails. The gateway is stopped first and the engines only told to
// drain once it has returned, so every order it accepted is matched.
func runStaged(ctx context.Context, gatewayRun func(context.Context) error, engines []func(*tomb.Tomb) error) error {
	if len(engines) == 0 {
		return config.ErrNoEngines
	}

	var back tomb.Tomb
	for _, run := range engines {
		back.Go(func() error { return run(&back) })
	}

	front, fctx := tomb.WithContext(ctx)
	front.Go(func() error { return gatewayRun(fctx) })
	// An engine failing takes the gateway down with it.
	front.Go(func() error {
		select {
		case <-back.Dying():
			return back.Err()
		case <-front.Dying():
			return nil
		}
	})

	err := front.Wait()
	back.Kill(nil)
	if backErr := back.Wait(); err == nil || errors.Is(err, context.Canceled) {
		err = backErr
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"wastezone/internal/api"
	"wastezone/internal/buildinfo"
	"wastezone/internal/config"
	"wastezone/internal/dispatch"
	"wastezone/internal/events"
	"wastezone/internal/logging"
	"wastezone/internal/metrics"
	"wastezone/internal/opt"
	"wastezone/internal/proximity"
	"wastezone/internal/roads"
	"wastezone/internal/signals"
	"wastezone/internal/sim"
	"wastezone/internal/store"
	"wastezone/internal/tracing"
	"wastezone/internal/webhooks"
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	boot := logging.NewFromEnv()
	cfg, err := config.Load()
	if err != nil {
		boot.Error(context.Background(), "invalid configuration", logging.Err(err))
		os.Exit(1)
	}
	log := logging.New(cfg.LoggingConfig())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error(ctx, "server exited", logging.Err(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, log logging.Logger) error {
	shutdownTracing, err := tracing.InitTracing(ctx, cfg.TracingConfig(), log)
	if err != nil {
		return err
	}
	defer tracing.ShutdownWithTimeout(context.Background(), shutdownTracing, log)
	metrics.RegisterDefault()

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	broker, closeBroker := openBroker(ctx, cfg, log)
	defer closeBroker()

	eng, err := sim.New(cfg.SimConfig(), cfg.ZoneList(), sim.WithScorer(cfg.Scorer()), sim.WithLogger(log))
	if err != nil {
		return err
	}
	optimizer, err := opt.New(cfg.OptConfig())
	if err != nil {
		return err
	}
	verifier, err := proximity.New(cfg.Proximity.VerifyRadiusMeters, cfg.Proximity.CollectRadiusMeters)
	if err != nil {
		return err
	}
	var router roads.Router
	if rc, ok := cfg.RoadsConfig(); ok {
		osrm, err := roads.NewOSRM(rc, log)
		if err != nil {
			return err
		}
		router = osrm
	}

	var source signals.Source = st
	if cfg.Signals.CSVPath != "" {
		log.Info(ctx, "reading ready signals from csv", logging.String("path", cfg.Signals.CSVPath))
		source = signals.NewCSVSource(cfg.Signals.CSVPath)
	}

	svc, err := dispatch.New(dispatch.Deps{
		Engine:    eng,
		Signals:   signals.NewAdapter(signals.WithLogger(log)),
		Optimizer: optimizer,
		Verifier:  verifier,
		Store:     st,
		Source:    source,
		Roads:     router,
		Events:    broker,
		Hooks:     webhooks.NewPublisher(st, log),
		Log:       log,
	})
	if err != nil {
		return err
	}
	if err := svc.Restore(ctx); err != nil {
		log.Warn(ctx, "restore failed, starting from configured seed", logging.Err(err))
	}

	srv := api.NewServer(svc, st, broker, log)
	srv.Config = cfg.Redacted()
	srv.Options = api.Options{
		RateRPS:        cfg.Server.RateRPS,
		RateBurst:      cfg.Server.RateBurst,
		RequestTimeout: cfg.Server.RequestTimeout,
		AllowOrigins:   cfg.Server.AllowOrigins,
	}

	go eng.Run(ctx)
	go svc.RunSignalSync(ctx, cfg.Signals.SyncInterval)
	go webhooks.NewWorker(st, cfg.WebhookConfig(), log).Run(ctx)

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		log.Info(ctx, "API listening",
			logging.String("addr", httpSrv.Addr),
			logging.String("version", buildinfo.Version),
			logging.Int("zones", len(cfg.Zones)),
		)
		errc <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	log.Info(context.Background(), "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

// openStore picks Postgres, then SQLite, then memory, by what is configured.
func openStore(ctx context.Context, cfg config.Config, log logging.Logger) (store.Store, error) {
	var (
		s   *store.SQL
		err error
	)
	switch {
	case cfg.Store.DatabaseURL != "":
		s, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL)
	case cfg.Store.SQLitePath != "":
		s, err = store.NewSQLite(ctx, cfg.Store.SQLitePath)
	default:
		log.Info(ctx, "no database configured, using in-memory store")
		return store.NewMemory(), nil
	}
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	log.Info(ctx, "store ready", logging.String("dialect", string(s.Dialect())))
	return s, nil
}

// openBroker uses Redis when configured and reachable, else an in-process
// broker.
func openBroker(ctx context.Context, cfg config.Config, log logging.Logger) (events.Broker, func()) {
	if cfg.Store.RedisURL != "" {
		rb, err := events.NewRedis(ctx, cfg.Store.RedisURL, log)
		if err == nil {
			return rb, func() { _ = rb.Close() }
		}
		log.Warn(ctx, "redis unavailable, using in-process broker", logging.Err(err))
	}
	return events.NewMemory(), func() {}
}

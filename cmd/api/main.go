package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/punchamoorthee/bookescrow/internal/api"
	"github.com/punchamoorthee/bookescrow/internal/config"
	"github.com/punchamoorthee/bookescrow/internal/events"
	"github.com/punchamoorthee/bookescrow/internal/logger"
	"github.com/punchamoorthee/bookescrow/internal/scheduler"
	"github.com/punchamoorthee/bookescrow/internal/service"
	"github.com/punchamoorthee/bookescrow/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	logg, err := logger.New(cfg.Env, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("Unable to build logger: %v", err)
	}
	defer logg.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logg); err != nil {
		logg.Fatal("server exited", zap.Error(err))
	}
}

func run(ctx context.Context, cfg *config.Config, logg *zap.Logger) error {
	st, err := openStore(ctx, cfg, logg)
	if err != nil {
		return err
	}
	defer st.Close()

	var publisher events.Publisher = events.NewLogPublisher(logg)
	if cfg.RedisURL != "" {
		rdb, err := events.NewRedisClient(ctx, cfg.RedisURL, logg)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer rdb.Close()
		publisher = events.NewRedisPublisher(rdb, logg)
	}

	// Initialize Layers
	transfers := service.NewTransferService(st, logg)
	escrows := service.NewRentalEscrow(st, service.SystemClock{}, publisher, cfg.RentalPeriodSeconds, logg)
	handler := api.NewHandler(transfers, escrows, logg)

	srv := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: api.NewRouter(handler, api.RouterConfig{
			JWTSecret:   cfg.JWTSecret,
			CORSOrigins: cfg.CORSOrigins,
		}, logg),
		IdleTimeout:  time.Minute,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	if cfg.SettleSchedule != "" {
		sched, err := scheduler.New(escrows, cfg.SettleSchedule, cfg.SettleBatch, logg)
		if err != nil {
			return err
		}
		g.Go(func() error {
			sched.Start()
			<-ctx.Done()
			sched.Stop()
			return nil
		})
	}

	g.Go(func() error {
		logg.Info("server starting", zap.String("addr", srv.Addr), zap.String("store", cfg.StoreDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logg.Info("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config, logg *zap.Logger) (store.Store, error) {
	if cfg.StoreDriver == "memory" {
		logg.Warn("using in-memory store; state is lost on exit")
		return store.NewMemory(), nil
	}

	pg, err := store.NewPostgres(ctx, cfg.DBSource, logg)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return pg, nil
}

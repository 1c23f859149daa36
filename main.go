package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/keelstream/tuskd/config"
	"github.com/keelstream/tuskd/cron"
	"github.com/keelstream/tuskd/db"
	"github.com/keelstream/tuskd/logger"
	"github.com/keelstream/tuskd/middleware"
	"github.com/keelstream/tuskd/store"
	"github.com/keelstream/tuskd/tus"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	log, _ := logger.New(cfg.Log.Level)
	defer func() {
		_ = log.Sync()
	}()

	if err := run(cfg, log); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	maxSize, err := cfg.Upload.MaxSizeBytes()
	if err != nil {
		return err
	}
	chunkSize, err := cfg.Upload.ChunkSizeBytes()
	if err != nil {
		return err
	}

	workingDB, err := db.Open(cfg.DB, log)
	if err != nil {
		return err
	}
	defer func() {
		_ = db.Close(workingDB)
	}()

	working := store.NewGridStore(workingDB, chunkSize, store.WithMaxSize(maxSize))

	var permanent store.Storage
	var permanentDB *gorm.DB
	if cfg.PermanentDB != nil {
		permanentDB, err = db.Open(*cfg.PermanentDB, log)
		if err != nil {
			return err
		}
		defer func() {
			_ = db.Close(permanentDB)
		}()
		permanent = store.NewGridStore(permanentDB, chunkSize)
	}

	handler, err := tus.NewHandler(tus.Config{
		BasePath:         cfg.HTTP.BasePath,
		MaxSize:          maxSize,
		ExpirationTime:   cfg.Upload.ExpirationTime,
		Disposition:      cfg.Upload.Disposition,
		RedirectDownload: cfg.Upload.RedirectDownload,
		Store:            working,
		PermanentStore:   permanent,
		Logger:           log,
	})
	if err != nil {
		return err
	}

	sweeper, err := cron.NewSweeper(working, cfg.Upload.SweepInterval, cfg.Upload.ExpirationTime, log)
	if err != nil {
		return err
	}
	sweeper.Start()
	defer func() {
		_ = sweeper.Stop()
	}()

	router := mux.NewRouter()
	router.Use(handlers.RecoveryHandler())
	handler.SetupRoutes(router, middleware.Cors(cfg.Upload.RequestOrigins))

	srv := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", cfg.HTTP.Addr), zap.String("base_path", cfg.HTTP.BasePath))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

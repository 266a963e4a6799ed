package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"kbharvest/internal/api"
	"kbharvest/internal/config"
	"kbharvest/internal/file"
	"kbharvest/internal/store"
	"kbharvest/internal/task"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP task service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			return runServe(configPath)
		},
	}
	cmd.Flags().StringP("config", "c", "config.yml", "Path to the YAML config file")
	return cmd
}

func runServe(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	creds := config.LoadCredentials()

	if err := file.EnsureDir(cfg.DataDir); err != nil {
		return fmt.Errorf("ensure data dir %s: %w", cfg.DataDir, err)
	}

	st, err := store.Open(filepath.Join(cfg.DataDir, "tasks.db"))
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	if _, err := st.RecoverInterrupted(); err != nil {
		return err
	}

	taskManager := task.NewManager(st, cfg, creds)
	baseCtx, baseCancel := context.WithCancel(context.Background())
	defer baseCancel()
	taskManager.SetBaseContext(baseCtx)

	router := setupRouter()
	api.NewAPI(taskManager).RegisterRoutes(router)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Port).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	waitForShutdownSignal()
	gracefulShutdown(srv, baseCancel, taskManager)
	return nil
}

func setupRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(api.RequestLogger())
	return r
}

func waitForShutdownSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutdown signal received")
}

func gracefulShutdown(srv *http.Server, cancelBase context.CancelFunc, tm *task.Manager) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown warning")
	}

	cancelBase()
	if !tm.WaitAll(ctx) {
		log.Warn().Msg("background workers did not finish before timeout")
	}
	log.Info().Msg("server exited cleanly")
}

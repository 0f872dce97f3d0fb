package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/arencloud/bucketbridge/internal/api"
	"github.com/arencloud/bucketbridge/internal/config"
	"github.com/arencloud/bucketbridge/internal/db"
	"github.com/arencloud/bucketbridge/internal/logging"
	"github.com/arencloud/bucketbridge/internal/middleware"
	"github.com/arencloud/bucketbridge/internal/version"
)

func main() {
	configFile := pflag.String("config", os.Getenv("CONFIG_FILE"), "YAML config file; environment variables override it")
	port := pflag.String("port", "", "listen port, overrides HTTP_PORT")
	showVersion := pflag.Bool("version", false, "print the version and exit")
	pflag.Parse()

	if *showVersion {
		os.Stdout.WriteString(version.Name + " " + version.Version + "\n")
		return
	}

	cfg, err := config.LoadFile(*configFile)
	if err != nil {
		log.Fatalln(err)
	}
	if *port != "" {
		cfg.HttpPort = *port
	}
	logger := logging.New(cfg.Env)

	if err := db.Init(cfg, logger); err != nil {
		logger.Fatal("failed to init db", "error", err)
	}

	r := api.Router(cfg, logger)

	srv := &http.Server{
		Addr:              ":" + cfg.HttpPort,
		Handler:           middleware.Recoverer(r, logger),
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       0, // transfers and dataset polling can run long
		WriteTimeout:      0,
		MaxHeaderBytes:    1 << 20, // 1MB headers
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", "error", err)
		}
	}()

	logger.Info("server starting", "addr", srv.Addr, "backend", cfg.StoreBackend, "version", version.Version)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Println("server error:", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

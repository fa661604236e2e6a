// marketd is the market-data session daemon. It loads the YAML configuration,
// builds the system Manager, and serves the control API until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"marketd/internal/config"
	"marketd/internal/httpapi"
	"marketd/internal/system"
	"marketd/internal/util"
)

func main() {
	cfgPath := flag.String("config", "", "path to configuration file")
	autoStart := flag.Bool("start", true, "start the session on launch")
	flag.Parse()

	path := *cfgPath
	if path == "" {
		path = "config/marketd.yaml"
		if p := os.Getenv("MARKETD_CONFIG"); p != "" {
			path = p
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	mgr := system.NewManager(cfg, logger)
	if *autoStart {
		if err := mgr.Start(); err != nil {
			log.Fatalf("failed to start session: %v", err)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: httpapi.NewServer(mgr, logger).Handler(ctx),
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	logger.Info("marketd listening", "addr", addr, "mode", cfg.Mode)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server: %v", err)
		}
	}

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()
	if mgr.State() == system.StateRunning {
		if err := mgr.Stop(shutCtx); err != nil {
			logger.Error("stopping session", "error", err)
		}
	}
	if err := srv.Shutdown(shutCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
}

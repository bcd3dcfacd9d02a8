// Command ace-dispatcher runs the HTTP submission API backed by the
// analysis correlation engine: module-type registry, dispatcher,
// per-module queues, result cache and content store, plus the periodic
// expired-request/expired-content sweeps.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nodalwatch/ace/internal/api"
	"github.com/nodalwatch/ace/internal/config"
	"github.com/nodalwatch/ace/internal/engine"
	"github.com/nodalwatch/ace/internal/worker"
	"github.com/nodalwatch/ace/pkg/logger"
	"github.com/nodalwatch/ace/pkg/version"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address (defaults to config or :8080)")
	configPath := flag.String("config", "", "path to configuration file (JSON or YAML)")
	showVersion := flag.Bool("version", false, "print ace-dispatcher build information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.FullVersion())
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	log := logger.New(cfg.Logging)
	log.WithField("version", version.FullVersion()).Info("starting ace-dispatcher")
	ctx := context.Background()

	eng, err := engine.New(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("construct engine")
	}
	defer eng.Close()

	if err := eng.Start(ctx, 8); err != nil {
		log.WithError(err).Fatal("start event bus")
	}

	sweeper := worker.NewSweeper(eng.Store, eng.Queues, log)
	if err := sweeper.Start(cfg.Worker.SweepSchedule); err != nil {
		log.WithError(err).Fatal("start sweeper")
	}
	defer sweeper.Stop()

	contentSweep := cron.New()
	if _, err := contentSweep.AddFunc(cfg.Worker.SweepSchedule, func() {
		if removed, err := eng.Content.DeleteExpired(context.Background()); err != nil {
			log.WithError(err).Error("expired content sweep failed")
		} else if len(removed) > 0 {
			log.WithField("count", len(removed)).Info("expired content sweep removed entries")
		}
	}); err != nil {
		log.WithError(err).Fatal("schedule content sweep")
	}
	contentSweep.Start()
	defer func() { <-contentSweep.Stop().Done() }()

	server := api.New(eng)
	listenAddr := determineAddr(*addr, cfg)
	httpServer := &http.Server{Addr: listenAddr, Handler: server.Handler()}

	go func() {
		log.WithField("addr", listenAddr).Info("ace-dispatcher listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("http server")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Fatal("shutdown")
	}
}

func loadConfig(path string) (*config.Config, error) {
	if trimmed := strings.TrimSpace(path); trimmed != "" {
		switch {
		case strings.HasSuffix(trimmed, ".json"):
			return config.LoadConfig(trimmed)
		default:
			return config.LoadFile(trimmed)
		}
	}
	return config.Load()
}

func determineAddr(flagAddr string, cfg *config.Config) string {
	if addr := strings.TrimSpace(flagAddr); addr != "" {
		return addr
	}
	host := strings.TrimSpace(cfg.Server.Host)
	if cfg.Server.Port != 0 {
		if host == "" {
			host = "0.0.0.0"
		}
		return fmt.Sprintf("%s:%d", host, cfg.Server.Port)
	}
	return ":8080"
}

// Command ace-worker runs a worker pool against a single registered
// analysis module type, invoking the module over HTTP (see
// internal/worker.WebhookRunner) and submitting results back through the
// dispatcher hosted by cmd/ace-dispatcher. Multiple ace-worker processes
// can run against the same module type for horizontal scaling, and
// multiple module types each get their own ace-worker process.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nodalwatch/ace/internal/config"
	"github.com/nodalwatch/ace/internal/engine"
	"github.com/nodalwatch/ace/internal/worker"
	"github.com/nodalwatch/ace/pkg/logger"
)

func main() {
	amtName := flag.String("module", "", "registered analysis module type name to service (required)")
	moduleURL := flag.String("module-url", "", "HTTP endpoint implementing the module's analyze callback (required)")
	concurrency := flag.Int("concurrency", 0, "worker goroutines for this pool (defaults to config's worker.default_concurrency)")
	configPath := flag.String("config", "", "path to configuration file (JSON or YAML)")
	flag.Parse()

	if *amtName == "" || *moduleURL == "" {
		fmt.Fprintln(os.Stderr, "usage: ace-worker -module=<name> -module-url=<http endpoint>")
		os.Exit(2)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Logging)

	ctx := context.Background()
	eng, err := engine.New(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("construct engine")
	}
	defer eng.Close()

	if err := eng.Start(ctx, 4); err != nil {
		log.WithError(err).Fatal("start event bus")
	}

	if _, ok := eng.Registry.Get(*amtName); !ok {
		log.WithField("module", *amtName).Fatal("module type is not registered with the dispatcher")
	}

	n := *concurrency
	if n <= 0 {
		n = cfg.Worker.DefaultConcurrency
	}

	runner := worker.NewWebhookRunner(*moduleURL, &http.Client{Timeout: 60 * time.Second})
	if err := eng.Workers.Start(ctx, *amtName, runner, n); err != nil {
		log.WithError(err).Fatal("start worker pool")
	}

	log.WithField("module", *amtName).WithField("concurrency", n).Info("ace-worker servicing queue")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	eng.Workers.Stop(*amtName)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"storyrt/internal/api"
	"storyrt/internal/config"
	"storyrt/internal/idempotency"
	"storyrt/internal/llm"
	"storyrt/internal/pipeline"
	"storyrt/internal/storage"
	"storyrt/internal/storypack"
)

const apiVersion = "1.0.0"

var version = "dev"

func main() {
	var (
		configPath = flag.String("config", "", "Path to a config file (overrides STORYRT_CONFIG_PATH)")
		dataDir    = flag.String("data", "", "Data directory path (overrides configured data dir)")
	)
	flag.Parse()

	if err := run(*configPath, *dataDir); err != nil {
		log.Fatal(err)
	}
}

func run(configPath, dataDirFlag string) error {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFromFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	bindHost, _, splitErr := net.SplitHostPort(cfg.Server.Bind)
	if splitErr == nil {
		if bindHost == "0.0.0.0" || bindHost == "" {
			log.Println("WARNING: Binding to all interfaces. Use only in trusted networks.")
		} else if bindHost != "127.0.0.1" && bindHost != "localhost" {
			log.Printf("WARNING: Binding to %s. For local development, use 127.0.0.1", bindHost)
		}
	}

	dataDir := cfg.Server.DataDir
	if dataDirFlag != "" {
		dataDir = dataDirFlag
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "storyrt.sqlite")
	store, err := storage.NewSQLiteStore(dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()

	loader := storypack.NewLoader(store)
	provider := llm.NewProvider(cfg)
	transport := llm.New(cfg.LLM, provider, nil)
	idem := idempotency.New(store, cfg.Step.IdempotencyTTL(), cfg.Step.IdempotencyInProgressStale())
	orch := pipeline.New(store, loader, transport, idem, cfg)
	server := api.NewServer(cfg, store, loader, orch)

	srv := &http.Server{
		Addr:         cfg.Server.Bind,
		Handler:      server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // the SSE step stream holds the connection open for the life of the request
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errChan := make(chan error, 1)
	go func() {
		log.Printf("storyrt server (%s) listening on http://%s", version, cfg.Server.Bind)
		log.Printf("API version: %s, env: %s", apiVersion, cfg.Server.Env)
		errChan <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Println("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errChan:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

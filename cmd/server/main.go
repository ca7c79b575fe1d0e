package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/gigline/jobchat/internal/api"
	"github.com/gigline/jobchat/internal/config"
	"github.com/gigline/jobchat/internal/stats"
	"github.com/gigline/jobchat/internal/store"
	"github.com/gigline/jobchat/internal/ws"
)

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	addr           string
	dsn            string
	signingKey     string
	maxConnections int
	allowedOrigins stringSliceFlag
)

func main() {
	flag.StringVar(&addr, "addr", "localhost:8000", "server address")
	flag.StringVar(&dsn, "dsn", "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable", "database connection string")
	flag.StringVar(&signingKey, "signing-key", "", "base64 encoded signing key for connect tokens (optional)")
	flag.IntVar(&maxConnections, "max-connections", 0, "maximum concurrent websocket connections (0 for default)")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.Parse()

	logger := log.New(os.Stderr, "[jobchat] ", log.LstdFlags)

	cfg, err := config.NewConfig(addr, dsn, signingKey, allowedOrigins, maxConnections)
	if err != nil {
		logger.Fatal("config:", err)
	}

	repo, err := store.NewPgRepository(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("db open:", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			logger.Fatal("db close:", err)
		}
	}()

	if err := repo.Migrate(); err != nil {
		logger.Fatal("db migrate:", err)
	}

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)

	gateway := ws.NewGateway(logger, repo, statsUpdater, ws.Options{
		MaxConnections: cfg.MaxConnections,
		SigningKey:     cfg.SigningKey,
		Timings:        ws.DefaultTimings(),
	})

	srv := api.NewJobChatApp(mux, logger, gateway, repo, cfg)

	statsUpdater.Run()
	defer statsUpdater.Stop()

	gateway.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Printf("received signal: %s\n", sig)
	case err := <-errCh:
		logger.Println("server:", err)
	}

	shutDownCtx, cancel := context.WithTimeout(
		context.Background(),
		10*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("HTTP server shutdown:", err)
	}

	logger.Println("shutting down realtime gateway...")
	if err := gateway.Shutdown(shutDownCtx); err != nil {
		logger.Fatalln("gateway shutdown:", err)
	}

	logger.Println("shutdown complete")
}

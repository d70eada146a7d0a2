package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/qingfeng0820/page-monitor/internal/collector"
)

// siteFlags accumulates repeated -site system=apiKey registrations.
type siteFlags map[string]string

func (s siteFlags) String() string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	return strings.Join(names, ",")
}

func (s siteFlags) Set(value string) error {
	system, apiKey, ok := strings.Cut(value, "=")
	if !ok || system == "" || apiKey == "" {
		return errors.New("expected system=apiKey")
	}
	s[system] = apiKey
	return nil
}

func main() {
	addr := flag.String("addr", "127.0.0.1:8123", "listen address")
	dbPath := flag.String("db", "pagemonitor.db", "path to the event database")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	sites := siteFlags{}
	flag.Var(sites, "site", "registered site as system=apiKey (repeatable)")
	flag.Parse()

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Str("component", "collector").Logger()

	if len(sites) == 0 {
		log.Fatal().Msg("at least one -site system=apiKey registration is required")
	}

	store, err := collector.NewStore(*dbPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *dbPath).Msg("failed to open event store")
	}
	defer store.Close()

	srv := collector.New(store, sites, log)
	httpServer := &http.Server{
		Addr:    *addr,
		Handler: srv.Router(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info().Str("addr", *addr).Int("sites", len(sites)).Msg("collector listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server stopped")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown failed")
	}
}

package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"threatbus/vast-bridge/internal/backbone"
	"threatbus/vast-bridge/internal/bridge"
	"threatbus/vast-bridge/internal/config"
	"threatbus/vast-bridge/internal/httputil"
	"threatbus/vast-bridge/internal/intel"
	"threatbus/vast-bridge/internal/metrics"
	"threatbus/vast-bridge/internal/vast"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var startTime = time.Now()

func main() {
	configFlag := flag.String("config", "", "path to config file (overrides THREATBUS_VAST_CONFIG env var)")
	flag.Parse()

	// CLI flag > env var > ./config.yaml > ./config.example.yaml
	cfgPath := *configFlag
	if cfgPath == "" {
		cfgPath = os.Getenv("THREATBUS_VAST_CONFIG")
	}
	if cfgPath == "" {
		cfgPath = "./config.yaml"
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			cfgPath = "./config.example.yaml"
		}
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if cfg.Logging.Level == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
		log.Logger = log.Logger.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().
		Str("config_path", cfgPath).
		Str("log_level", cfg.Logging.Level).
		Str("listen", cfg.Server.Listen).
		Msg("server configuration")
	log.Info().
		Str("backend", cfg.Bus.Backend).
		Str("format", cfg.Bus.Format).
		Str("intel_topic", cfg.Bus.IntelTopic).
		Str("sighting_topic", cfg.Bus.SightingTopic).
		Msg("bus configuration")
	log.Info().
		Str("binary", cfg.Vast.Binary).
		Str("endpoint", cfg.Vast.Endpoint).
		Bool("retro_match", cfg.Vast.RetroMatch).
		Bool("live_match", cfg.Vast.LiveMatch).
		Int("max_background_tasks", cfg.Vast.MaxBackgroundTasks).
		Msg("vast configuration")

	metrics.MustRegister()
	metrics.BuildInfo.Set(1)

	var registry intel.Registry
	switch cfg.Registry.Backend {
	case "bolt":
		bs, err := intel.OpenBoltStore(cfg.Registry.Path)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.Registry.Path).Msg("failed to open intel registry")
		}
		registry = bs
	default:
		registry = intel.NewStore(cfg.Registry.Capacity, cfg.RegistryTTL())
	}
	log.Info().
		Str("backend", cfg.Registry.Backend).
		Int("registered", registry.Len()).
		Msg("intel registry ready")

	bus, err := backbone.New(cfg.Bus, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to bus")
	}

	codec, err := bridge.NewCodec(cfg.Bus.Format)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid bus format")
	}

	var taxiiServer *intel.TAXIIServer
	var onSighting func(*intel.Sighting)
	if cfg.TAXII.Serve {
		taxiiServer = intel.NewTAXIIServer(cfg.TAXII.CollectionID, cfg.TAXII.MaxObjects)
		onSighting = taxiiServer.PublishSighting
	}

	engine := vast.NewClient(cfg.Vast.Binary, cfg.Vast.Endpoint, log.Logger)
	br := bridge.New(bus, engine, registry, codec, bridge.Options{
		IntelTopic:          cfg.Bus.IntelTopic,
		SightingTopic:       cfg.Bus.SightingTopic,
		RetroMatch:          cfg.Vast.RetroMatch,
		RetroMatchMaxEvents: cfg.Vast.RetroMatchMaxEvents,
		LiveMatch:           cfg.Vast.LiveMatch,
		MatcherArgs:         cfg.Vast.MatcherArgs,
		MaxBackgroundTasks:  cfg.Vast.MaxBackgroundTasks,
		CommandTimeout:      cfg.VastTimeout(),
		OnSighting:          onSighting,
	}, log.Logger)

	ctx, cancel := context.WithCancel(context.Background())

	bridgeErrors := make(chan error, 1)
	go func() {
		bridgeErrors <- br.Run(ctx)
	}()

	var pollers []*intel.Poller
	for _, peer := range cfg.TAXII.Peers {
		client := intel.NewTAXIIClient(peer.URL, peer.Username, peer.Password)
		interval := time.Duration(peer.PollIntervalSec) * time.Second
		if interval <= 0 {
			interval = 30 * time.Second
		}
		poller := intel.NewPoller(client, peer.CollectionID, interval, br.HandleIntel, log.Logger)
		pollers = append(pollers, poller)
		go poller.Start(ctx)
		log.Info().
			Str("peer_name", peer.Name).
			Str("collection", peer.CollectionID).
			Dur("poll_interval", interval).
			Msg("TAXII poller started")
	}

	mux := http.NewServeMux()
	mux.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleHealth(w, r, cfg, registry, len(pollers), taxiiServer)
	}))
	mux.Handle("/readyz", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleReady(w, r, br)
	}))
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/admin/stats", http.HandlerFunc(handleAdminStats))
	if taxiiServer != nil {
		mux.Handle("/taxii2/collections/", http.HandlerFunc(taxiiServer.HandleCollections))
		mux.Handle("/taxii2/collections/"+cfg.TAXII.CollectionID+"/objects/", http.HandlerFunc(taxiiServer.HandleObjects))
		log.Info().Str("collection", cfg.TAXII.CollectionID).Msg("TAXII sighting collection registered")
	}

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           httputil.Chain(httputil.RequestIDMiddleware(log.Logger), httputil.NoStore)(mux),
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadTimeoutMs) * time.Millisecond,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeoutMs) * time.Millisecond,
		IdleTimeout:       90 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Info().Str("listen", cfg.Server.Listen).Str("matcher", br.MatcherName()).Msg("threatbus-vast listening")
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	exitCode := 0
	select {
	case err := <-serverErrors:
		log.Error().Err(err).Msg("ops server error")
		exitCode = 1
	case err := <-bridgeErrors:
		log.Error().Err(err).Msg("bridge stopped")
		exitCode = 1
		bridgeErrors <- nil
	case sig := <-shutdown:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)

	for _, p := range pollers {
		p.Stop()
	}
	cancel()
	select {
	case <-bridgeErrors:
	case <-shutdownCtx.Done():
		log.Warn().Msg("bridge did not stop in time")
	}

	if err := bus.Close(); err != nil {
		log.Error().Err(err).Msg("bus close error")
	}
	if err := registry.Close(); err != nil {
		log.Error().Err(err).Msg("registry close error")
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown failed, forcing close")
		srv.Close()
	}

	shutdownCancel()

	log.Info().Msg("shutdown complete")
	os.Exit(exitCode)
}

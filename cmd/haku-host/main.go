// Command haku-host runs the coordinator: the control-plane process a
// HakuRiver fleet's runners register with and clients submit work to.
//
// Configuration is environment-variable driven; there is no flag parser
// here by design (that's left to whatever wraps this binary for a given
// deployment).
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/KohakuBlueleaf/HakuRiver/pkg/config"
	"github.com/KohakuBlueleaf/HakuRiver/pkg/coordinator"
	"github.com/KohakuBlueleaf/HakuRiver/pkg/dockerutil"
	"github.com/KohakuBlueleaf/HakuRiver/pkg/log"
	"github.com/KohakuBlueleaf/HakuRiver/pkg/metrics"
	"github.com/KohakuBlueleaf/HakuRiver/pkg/registry"
	"github.com/KohakuBlueleaf/HakuRiver/pkg/storage"
	"github.com/KohakuBlueleaf/HakuRiver/pkg/tunnel"
)

func main() {
	log.Init(log.Config{
		Level:      log.Level(getenv("HAKURIVER_LOG_LEVEL", "info")),
		JSONOutput: getenvBool("HAKURIVER_LOG_JSON", false),
	})
	logger := log.WithComponent("haku-host")

	cfg := loadConfig()
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}
	defer store.Close()

	dockerCli, err := dockerutil.NewClient(os.Getenv("HAKURIVER_DOCKER_HOST"))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create docker client")
	}
	reg := registry.New(cfg.SharedStorageRoot, dockerCli)

	c := coordinator.New(cfg, store, reg)
	c.Start()
	defer c.Stop()

	collector := metrics.NewCollector(store, 10*time.Second)
	collector.Start()
	defer collector.Stop()

	metrics.SetCriticalComponents("store", "api")
	metrics.RegisterComponent("store", true, "")
	metrics.RegisterComponent("api", false, "starting")

	apiServer := &http.Server{
		Addr:    cfg.APIAddr,
		Handler: coordinator.NewRouter(c),
	}
	apiErrCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.APIAddr).Msg("api server listening")
		metrics.RegisterComponent("api", true, "ready")
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			metrics.RegisterComponent("api", false, err.Error())
			apiErrCh <- err
		}
	}()

	proxy := tunnel.New(store)
	if err := proxy.Start(cfg.TunnelAddr); err != nil {
		logger.Fatal().Err(err).Msg("failed to start tunnel proxy")
	}
	defer proxy.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutdown signal received")
	case err := <-apiErrCh:
		logger.Error().Err(err).Msg("api server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("api server shutdown did not complete cleanly")
	}

	logger.Info().Msg("shutdown complete")
}

func loadConfig() config.CoordinatorConfig {
	cfg := config.DefaultCoordinatorConfig()

	cfg.DataDir = getenv("HAKURIVER_DATA_DIR", "/var/lib/hakuriver/coordinator")
	cfg.SharedStorageRoot = getenv("HAKURIVER_SHARED_STORAGE_ROOT", "/srv/hakuriver")
	cfg.APIAddr = getenv("HAKURIVER_API_ADDR", cfg.APIAddr)
	cfg.TunnelAddr = getenv("HAKURIVER_TUNNEL_ADDR", cfg.TunnelAddr)
	cfg.DefaultEnvironment = getenv("HAKURIVER_DEFAULT_ENVIRONMENT", cfg.DefaultEnvironment)
	cfg.DefaultBaseImage = getenv("HAKURIVER_DEFAULT_BASE_IMAGE", cfg.DefaultBaseImage)

	if v := getenvDuration("HAKURIVER_HEARTBEAT_INTERVAL", 0); v > 0 {
		cfg.HeartbeatInterval = v
	}
	if v := getenvInt("HAKURIVER_HEARTBEAT_TIMEOUT_FACTOR", 0); v > 0 {
		cfg.HeartbeatTimeoutFactor = v
	}
	if v := getenvDuration("HAKURIVER_SCHEDULER_INTERVAL", 0); v > 0 {
		cfg.SchedulerInterval = v
	}
	if v := getenvDuration("HAKURIVER_LIVENESS_INTERVAL", 0); v > 0 {
		cfg.LivenessInterval = v
	}
	if v := getenvInt("HAKURIVER_SUSPICION_THRESHOLD", 0); v > 0 {
		cfg.SuspicionThreshold = v
	}

	return cfg
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

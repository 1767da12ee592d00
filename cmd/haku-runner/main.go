// Command haku-runner runs a node's runner agent: it registers with a
// coordinator, accepts run/kill/pause/resume calls over HTTP, and reports
// task lifecycle back over heartbeats.
//
// Configuration is environment-variable driven; there is no flag parser
// here by design (that's left to whatever wraps this binary for a given
// deployment). NUMA topology and GPU inventory are accepted the same way,
// as JSON, since introspecting them is explicitly left to an external tool.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/docker/docker/client"
	"github.com/rs/zerolog"

	"github.com/KohakuBlueleaf/HakuRiver/pkg/config"
	"github.com/KohakuBlueleaf/HakuRiver/pkg/dockerutil"
	"github.com/KohakuBlueleaf/HakuRiver/pkg/log"
	"github.com/KohakuBlueleaf/HakuRiver/pkg/metrics"
	"github.com/KohakuBlueleaf/HakuRiver/pkg/model"
	"github.com/KohakuBlueleaf/HakuRiver/pkg/registry"
	"github.com/KohakuBlueleaf/HakuRiver/pkg/runner"
)

func main() {
	log.Init(log.Config{
		Level:      log.Level(getenv("HAKURIVER_LOG_LEVEL", "info")),
		JSONOutput: getenvBool("HAKURIVER_LOG_JSON", false),
	})
	logger := log.WithComponent("haku-runner")

	cfg := loadConfig()
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	dockerCli, err := dockerutil.NewClient(cfg.DockerHost)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create docker client")
	}
	reg := registry.New(cfg.SharedStorageRoot, dockerCli)

	containerBackend := runner.NewContainerBackend(dockerCli, reg, cfg.SharedStorageRoot, cfg.LocalTempDir)
	processBackend := runner.NewProcessBackend()

	r := runner.New(cfg, containerBackend, processBackend)

	info := gatherResourceInfo(dockerCli, logger)
	r.Start(info)
	defer r.Stop()

	metrics.SetCriticalComponents("docker", "server")
	metrics.RegisterComponent("docker", true, "")
	metrics.RegisterComponent("server", false, "starting")

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: runner.NewRouter(r),
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).Msg("runner server listening")
		metrics.RegisterComponent("server", true, "ready")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			metrics.RegisterComponent("server", false, err.Error())
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		logger.Error().Err(err).Msg("runner server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("runner server shutdown did not complete cleanly")
	}

	logger.Info().Msg("shutdown complete")
}

// gatherResourceInfo asks the Docker daemon for its view of the host's CPU
// and memory, then layers on any NUMA/GPU inventory supplied out of band
// since introspecting either is left to an external tool.
func gatherResourceInfo(dockerCli *client.Client, logger zerolog.Logger) runner.RegisterInfo {
	info := runner.RegisterInfo{}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sys, err := dockerCli.Info(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to query docker daemon for host resources")
	} else {
		info.TotalCores = sys.NCPU
		info.TotalMemory = sys.MemTotal
	}

	if raw := os.Getenv("HAKURIVER_NUMA_JSON"); raw != "" {
		var numa map[string]model.NUMANode
		if err := json.Unmarshal([]byte(raw), &numa); err != nil {
			logger.Warn().Err(err).Msg("failed to parse HAKURIVER_NUMA_JSON")
		} else {
			info.NUMA = numa
		}
	}

	if raw := os.Getenv("HAKURIVER_GPUS_JSON"); raw != "" {
		var gpus []model.GPU
		if err := json.Unmarshal([]byte(raw), &gpus); err != nil {
			logger.Warn().Err(err).Msg("failed to parse HAKURIVER_GPUS_JSON")
		} else {
			info.GPUs = gpus
		}
	}

	if v := getenvInt("HAKURIVER_TOTAL_CORES", 0); v > 0 {
		info.TotalCores = v
	}
	if v := getenvInt64("HAKURIVER_TOTAL_MEMORY", 0); v > 0 {
		info.TotalMemory = v
	}

	return info
}

func loadConfig() config.RunnerConfig {
	cfg := config.DefaultRunnerConfig()

	cfg.Hostname = getenv("HAKURIVER_HOSTNAME", "")
	cfg.AdvertiseURL = getenv("HAKURIVER_ADVERTISE_URL", "")
	cfg.ListenAddr = getenv("HAKURIVER_LISTEN_ADDR", cfg.ListenAddr)
	cfg.CoordinatorURL = getenv("HAKURIVER_COORDINATOR_URL", "")
	cfg.SharedStorageRoot = getenv("HAKURIVER_SHARED_STORAGE_ROOT", "/srv/hakuriver")
	cfg.LocalTempDir = getenv("HAKURIVER_LOCAL_TEMP_DIR", "/tmp/hakuriver")
	cfg.DockerHost = os.Getenv("HAKURIVER_DOCKER_HOST")

	if v := getenvDuration("HAKURIVER_HEARTBEAT_INTERVAL", 0); v > 0 {
		cfg.HeartbeatInterval = v
	}
	if v := getenvDuration("HAKURIVER_REGISTER_BACKOFF_MIN", 0); v > 0 {
		cfg.RegisterBackoffMin = v
	}
	if v := getenvDuration("HAKURIVER_REGISTER_BACKOFF_MAX", 0); v > 0 {
		cfg.RegisterBackoffMax = v
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

func getenvInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
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

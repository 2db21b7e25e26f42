// Command ipcamboxd is the Server binary: it accepts mTLS device
// connections on the control port, serves Prometheus metrics and a small
// restream-trigger surface on the metrics port, and runs until SIGINT or
// SIGTERM.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/RSATom/IpCamBox/internal/config"
	"github.com/RSATom/IpCamBox/internal/envconfig"
	"github.com/RSATom/IpCamBox/internal/logging"
	"github.com/RSATom/IpCamBox/internal/server"
)

func main() {
	daemon := flag.Bool("d", false, "run as a detached daemon")
	flag.Parse()

	if flag.NArg() > 0 {
		fmt.Fprintln(os.Stderr, "ipcamboxd takes no positional arguments")
		os.Exit(-1)
	}

	if *daemon {
		if err := daemonize(); err != nil {
			fmt.Fprintf(os.Stderr, "daemonize: %v\n", err)
			os.Exit(-1)
		}
	}

	logger := logging.NewWithService("ipcamboxd")
	envconfig.LoadDotEnv(logger)

	cfg, err := buildConfigQuery(logger)
	if err != nil {
		logger.WithError(err).Error("failed to load configuration")
		os.Exit(-1)
	}

	registry := server.NewSessionRegistry()
	bridge := server.NewRestreamBridge(registry)

	promReg := prometheus.NewRegistry()
	metrics := server.NewMetrics(promReg)
	server.SetMetrics(metrics)

	controlServer := server.NewControlServer(cfg, registry, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	controlAddr := envconfig.GetString("CONTROL_ADDR", ":9443")
	controlErr := make(chan error, 1)
	go func() {
		logger.WithField("addr", controlAddr).Info("control server listening")
		controlErr <- controlServer.ListenAndServe(ctx, controlAddr)
	}()

	adminAddr := envconfig.GetString("ADMIN_ADDR", ":9090")
	adminServer := newAdminServer(adminAddr, promReg, bridge, logger)
	go func() {
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("admin server stopped unexpectedly")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutting down")
	case err := <-controlErr:
		if err != nil {
			logger.WithError(err).Error("control server exited")
		}
	}

	cancel()
	if err := controlServer.Shutdown(); err != nil {
		logger.WithError(err).Warn("control server shutdown error")
	}
	controlServer.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("admin server shutdown error")
	}

	logger.Info("stopped")
}

// buildConfigQuery constructs the configured backing store (Postgres or a
// YAML file), wrapped in the short-TTL cache the control server's TLS
// accept path reads through.
func buildConfigQuery(logger logging.Logger) (config.Query, error) {
	ttl := time.Duration(envconfig.GetInt("CONFIG_CACHE_TTL_SECONDS", 30)) * time.Second

	switch backend := envconfig.GetString("CONFIG_BACKEND", "file"); backend {
	case "postgres":
		dsn := envconfig.Require(logger, "DATABASE_URL")
		pg, err := config.OpenPostgresQuery(dsn)
		if err != nil {
			return nil, err
		}
		return config.NewCached(pg, ttl), nil
	case "file":
		path := envconfig.GetString("CONFIG_FILE", "/etc/ipcamboxd/config.yaml")
		fq, err := config.LoadFileQuery(path)
		if err != nil {
			return nil, err
		}
		return config.NewCached(fq, ttl), nil
	default:
		return nil, config.NewConfigError("CONFIG_BACKEND", fmt.Sprintf("unknown backend %q", backend))
	}
}

// newAdminServer builds the metrics/health/restream-trigger HTTP surface.
// It is plain net/http rather than a router library: four fixed
// endpoints, none of which need routing, middleware, or templating.
func newAdminServer(addr string, promReg *prometheus.Registry, bridge *server.RestreamBridge, logger logging.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/restream/join", restreamHandler(bridge.FirstReaderJoined, logger))
	mux.HandleFunc("/restream/leave", func(w http.ResponseWriter, r *http.Request) {
		var req restreamRequest
		if !decodeRestreamRequest(w, r, &req) {
			return
		}
		bridge.LastReaderLeft(req.Device, req.Source)
		w.WriteHeader(http.StatusNoContent)
	})

	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

type restreamRequest struct {
	Device      config.DeviceID `json:"device"`
	Source      config.SourceID `json:"source"`
	Destination config.StreamDst `json:"destination,omitempty"`
}

func decodeRestreamRequest(w http.ResponseWriter, r *http.Request, req *restreamRequest) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func restreamHandler(join func(config.DeviceID, config.SourceID, config.StreamDst), logger logging.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req restreamRequest
		if !decodeRestreamRequest(w, r, &req) {
			return
		}
		join(req.Device, req.Source, req.Destination)
		w.WriteHeader(http.StatusNoContent)
	}
}

// Command boxagent is the Device binary: it dials the control server,
// completes the greeting handshake, and runs the local source handler
// groups (recording, cloud mirroring, restream-on-request) until killed.
//
// The media pipeline itself - RTSP capture, muxing, restream publishing -
// is an external collaborator this codebase treats as an opaque handler
// (see devicecore.Recorder/Streamer); boxagent wires no concrete
// implementation of either, matching that scope boundary.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/RSATom/IpCamBox/internal/cloudapi"
	"github.com/RSATom/IpCamBox/internal/cloudfolder"
	"github.com/RSATom/IpCamBox/internal/deviceclient"
	"github.com/RSATom/IpCamBox/internal/devicecore"
	"github.com/RSATom/IpCamBox/internal/envconfig"
	"github.com/RSATom/IpCamBox/internal/logging"
)

// DefaultControlPort is used when the server host argument carries no
// explicit port, fixed at build like the original's port constants.
const DefaultControlPort = 9443

func main() {
	logger := logging.NewWithService("boxagent")
	envconfig.LoadDotEnv(logger)

	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: boxagent <server-host>")
		os.Exit(-1)
	}
	serverAddr := withDefaultPort(os.Args[1], DefaultControlPort)

	cfg, err := buildDeviceConfig(logger, serverAddr)
	if err != nil {
		logger.WithError(err).Error("failed to build device configuration")
		os.Exit(-1)
	}
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Error("device configuration failed validation")
		os.Exit(-1)
	}

	cloudBaseURL := envconfig.Require(logger, "CLOUD_API_URL")
	cloudClient := cloudapi.New(cloudBaseURL, logger)

	promReg := prometheus.NewRegistry()
	cloudapi.SetMetrics(cloudapi.NewMetrics(promReg))
	cloudfolder.SetMetrics(cloudfolder.NewMetrics(promReg))

	metricsAddr := envconfig.GetString("BOX_METRICS_ADDR", ":9091")
	metricsServer := newMetricsServer(metricsAddr, promReg)
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("metrics server stopped unexpectedly")
		}
	}()

	// No RecorderFactory/StreamerFactory: the media pipeline is out of
	// scope here, so every source runs with cloud mirroring only.
	controller := devicecore.NewController(cloudClient, nil, nil, logger)

	client := deviceclient.New(cfg.ServerAddr, cfg.DeviceID, cfg.TLSConfig(), controller, logger)
	client.Debug = cfg.Debug

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go client.Run(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	cancel()

	done := make(chan struct{})
	client.Shutdown(func() { close(done) })
	<-done

	if err := metricsServer.Close(); err != nil {
		logger.WithError(err).Warn("metrics server close error")
	}

	logger.Info("stopped")
}

// newMetricsServer builds the bare /metrics + /healthz surface boxagent
// exposes for the cloud upload and folder-shrink counters, mirroring
// ipcamboxd's admin server: plain net/http, no router.
func newMetricsServer(addr string, promReg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return &http.Server{Addr: addr, Handler: mux}
}

// buildDeviceConfig loads the device id and TLS material from the
// environment: DEVICE_ID, CLIENT_CERT_FILE, CLIENT_KEY_FILE, and
// SERVER_CA_FILE (the server's own pinned root, not a public CA bundle).
func buildDeviceConfig(logger logging.Logger, serverAddr string) (deviceclient.Config, error) {
	deviceID := envconfig.Require(logger, "DEVICE_ID")
	certFile := envconfig.Require(logger, "CLIENT_CERT_FILE")
	keyFile := envconfig.Require(logger, "CLIENT_KEY_FILE")
	caFile := envconfig.Require(logger, "SERVER_CA_FILE")

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return deviceclient.Config{}, fmt.Errorf("loading client certificate: %w", err)
	}

	caPEM, err := os.ReadFile(caFile)
	if err != nil {
		return deviceclient.Config{}, fmt.Errorf("reading server CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return deviceclient.Config{}, fmt.Errorf("no certificates found in %s", caFile)
	}

	return deviceclient.Config{
		ServerAddr: serverAddr,
		DeviceID:   deviceID,
		ClientCert: cert,
		ServerCAs:  pool,
		Debug:      envconfig.GetBool("IPCAMBOX_DEBUG", false),
	}, nil
}

// withDefaultPort appends defaultPort to host if it carries no port of
// its own.
func withDefaultPort(host string, defaultPort int) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(defaultPort))
}

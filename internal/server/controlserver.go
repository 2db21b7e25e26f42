package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/RSATom/IpCamBox/internal/config"
	"github.com/RSATom/IpCamBox/internal/logging"
	"github.com/RSATom/IpCamBox/internal/wire"
)

// TLSRefreshInterval is how often ControlServer reloads its own
// certificate and the client-CA trust set from the config store.
const TLSRefreshInterval = 24 * time.Hour

// ControlServer accepts mTLS connections from devices, verifies each
// against the config store's trusted client certificates, and hands the
// resulting connection to a new ServerSession.
type ControlServer struct {
	cfg      config.Query
	registry *SessionRegistry
	log      logging.Logger

	mu        sync.RWMutex
	tlsConfig *tls.Config

	listener net.Listener
	wg       sync.WaitGroup
	closing  int32
}

// NewControlServer builds a server bound to cfg's ServerTLS/TrustedClientCerts.
func NewControlServer(cfg config.Query, registry *SessionRegistry, log logging.Logger) *ControlServer {
	return &ControlServer{cfg: cfg, registry: registry, log: log}
}

// ListenAndServe loads the initial TLS material, binds addr, and accepts
// connections until ctx is cancelled or Shutdown is called.
func (cs *ControlServer) ListenAndServe(ctx context.Context, addr string) error {
	if err := cs.refreshTLS(ctx); err != nil {
		return err
	}

	ln, err := tls.Listen("tcp", addr, cs.currentTLSConfigForListener())
	if err != nil {
		return err
	}
	cs.listener = ln

	go cs.refreshLoop(ctx)
	go func() {
		<-ctx.Done()
		cs.Shutdown()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if atomic.LoadInt32(&cs.closing) == 1 {
				return nil
			}
			return err
		}
		cs.wg.Add(1)
		go func() {
			defer cs.wg.Done()
			cs.handleConn(ctx, conn)
		}()
	}
}

// currentTLSConfigForListener returns a *tls.Config whose GetConfigForClient
// hook always resolves to the latest loaded certificate/trust set, so a
// refresh takes effect for new connections without rebinding the listener.
func (cs *ControlServer) currentTLSConfigForListener() *tls.Config {
	return &tls.Config{
		GetConfigForClient: func(*tls.ClientHelloInfo) (*tls.Config, error) {
			cs.mu.RLock()
			defer cs.mu.RUnlock()
			return cs.tlsConfig, nil
		},
	}
}

func (cs *ControlServer) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(TLSRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := cs.refreshTLS(ctx); err != nil && cs.log != nil {
				cs.log.WithError(err).Error("failed to refresh server TLS material")
			}
		}
	}
}

func (cs *ControlServer) refreshTLS(ctx context.Context) error {
	serverTLS, err := cs.cfg.ServerTLS(ctx)
	if err != nil {
		return err
	}
	cert, err := tls.X509KeyPair(serverTLS.CertPEM, serverTLS.KeyPEM)
	if err != nil {
		return wire.NewTlsError("load server certificate", err)
	}

	trusted, err := cs.cfg.TrustedClientCerts(ctx)
	if err != nil {
		return err
	}
	pool := x509.NewCertPool()
	for _, pemBytes := range trusted {
		pool.AppendCertsFromPEM(pemBytes)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}

	cs.mu.Lock()
	cs.tlsConfig = tlsConfig
	cs.mu.Unlock()
	return nil
}

// handleConn runs one ServerSession for conn and closes conn when ctx is
// cancelled, which ends the session's blocking reads. It generates a
// conn_id, but WithField(...).Logger yields the server's shared logger,
// so neither the session's log lines nor the final "session ended" line
// carry that id.
func (cs *ControlServer) handleConn(ctx context.Context, conn net.Conn) {
	connLog := cs.log
	connID := uuid.New().String()
	if connLog != nil {
		connLog = connLog.WithField("conn_id", connID).Logger
	}

	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-finished:
		}
	}()

	session := NewServerSession(conn, cs.cfg, cs.registry, connLog)
	if err := session.Serve(ctx); err != nil && connLog != nil {
		connLog.WithError(err).Debug("session ended")
	}
}

// Shutdown stops accepting new connections and closes the listener.
// In-flight sessions are not forcibly closed; callers that need a hard
// stop should cancel the context passed to ListenAndServe instead.
func (cs *ControlServer) Shutdown() error {
	if !atomic.CompareAndSwapInt32(&cs.closing, 0, 1) {
		return nil
	}
	if cs.listener != nil {
		return cs.listener.Close()
	}
	return nil
}

// Wait blocks until every accepted connection's session has returned.
func (cs *ControlServer) Wait() {
	cs.wg.Wait()
}

package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/RSATom/IpCamBox/internal/config"
	"github.com/RSATom/IpCamBox/internal/logging"
	"github.com/RSATom/IpCamBox/internal/wire"
)

// State names a ServerSession's position in the greeting/config handshake.
type State int

const (
	StateHandshaking State = iota
	StateAuthenticated
	StateConfigSent
	StateReady
	StateClosing
	StateIdle
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "Handshaking"
	case StateAuthenticated:
		return "Authenticated"
	case StateConfigSent:
		return "ConfigSent"
	case StateReady:
		return "Ready"
	case StateClosing:
		return "Closing"
	case StateIdle:
		return "Idle"
	default:
		return "Unknown"
	}
}

// StreamRetryDelay is how long a ServerSession waits after a failed
// stream request before re-issuing it exactly once. A var, not a const,
// so tests can shorten it.
var StreamRetryDelay = 10 * time.Second

// ServerSession is one physical device connection, from accept through
// the greeting handshake to steady-state message exchange and eventual
// close. Its SessionContext outlives it.
type ServerSession struct {
	conn   net.Conn
	framer *wire.Framer
	cfg    config.Query
	reg    *SessionRegistry
	log    logging.Logger

	mu          sync.Mutex
	state       State
	device      config.DeviceID
	sessionCtx  *SessionContext
	retryTimers map[config.SourceID]*time.Timer
	closed      bool
}

// NewServerSession wraps an accepted TLS connection.
func NewServerSession(conn net.Conn, cfg config.Query, reg *SessionRegistry, log logging.Logger) *ServerSession {
	return &ServerSession{
		conn:        conn,
		framer:      wire.NewFramer(conn, wire.DefaultMaxBodyBytes),
		cfg:         cfg,
		reg:         reg,
		log:         log,
		state:       StateHandshaking,
		retryTimers: make(map[config.SourceID]*time.Timer),
	}
}

func (s *ServerSession) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *ServerSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Serve runs the session to completion: greeting, config delivery, then
// the steady-state read loop. It returns when the connection closes.
func (s *ServerSession) Serve(ctx context.Context) error {
	defer s.teardown()

	if err := s.handshake(ctx); err != nil {
		if s.State() == StateIdle {
			incHandshake("idle")
		} else {
			incHandshake("failure")
		}
		return err
	}
	incHandshake("success")

	s.setState(StateReady)
	setSessionsActive(s.reg.ActiveCount())

	s.replayDesiredStreams()

	return s.readLoop(ctx)
}

// peerCommonName extracts the verified TLS peer certificate's subject
// commonName, which is the pinned device id and the sole source of
// device identity accepted by handshake. tlsPeerConn is declared locally
// (rather than asserting to *tls.Conn) so tests can supply a fake peer
// certificate without a real handshake.
type tlsPeerConn interface {
	ConnectionState() tls.ConnectionState
}

func peerCommonName(conn net.Conn) (string, error) {
	tc, ok := conn.(tlsPeerConn)
	if !ok {
		return "", wire.NewProtocolError("connection carries no verified TLS peer state")
	}
	certs := tc.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return "", wire.NewProtocolError("no verified peer certificate")
	}
	cn := certs[0].Subject.CommonName
	if cn == "" {
		return "", wire.NewProtocolError("peer certificate has empty commonName")
	}
	return cn, nil
}

// idleUntilClosed parks the session without ever completing the
// handshake: it discards whatever the peer sends until the peer closes
// the connection. Used for an unrecognized device and for a second
// connection while another session is already active for the device,
// neither of which is a protocol error the server should actively close.
func (s *ServerSession) idleUntilClosed() error {
	s.setState(StateIdle)
	for {
		if _, _, err := s.framer.ReadMessage(); err != nil {
			return err
		}
	}
}

func (s *ServerSession) handshake(ctx context.Context) error {
	t, body, err := s.framer.ReadMessage()
	if err != nil {
		return err
	}
	if t != wire.TypeClientGreeting {
		return wire.NewProtocolError(fmt.Sprintf("expected ClientGreeting, got %s", t))
	}
	var greeting wire.ClientGreetingBody
	if err := wire.Decode(body, &greeting); err != nil {
		return err
	}

	cn, err := peerCommonName(s.conn)
	if err != nil {
		incSessionRejected("bad_cert")
		return err
	}
	device := config.DeviceID(cn)
	if greeting.DeviceID != cn && s.log != nil {
		s.log.WithFields(logging.Fields{"claimed": greeting.DeviceID, "certificate": cn}).
			Warn("greeting device id does not match certificate commonName, using certificate")
	}

	if _, err := s.cfg.Device(ctx, device); err != nil {
		if _, ok := err.(*config.ErrDeviceUnknown); ok {
			incSessionRejected("unknown_device")
			return s.idleUntilClosed()
		}
		return err
	}
	s.device = device
	s.sessionCtx = s.reg.Get(device)
	if !s.sessionCtx.TryActivate(s) {
		incSessionRejected("already_active")
		return s.idleUntilClosed()
	}
	s.setState(StateAuthenticated)

	_, replyBody, err := wire.Encode(wire.TypeServerGreeting, wire.ServerGreetingBody{ProtocolVersion: wire.ProtocolVersion})
	if err != nil {
		return err
	}
	if err := s.framer.WriteMessage(wire.TypeServerGreeting, replyBody); err != nil {
		return err
	}

	t, _, err = s.framer.ReadMessage()
	if err != nil {
		return err
	}
	if t != wire.TypeClientConfigRequest {
		return wire.NewProtocolError(fmt.Sprintf("expected ClientConfigRequest, got %s", t))
	}

	cfg, err := s.buildClientConfig(ctx)
	if err != nil {
		return err
	}
	_, cfgBody, err := wire.Encode(wire.TypeClientConfigReply, cfg)
	if err != nil {
		return err
	}
	if err := s.framer.WriteMessage(wire.TypeClientConfigReply, cfgBody); err != nil {
		return err
	}
	s.setState(StateConfigSent)

	t, _, err = s.framer.ReadMessage()
	if err != nil {
		return err
	}
	if t != wire.TypeClientReady {
		return wire.NewProtocolError(fmt.Sprintf("expected ClientReady, got %s", t))
	}

	return nil
}

func (s *ServerSession) buildClientConfig(ctx context.Context) (wire.ClientConfig, error) {
	device, err := s.cfg.Device(ctx, s.device)
	if err != nil {
		return wire.ClientConfig{}, err
	}
	sources, err := s.cfg.Sources(ctx, s.device)
	if err != nil {
		return wire.ClientConfig{}, err
	}
	wireSources := make([]wire.VideoSource, 0, len(sources))
	for _, src := range sources {
		wireSources = append(wireSources, wire.VideoSource{
			ID:                string(src.ID),
			URI:               src.URI,
			User:              src.User,
			Password:          src.Password,
			DropboxMaxStorage: src.CloudMaxBytes,
		})
	}
	return wire.ClientConfig{
		Sources: wireSources,
		Dropbox: wire.DropboxConfig{Token: device.CloudToken},
	}, nil
}

// replayDesiredStreams re-issues a RequestStream for every source the
// SessionContext still desires, restoring streaming state across a
// device reconnect.
func (s *ServerSession) replayDesiredStreams() {
	for _, ds := range s.sessionCtx.Desired() {
		s.sendRequestStream(ds.Source, ds.Dst)
	}
}

func (s *ServerSession) sendRequestStream(source config.SourceID, dst config.StreamDst) {
	_, body, err := wire.Encode(wire.TypeRequestStream, wire.RequestStreamBody{
		SourceID:    string(source),
		Destination: string(dst),
	})
	if err != nil {
		return
	}
	if err := s.framer.WriteMessage(wire.TypeRequestStream, body); err != nil && s.log != nil {
		s.log.WithError(err).Warn("failed to send RequestStream")
	}
}

// RequestStream records source/dst as desired and, if the session is
// currently ready, sends the request immediately.
func (s *ServerSession) RequestStream(source config.SourceID, dst config.StreamDst) {
	s.sessionCtx.SetDesired(source, dst)
	if s.State() == StateReady {
		s.sendRequestStream(source, dst)
	}
}

// StopStream clears source from the desired set and, if ready, tells the
// device to stop pushing it.
func (s *ServerSession) StopStream(source config.SourceID) {
	s.sessionCtx.ClearDesired(source)
	s.cancelRetry(source)
	if s.State() != StateReady {
		return
	}
	_, body, err := wire.Encode(wire.TypeStopStream, wire.StopStreamBody{SourceID: string(source)})
	if err != nil {
		return
	}
	if err := s.framer.WriteMessage(wire.TypeStopStream, body); err != nil && s.log != nil {
		s.log.WithError(err).Warn("failed to send StopStream")
	}
}

func (s *ServerSession) readLoop(ctx context.Context) error {
	for {
		t, body, err := s.framer.ReadMessage()
		if err != nil {
			return err
		}

		switch t {
		case wire.TypeStreamStatus:
			var status wire.StreamStatusBody
			if err := wire.Decode(body, &status); err != nil {
				return err
			}
			s.handleStreamStatus(config.SourceID(status.SourceID), status.Success)
		default:
			if s.log != nil {
				s.log.WithField("type", t.String()).Warn("unexpected message from device")
			}
		}
	}
}

// handleStreamStatus arms exactly one 10-second retry when a device
// reports it could not start streaming a still-desired source.
func (s *ServerSession) handleStreamStatus(source config.SourceID, success bool) {
	if success {
		incStreamRequest("success")
		s.cancelRetry(source)
		return
	}
	incStreamRequest("failure")
	if s.log != nil {
		s.log.WithError(wire.NewStreamFailure(string(source))).Warn("device reported stream failure")
	}

	dst, stillDesired := s.sessionCtx.Lookup(source)
	if !stillDesired {
		return
	}

	s.mu.Lock()
	if _, retrying := s.retryTimers[source]; retrying {
		s.mu.Unlock()
		return
	}
	timer := time.AfterFunc(StreamRetryDelay, func() {
		s.mu.Lock()
		delete(s.retryTimers, source)
		s.mu.Unlock()
		if s.State() == StateReady {
			incStreamRequest("retry")
			s.sendRequestStream(source, dst)
		}
	})
	s.retryTimers[source] = timer
	s.mu.Unlock()
}

func (s *ServerSession) cancelRetry(source config.SourceID) {
	s.mu.Lock()
	if timer, ok := s.retryTimers[source]; ok {
		timer.Stop()
		delete(s.retryTimers, source)
	}
	s.mu.Unlock()
}

func (s *ServerSession) teardown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.state = StateClosing
	for _, timer := range s.retryTimers {
		timer.Stop()
	}
	s.retryTimers = nil
	s.mu.Unlock()

	s.conn.Close()

	if s.sessionCtx != nil && s.sessionCtx.Active() == s {
		s.sessionCtx.setActive(nil)
	}
	if s.reg != nil {
		setSessionsActive(s.reg.ActiveCount())
	}
}

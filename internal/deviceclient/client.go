// Package deviceclient implements the device side of the control
// connection: a reconnecting TLS client that greets the server, applies
// whatever configuration comes back, and dispatches stream requests into
// a devicecore.Controller.
package deviceclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/RSATom/IpCamBox/internal/devicecore"
	"github.com/RSATom/IpCamBox/internal/logging"
	"github.com/RSATom/IpCamBox/internal/wire"
)

// State names the device client's connection lifecycle.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateHandshaking
	StateGreeting
	StateReady
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnecting:
		return "Connecting"
	case StateHandshaking:
		return "Handshaking"
	case StateGreeting:
		return "Greeting"
	case StateReady:
		return "Ready"
	case StateClosing:
		return "Closing"
	default:
		return "Unknown"
	}
}

// ReconnectDelay is the normal fixed backoff between connection attempts.
const ReconnectDelay = 60 * time.Second

// DebugReconnectDelay is used instead of ReconnectDelay when Debug is set,
// so manual testing against a local server doesn't require patience.
const DebugReconnectDelay = 5 * time.Second

// Client is the device-side control connection state machine.
type Client struct {
	ServerAddr string
	DeviceID   string
	TLSConfig  *tls.Config
	Controller *devicecore.Controller
	Log        logging.Logger
	Debug      bool

	mu       sync.Mutex
	state    State
	conn     net.Conn
	framer   *wire.Framer
	shutdown bool
}

// New constructs a Client. The caller is responsible for populating
// TLSConfig with the device's client certificate and the pinned server CA.
func New(serverAddr, deviceID string, tlsConfig *tls.Config, controller *devicecore.Controller, log logging.Logger) *Client {
	return &Client{
		ServerAddr: serverAddr,
		DeviceID:   deviceID,
		TLSConfig:  tlsConfig,
		Controller: controller,
		Log:        log,
		state:      StateIdle,
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	if c.Log != nil {
		c.Log.WithField("state", s.String()).Debug("device client state change")
	}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) isShuttingDown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.shutdown
}

// Run drives the reconnect loop until ctx is cancelled or Shutdown is called.
// It never returns until the connection is fully torn down.
func (c *Client) Run(ctx context.Context) {
	for {
		if c.isShuttingDown() || ctx.Err() != nil {
			c.setState(StateIdle)
			return
		}

		if err := c.runOnce(ctx); err != nil && c.Log != nil {
			c.Log.WithError(err).Warn("control connection ended")
		}

		c.setState(StateClosing)
		c.resetController(ctx)

		if c.isShuttingDown() || ctx.Err() != nil {
			c.setState(StateIdle)
			return
		}

		delay := ReconnectDelay
		if c.Debug {
			delay = DebugReconnectDelay
		}
		select {
		case <-ctx.Done():
			c.setState(StateIdle)
			return
		case <-time.After(delay):
		}
	}
}

// resetController tears down the recorder/cloudFolder/streamer chain for
// the connection that just ended, before a reconnect timer is armed, so
// nothing from the previous session keeps running unsupervised across
// the reconnect delay.
func (c *Client) resetController(ctx context.Context) {
	done := make(chan struct{})
	c.Controller.Reset(func() { close(done) })
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// runOnce performs one connect-greet-serve cycle, returning when the
// connection drops or an unrecoverable protocol error occurs.
func (c *Client) runOnce(ctx context.Context) error {
	c.setState(StateConnecting)
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	rawConn, err := dialer.DialContext(ctx, "tcp", c.ServerAddr)
	if err != nil {
		return wire.NewTransportError("dial", err)
	}

	c.setState(StateHandshaking)
	tlsConn := tls.Client(rawConn, c.TLSConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return wire.NewTlsError("handshake", err)
	}

	c.mu.Lock()
	c.conn = tlsConn
	c.framer = wire.NewFramer(tlsConn, wire.DefaultMaxBodyBytes)
	c.mu.Unlock()
	defer func() {
		tlsConn.Close()
		c.mu.Lock()
		c.conn = nil
		c.framer = nil
		c.mu.Unlock()
	}()

	if err := c.greet(ctx); err != nil {
		return err
	}

	c.setState(StateReady)
	return c.serve(ctx)
}

func (c *Client) greet(ctx context.Context) error {
	c.setState(StateGreeting)
	framer := c.framer

	_, body, err := wire.Encode(wire.TypeClientGreeting, wire.ClientGreetingBody{DeviceID: c.DeviceID})
	if err != nil {
		return err
	}
	if err := framer.WriteMessage(wire.TypeClientGreeting, body); err != nil {
		return err
	}

	t, body, err := framer.ReadMessage()
	if err != nil {
		return err
	}
	if t != wire.TypeServerGreeting {
		return wire.NewProtocolError(fmt.Sprintf("expected ServerGreeting, got %s", t))
	}
	var greeting wire.ServerGreetingBody
	if err := wire.Decode(body, &greeting); err != nil {
		return err
	}
	if greeting.ProtocolVersion != wire.ProtocolVersion {
		return wire.NewProtocolError(fmt.Sprintf("server protocol version %d unsupported", greeting.ProtocolVersion))
	}

	if err := framer.WriteMessage(wire.TypeClientConfigRequest, nil); err != nil {
		return err
	}
	t, body, err = framer.ReadMessage()
	if err != nil {
		return err
	}
	if t != wire.TypeClientConfigReply {
		return wire.NewProtocolError(fmt.Sprintf("expected ClientConfigReply, got %s", t))
	}
	var cfg wire.ClientConfig
	if err := wire.Decode(body, &cfg); err != nil {
		return err
	}

	loaded := make(chan struct{})
	c.Controller.LoadConfig(ctx, toControllerConfig(cfg), func() { close(loaded) })
	select {
	case <-loaded:
	case <-ctx.Done():
		return ctx.Err()
	}

	return framer.WriteMessage(wire.TypeClientReady, nil)
}

func toControllerConfig(cfg wire.ClientConfig) devicecore.Config {
	sources := make([]devicecore.Source, 0, len(cfg.Sources))
	for _, s := range cfg.Sources {
		sources = append(sources, devicecore.Source{
			ID:               devicecore.SourceID(s.ID),
			URI:              s.URI,
			User:             s.User,
			Password:         s.Password,
			CloudMaxBytes:    s.DropboxMaxStorage,
			CloudArchivePath: "/" + s.ID + "/",
		})
	}
	return devicecore.Config{Sources: sources, CloudToken: cfg.Dropbox.Token}
}

// serve reads messages until the connection fails or shutdown is requested.
func (c *Client) serve(ctx context.Context) error {
	framer := c.framer
	for {
		t, body, err := framer.ReadMessage()
		if err != nil {
			return err
		}

		switch t {
		case wire.TypeClientConfigUpdated:
			var cfg wire.ClientConfig
			if err := wire.Decode(body, &cfg); err != nil {
				return err
			}
			done := make(chan struct{})
			c.Controller.UpdateConfig(ctx, toControllerConfig(cfg), func() { close(done) })
			<-done

		case wire.TypeRequestStream:
			var req wire.RequestStreamBody
			if err := wire.Decode(body, &req); err != nil {
				return err
			}
			c.handleRequestStream(ctx, req)

		case wire.TypeStopStream:
			var req wire.StopStreamBody
			if err := wire.Decode(body, &req); err != nil {
				return err
			}
			c.Controller.StopStream(devicecore.SourceID(req.SourceID))

		default:
			if c.Log != nil {
				c.Log.WithField("type", t.String()).Warn("unexpected message from server")
			}
		}
	}
}

func (c *Client) handleRequestStream(ctx context.Context, req wire.RequestStreamBody) {
	report := func(success bool) {
		c.mu.Lock()
		framer := c.framer
		c.mu.Unlock()
		if framer == nil {
			return
		}
		_, body, err := wire.Encode(wire.TypeStreamStatus, wire.StreamStatusBody{
			SourceID: req.SourceID,
			Success:  success,
		})
		if err != nil {
			return
		}
		if err := framer.WriteMessage(wire.TypeStreamStatus, body); err != nil && c.Log != nil {
			c.Log.WithError(err).Warn("failed to report stream status")
		}
	}

	c.Controller.StreamRequested(ctx, devicecore.SourceID(req.SourceID), req.Destination,
		func() { report(true) },
		func() {
			if c.Log != nil {
				c.Log.WithError(wire.NewStreamFailure(req.SourceID)).Warn("could not start requested stream")
			}
			report(false)
		})
}

// Shutdown stops the reconnect loop and closes any active connection.
func (c *Client) Shutdown(done func()) {
	c.setState(StateClosing)
	c.mu.Lock()
	c.shutdown = true
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	c.Controller.Shutdown(done)
}

package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"net"
	"testing"
	"time"

	"github.com/RSATom/IpCamBox/internal/config"
	"github.com/RSATom/IpCamBox/internal/wire"
)

// fakeTLSConn wraps a plain net.Conn (a net.Pipe half, in tests) with a
// ConnectionState reporting a single peer certificate, standing in for a
// real *tls.Conn's verified peer state without a real handshake.
type fakeTLSConn struct {
	net.Conn
	commonName string
}

func (f *fakeTLSConn) ConnectionState() tls.ConnectionState {
	return tls.ConnectionState{
		PeerCertificates: []*x509.Certificate{
			{Subject: pkix.Name{CommonName: f.commonName}},
		},
	}
}

// fakeQuery is a minimal config.Query stand-in for session tests.
type fakeQuery struct {
	devices map[config.DeviceID]*config.Device
	sources map[config.DeviceID][]config.Source
}

func newFakeQuery() *fakeQuery {
	return &fakeQuery{
		devices: map[config.DeviceID]*config.Device{
			"dev1": {ID: "dev1", CloudToken: "tok1"},
		},
		sources: map[config.DeviceID][]config.Source{
			"dev1": {{ID: "cam1", URI: "rtsp://cam1"}},
		},
	}
}

func (q *fakeQuery) Device(_ context.Context, id config.DeviceID) (*config.Device, error) {
	d, ok := q.devices[id]
	if !ok {
		return nil, &config.ErrDeviceUnknown{Device: id}
	}
	return d, nil
}

func (q *fakeQuery) Sources(_ context.Context, id config.DeviceID) ([]config.Source, error) {
	return q.sources[id], nil
}

func (q *fakeQuery) User(context.Context, config.UserName) (*config.User, error) {
	return nil, &config.ErrUserUnknown{}
}

func (q *fakeQuery) Authorized(context.Context, config.UserName, config.DeviceID, config.SourceID) (bool, error) {
	return false, nil
}

func (q *fakeQuery) ServerEndpoint(context.Context) (string, error) {
	return "localhost:9443", nil
}

func (q *fakeQuery) ServerTLS(context.Context) (*config.ServerTLS, error) {
	return &config.ServerTLS{}, nil
}

func (q *fakeQuery) TrustedClientCerts(context.Context) ([][]byte, error) {
	return nil, nil
}

// runClientGreeting drives the device half of the handshake over conn and
// returns the resulting ClientConfig.
func runClientGreeting(t *testing.T, conn net.Conn, deviceID string) wire.ClientConfig {
	t.Helper()
	framer := wire.NewFramer(conn, wire.DefaultMaxBodyBytes)

	_, body, err := wire.Encode(wire.TypeClientGreeting, wire.ClientGreetingBody{DeviceID: deviceID})
	if err != nil {
		t.Fatalf("encode greeting: %v", err)
	}
	if err := framer.WriteMessage(wire.TypeClientGreeting, body); err != nil {
		t.Fatalf("write greeting: %v", err)
	}

	tp, _, err := framer.ReadMessage()
	if err != nil {
		t.Fatalf("read server greeting: %v", err)
	}
	if tp != wire.TypeServerGreeting {
		t.Fatalf("expected ServerGreeting, got %s", tp)
	}

	if err := framer.WriteMessage(wire.TypeClientConfigRequest, nil); err != nil {
		t.Fatalf("write config request: %v", err)
	}

	tp, cfgBody, err := framer.ReadMessage()
	if err != nil {
		t.Fatalf("read config reply: %v", err)
	}
	if tp != wire.TypeClientConfigReply {
		t.Fatalf("expected ClientConfigReply, got %s", tp)
	}
	var cfg wire.ClientConfig
	if err := wire.Decode(cfgBody, &cfg); err != nil {
		t.Fatalf("decode config: %v", err)
	}

	if err := framer.WriteMessage(wire.TypeClientReady, nil); err != nil {
		t.Fatalf("write ready: %v", err)
	}

	return cfg
}

func TestServeSession_CompletesHandshake(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	cfg := newFakeQuery()
	registry := NewSessionRegistry()

	done := make(chan error, 1)
	go func() {
		s := NewServerSession(&fakeTLSConn{Conn: serverConn, commonName: "dev1"}, cfg, registry, nil)
		done <- s.Serve(context.Background())
	}()

	got := runClientGreeting(t, clientConn, "dev1")
	if len(got.Sources) != 1 || got.Sources[0].ID != "cam1" {
		t.Fatalf("unexpected sources in config reply: %+v", got.Sources)
	}
	if got.Dropbox.Token != "tok1" {
		t.Fatalf("expected cloud token tok1, got %q", got.Dropbox.Token)
	}

	sc, ok := registry.Find("dev1")
	if !ok {
		t.Fatalf("expected session context registered for dev1")
	}

	deadline := time.After(time.Second)
	for sc.Active() == nil {
		select {
		case <-deadline:
			t.Fatal("session never became active")
		case <-time.After(10 * time.Millisecond):
		}
	}

	clientConn.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Serve never returned after client closed")
	}
}

func TestFirstReaderJoined_RecordsDesireWhileOffline(t *testing.T) {
	registry := NewSessionRegistry()
	bridge := NewRestreamBridge(registry)

	// Device offline: FirstReaderJoined should just record the desire.
	bridge.FirstReaderJoined("dev1", "cam1", "rtmp://dst")

	sc := registry.Get("dev1")
	desired := sc.Desired()
	if len(desired) != 1 || desired[0].Source != "cam1" || desired[0].Dst != "rtmp://dst" {
		t.Fatalf("expected desired stream recorded, got %v", desired)
	}
}

func TestHandleStreamStatus_RetriesOnceAfterFailure(t *testing.T) {
	origDelay := StreamRetryDelay
	StreamRetryDelay = 20 * time.Millisecond
	defer func() { StreamRetryDelay = origDelay }()

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	cfg := newFakeQuery()
	registry := NewSessionRegistry()
	sc := registry.Get("dev1")
	sc.SetDesired("cam1", "rtmp://dst")

	go func() {
		s := NewServerSession(&fakeTLSConn{Conn: serverConn, commonName: "dev1"}, cfg, registry, nil)
		_ = s.Serve(context.Background())
	}()

	framer := wire.NewFramer(clientConn, wire.DefaultMaxBodyBytes)
	_, body, _ := wire.Encode(wire.TypeClientGreeting, wire.ClientGreetingBody{DeviceID: "dev1"})
	framer.WriteMessage(wire.TypeClientGreeting, body)
	framer.ReadMessage()
	framer.WriteMessage(wire.TypeClientConfigRequest, nil)
	framer.ReadMessage()
	framer.WriteMessage(wire.TypeClientReady, nil)

	// First RequestStream: the replay on connect.
	tp, _, err := framer.ReadMessage()
	if err != nil || tp != wire.TypeRequestStream {
		t.Fatalf("expected replayed RequestStream, got %s, err %v", tp, err)
	}

	// Report failure; expect exactly one retried RequestStream.
	_, statusBody, _ := wire.Encode(wire.TypeStreamStatus, wire.StreamStatusBody{SourceID: "cam1", Success: false})
	if err := framer.WriteMessage(wire.TypeStreamStatus, statusBody); err != nil {
		t.Fatalf("write status: %v", err)
	}

	tp, _, err = framer.ReadMessage()
	if err != nil {
		t.Fatalf("expected retried RequestStream, got error: %v", err)
	}
	if tp != wire.TypeRequestStream {
		t.Fatalf("expected retried RequestStream, got %s", tp)
	}
}

func TestReplayDesiredStreams_SendsRequestStreamOnReconnect(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	cfg := newFakeQuery()
	registry := NewSessionRegistry()
	sc := registry.Get("dev1")
	sc.SetDesired("s1", "rtmp://dst1")
	sc.SetDesired("s2", "rtmp://dst2")

	go func() {
		s := NewServerSession(&fakeTLSConn{Conn: serverConn, commonName: "dev1"}, cfg, registry, nil)
		_ = s.Serve(context.Background())
	}()

	framer := wire.NewFramer(clientConn, wire.DefaultMaxBodyBytes)

	_, body, _ := wire.Encode(wire.TypeClientGreeting, wire.ClientGreetingBody{DeviceID: "dev1"})
	framer.WriteMessage(wire.TypeClientGreeting, body)
	framer.ReadMessage() // ServerGreeting
	framer.WriteMessage(wire.TypeClientConfigRequest, nil)
	framer.ReadMessage() // ClientConfigReply
	framer.WriteMessage(wire.TypeClientReady, nil)

	// Requests must replay in the order they were originally desired: s1
	// before s2, regardless of map iteration order.
	wantOrder := []struct {
		source string
		dst    string
	}{
		{"s1", "rtmp://dst1"},
		{"s2", "rtmp://dst2"},
	}
	for _, want := range wantOrder {
		tp, reqBody, err := framer.ReadMessage()
		if err != nil {
			t.Fatalf("expected RequestStream after ready, got error: %v", err)
		}
		if tp != wire.TypeRequestStream {
			t.Fatalf("expected RequestStream, got %s", tp)
		}
		var req wire.RequestStreamBody
		if err := wire.Decode(reqBody, &req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.SourceID != want.source || req.Destination != want.dst {
			t.Fatalf("unexpected replayed request order: got %+v, want source %s dst %s", req, want.source, want.dst)
		}
	}
}

func TestServeSession_UnknownDeviceGoesIdleInsteadOfClosing(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	cfg := newFakeQuery()
	registry := NewSessionRegistry()

	done := make(chan error, 1)
	go func() {
		s := NewServerSession(&fakeTLSConn{Conn: serverConn, commonName: "ghost"}, cfg, registry, nil)
		done <- s.Serve(context.Background())
	}()

	framer := wire.NewFramer(clientConn, wire.DefaultMaxBodyBytes)
	_, body, _ := wire.Encode(wire.TypeClientGreeting, wire.ClientGreetingBody{DeviceID: "ghost"})
	if err := framer.WriteMessage(wire.TypeClientGreeting, body); err != nil {
		t.Fatalf("write greeting: %v", err)
	}

	readDone := make(chan struct{})
	go func() {
		framer.ReadMessage()
		close(readDone)
	}()
	select {
	case <-readDone:
		t.Fatal("server responded to an unrecognized device instead of going idle")
	case <-time.After(100 * time.Millisecond):
	}

	clientConn.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("idle session never returned after the peer closed")
	}
}

func TestServeSession_RefusesSecondSessionForActiveDevice(t *testing.T) {
	cfg := newFakeQuery()
	registry := NewSessionRegistry()

	serverConn1, clientConn1 := net.Pipe()
	defer clientConn1.Close()

	done1 := make(chan error, 1)
	go func() {
		s := NewServerSession(&fakeTLSConn{Conn: serverConn1, commonName: "dev1"}, cfg, registry, nil)
		done1 <- s.Serve(context.Background())
	}()
	runClientGreeting(t, clientConn1, "dev1")

	sc, ok := registry.Find("dev1")
	if !ok {
		t.Fatalf("expected session context registered for dev1")
	}
	deadline := time.After(time.Second)
	for sc.Active() == nil {
		select {
		case <-deadline:
			t.Fatal("first session never became active")
		case <-time.After(10 * time.Millisecond):
		}
	}

	serverConn2, clientConn2 := net.Pipe()
	defer clientConn2.Close()

	done2 := make(chan error, 1)
	go func() {
		s := NewServerSession(&fakeTLSConn{Conn: serverConn2, commonName: "dev1"}, cfg, registry, nil)
		done2 <- s.Serve(context.Background())
	}()

	framer2 := wire.NewFramer(clientConn2, wire.DefaultMaxBodyBytes)
	_, body, _ := wire.Encode(wire.TypeClientGreeting, wire.ClientGreetingBody{DeviceID: "dev1"})
	if err := framer2.WriteMessage(wire.TypeClientGreeting, body); err != nil {
		t.Fatalf("write greeting: %v", err)
	}

	readDone := make(chan struct{})
	go func() {
		framer2.ReadMessage()
		close(readDone)
	}()
	select {
	case <-readDone:
		t.Fatal("second connection was served while another session is active for the device")
	case <-time.After(100 * time.Millisecond):
	}

	clientConn2.Close()
	select {
	case <-done2:
	case <-time.After(time.Second):
		t.Fatal("idle second session never returned after its peer closed")
	}

	if sc.Active() == nil {
		t.Fatal("first session should still be active after the second connection was refused")
	}

	clientConn1.Close()
	select {
	case <-done1:
	case <-time.After(time.Second):
		t.Fatal("first session never returned after its peer closed")
	}
}

package deviceclient

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/RSATom/IpCamBox/internal/cloudapi"
	"github.com/RSATom/IpCamBox/internal/devicecore"
	"github.com/RSATom/IpCamBox/internal/logging"
	"github.com/RSATom/IpCamBox/internal/wire"
)

// genSelfSigned builds an in-memory self-signed cert/key pair, following
// the same pattern used to stand up local TLS listeners in tests.
func genSelfSigned(t *testing.T, cn string) (tls.Certificate, *x509.Certificate) {
	t.Helper()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	parsed, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		t.Fatalf("build key pair: %v", err)
	}
	return cert, parsed
}

func newTestClient(t *testing.T, serverAddr string, clientCert tls.Certificate, serverCert *x509.Certificate) *Client {
	t.Helper()
	pool := x509.NewCertPool()
	pool.AddCert(serverCert)

	log := logging.New()
	cloudClient := cloudapi.New("http://127.0.0.1:0", log)
	controller := devicecore.NewController(cloudClient, nil, nil, log)

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{clientCert},
		RootCAs:      pool,
		ServerName:   "localhost",
	}
	return New(serverAddr, "device-1", tlsCfg, controller, log)
}

// TestGreet_CompletesHandshakeAndAppliesConfig spins up a bare TLS listener
// playing the server's half of the greeting sequence and checks the device
// client applies the returned source list to its controller.
func TestGreet_CompletesHandshakeAndAppliesConfig(t *testing.T) {
	serverCert, serverX509 := genSelfSigned(t, "localhost")
	clientCert, _ := genSelfSigned(t, "device-1")

	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		ClientAuth:   tls.RequireAnyClientCert,
	})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- runFakeServer(ln)
	}()

	c := newTestClient(t, ln.Addr().String(), clientCert, serverX509)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// runOnce is expected to return once the fake server closes the
	// connection after the greeting sequence completes; any error at that
	// point (typically io.EOF from the closed conn) is not a test failure.
	_ = c.runOnce(ctx)

	select {
	case serverErr := <-serverDone:
		if serverErr != nil {
			t.Fatalf("fake server error: %v", serverErr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fake server never finished")
	}

	sources := c.Controller.Sources()
	if len(sources) != 1 || sources[0] != "cam1" {
		t.Fatalf("expected controller to have loaded source cam1, got %v", sources)
	}
}

// runFakeServer accepts one connection and plays exactly the greeting
// sequence a real ControlServer would, then closes.
func runFakeServer(ln net.Listener) error {
	conn, err := ln.Accept()
	if err != nil {
		return err
	}
	defer conn.Close()

	framer := wire.NewFramer(conn, wire.DefaultMaxBodyBytes)

	t, body, err := framer.ReadMessage()
	if err != nil {
		return err
	}
	if t != wire.TypeClientGreeting {
		return errUnexpected(t)
	}
	var greeting wire.ClientGreetingBody
	if err := wire.Decode(body, &greeting); err != nil {
		return err
	}

	_, replyBody, err := wire.Encode(wire.TypeServerGreeting, wire.ServerGreetingBody{ProtocolVersion: wire.ProtocolVersion})
	if err != nil {
		return err
	}
	if err := framer.WriteMessage(wire.TypeServerGreeting, replyBody); err != nil {
		return err
	}

	t, _, err = framer.ReadMessage()
	if err != nil {
		return err
	}
	if t != wire.TypeClientConfigRequest {
		return errUnexpected(t)
	}

	cfg := wire.ClientConfig{
		Sources: []wire.VideoSource{
			{ID: "cam1", URI: "rtsp://cam1", DropboxMaxStorage: 0},
		},
	}
	_, cfgBody, err := wire.Encode(wire.TypeClientConfigReply, cfg)
	if err != nil {
		return err
	}
	if err := framer.WriteMessage(wire.TypeClientConfigReply, cfgBody); err != nil {
		return err
	}

	t, _, err = framer.ReadMessage()
	if err != nil {
		return err
	}
	if t != wire.TypeClientReady {
		return errUnexpected(t)
	}

	return nil
}

func errUnexpected(t wire.MessageType) error {
	return wire.NewProtocolError("unexpected message type: " + t.String())
}

// TestRun_ResetsControllerBeforeReconnecting checks that a disconnect
// tears down the controller's loaded sources before Run arms its next
// reconnect attempt, rather than leaving the previous connection's state
// running unsupervised across the reconnect delay.
func TestRun_ResetsControllerBeforeReconnecting(t *testing.T) {
	serverCert, serverX509 := genSelfSigned(t, "localhost")
	clientCert, _ := genSelfSigned(t, "device-1")

	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		ClientAuth:   tls.RequireAnyClientCert,
	})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- runFakeServer(ln)
	}()

	c := newTestClient(t, ln.Addr().String(), clientCert, serverX509)
	c.Debug = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(runDone)
	}()

	select {
	case serverErr := <-serverDone:
		if serverErr != nil {
			t.Fatalf("fake server error: %v", serverErr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fake server never finished")
	}

	deadline := time.After(time.Second)
	for len(c.Controller.Sources()) != 0 {
		select {
		case <-deadline:
			t.Fatal("controller was not reset after the connection dropped")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-runDone:
	case <-time.After(time.Second):
		t.Fatal("Run never returned after context cancellation")
	}
}

package deviceclient

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
)

// Config is the device-side connection configuration assembled from the
// device's own certificate, its pinned device id, and the server it dials.
type Config struct {
	ServerAddr string
	DeviceID   string
	ClientCert tls.Certificate
	ServerCAs  *x509.CertPool
	Debug      bool
}

// Validate checks that the configured client certificate's subject
// commonName matches DeviceID, refusing to start otherwise. Grounded on
// DeviceBox's CertificateProvider pinning a device's certificate to the
// DeviceId it was issued out-of-band for.
func (c Config) Validate() error {
	if len(c.ClientCert.Certificate) == 0 {
		return fmt.Errorf("device client: no client certificate configured")
	}
	leaf, err := x509.ParseCertificate(c.ClientCert.Certificate[0])
	if err != nil {
		return fmt.Errorf("device client: parsing client certificate: %w", err)
	}
	if leaf.Subject.CommonName != c.DeviceID {
		return fmt.Errorf("device client: certificate commonName %q does not match configured device id %q",
			leaf.Subject.CommonName, c.DeviceID)
	}
	return nil
}

// TLSConfig builds the tls.Config New needs from this configuration.
func (c Config) TLSConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{c.ClientCert},
		RootCAs:      c.ServerCAs,
		MinVersion:   tls.VersionTLS12,
	}
}

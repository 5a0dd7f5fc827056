package server

import (
	"crypto/tls"
	"errors"
	"fmt"

	"github.com/emaforlin/ws-echo/config"
)

// ErrCertificate is returned when the TLS certificate or key cannot be used.
var ErrCertificate = errors.New("invalid TLS certificate")

// LoadCertificate loads the certificate chain and private key once. Missing
// or malformed files and a key that does not match the certificate are all
// reported as ErrCertificate.
func LoadCertificate(cfg config.TLSConfig) (tls.Certificate, error) {
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return tls.Certificate{}, fmt.Errorf("%w: certfile and keyfile must be specified", ErrCertificate)
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("%w: failed to load %s/%s: %w", ErrCertificate, cfg.CertFile, cfg.KeyFile, err)
	}
	return cert, nil
}

// ServerTLSConfig returns the TLS configuration used to terminate client
// connections. Only HTTP/1.1 is offered since the WebSocket upgrade needs it.
func ServerTLSConfig(cert tls.Certificate) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},
		NextProtos: []string{"http/1.1"},
	}
}

package conn

import (
	"crypto/x509"
	"fmt"
	"os"
	"sync/atomic"

	tls "github.com/Psiphon-Labs/psiphon-tls"

	"rconn/internal/log"
)

var tlsConfig atomic.Pointer[tls.Config]

// ConfigureTLS installs a new TLS context, atomically. On failure the
// previously installed context (if any) is left untouched -- new TLS
// connections keep using it. certFile/keyFile/caCertFile are required;
// dhParamsFile is optional and its contents are never used by this engine
// (no static-DH knob; ECDHE is negotiated automatically), but a non-empty
// path that cannot be stat'ed makes the call fail, see SPEC_FULL.md §6.
func ConfigureTLS(certFile, keyFile, caCertFile, dhParamsFile string) error {
	if certFile == "" {
		return fmt.Errorf("tls: no certificate file configured")
	}
	if keyFile == "" {
		return fmt.Errorf("tls: no private key file configured")
	}
	if caCertFile == "" {
		return fmt.Errorf("tls: no CA certificate file configured")
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		log.Warn("tls: failed to load certificate %s: %v", certFile, err)
		return fmt.Errorf("load certificate: %w", err)
	}

	caBytes, err := os.ReadFile(caCertFile)
	if err != nil {
		log.Warn("tls: failed to load CA certificate(s) file %s: %v", caCertFile, err)
		return fmt.Errorf("read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caBytes) {
		return fmt.Errorf("tls: no certificates found in %s", caCertFile)
	}

	if dhParamsFile != "" {
		if _, err := os.Stat(dhParamsFile); err != nil {
			log.Warn("tls: %s: %v (static DH params are not used by this engine)", dhParamsFile, err)
			return fmt.Errorf("dh params file: %w", err)
		}
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
	}

	tlsConfig.Store(cfg)
	return nil
}

func currentTLSConfig() (*tls.Config, error) {
	cfg := tlsConfig.Load()
	if cfg == nil {
		return nil, fmt.Errorf("tls: not configured, call ConfigureTLS first")
	}
	return cfg, nil
}

// clientConfigForHost clones the shared config with ServerName set to host.
// The shared config deliberately carries no ServerName of its own -- it is
// one config serving every outbound connection, each to a different peer --
// so every client handshake needs its own clone: without ServerName (or
// InsecureSkipVerify, which this engine never sets) the TLS client hello
// can't be built, and certificate verification against RootCAs has no
// hostname to check the leaf certificate against either.
func clientConfigForHost(host string) (*tls.Config, error) {
	cfg, err := currentTLSConfig()
	if err != nil {
		return nil, err
	}
	clone := cfg.Clone()
	clone.ServerName = host
	return clone, nil
}

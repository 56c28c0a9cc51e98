package p2p

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
)

var (
	ErrInvalidSecurityMode     = errors.New("p2p: invalid security mode")
	ErrTLSRequired             = errors.New("p2p: tls required")
	ErrMTLSRequired            = errors.New("p2p: mtls required")
	ErrTLSCertFileRequired     = errors.New("p2p: tls cert file required")
	ErrTLSKeyFileRequired      = errors.New("p2p: tls key file required")
	ErrTLSCAFileRequired       = errors.New("p2p: tls ca file required")
	ErrTLSInsecureSkipNotAllow = errors.New("p2p: insecure skip verify not allowed")
)

func NormalizeSecurityMode(mode SecurityMode) SecurityMode {
	if strings.TrimSpace(string(mode)) == "" {
		return SecurityModeDevelopment
	}
	return SecurityMode(strings.ToLower(strings.TrimSpace(string(mode))))
}

type endpointRole int

const (
	roleDialer endpointRole = iota
	roleListener
)

// ValidateClientTransport checks the dialing side. Production requires mTLS
// with verification on.
func (c Config) ValidateClientTransport() error {
	return c.validateTransport(roleDialer)
}

// ValidateServerTransport checks the accepting side.
func (c Config) ValidateServerTransport() error {
	return c.validateTransport(roleListener)
}

func (c Config) validateTransport(role endpointRole) error {
	t := c.TLS
	switch NormalizeSecurityMode(c.SecurityMode) {
	case SecurityModeDevelopment:
	case SecurityModeProduction:
		switch {
		case !t.Enabled:
			return ErrTLSRequired
		case !t.Mutual:
			return ErrMTLSRequired
		case role == roleDialer && t.InsecureSkipVerify:
			return ErrTLSInsecureSkipNotAllow
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidSecurityMode, c.SecurityMode)
	}
	if t.Mutual && !t.Enabled {
		return ErrTLSRequired
	}

	// Dialers present a cert only for mTLS; listeners always present one.
	needCert := t.Mutual
	needCA := t.Mutual
	if role == roleDialer {
		needCA = t.Enabled && !t.InsecureSkipVerify
	} else {
		needCert = t.Enabled
	}
	if needCert {
		if blank(t.CertFile) {
			return ErrTLSCertFileRequired
		}
		if blank(t.KeyFile) {
			return ErrTLSKeyFileRequired
		}
	}
	if needCA && blank(t.CAFile) {
		return ErrTLSCAFileRequired
	}
	return nil
}

func blank(s string) bool { return strings.TrimSpace(s) == "" }

// ClientTLSConfig builds the dialer TLS config for addr. ServerName falls
// back to the host part of addr.
func (c Config) ClientTLSConfig(addr string) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.TLS.InsecureSkipVerify,
	}

	serverName := strings.TrimSpace(c.TLS.ServerName)
	if serverName == "" {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		serverName = host
	}
	cfg.ServerName = serverName

	if caPath := strings.TrimSpace(c.TLS.CAFile); caPath != "" {
		pool, err := loadCertPool(caPath)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}

	if c.TLS.Mutual {
		cert, err := tls.LoadX509KeyPair(c.TLS.CertFile, c.TLS.KeyFile)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// ServerTLSConfig builds the listener TLS config. Mutual or production mode
// requires verified client certificates.
func (c Config) ServerTLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(c.TLS.CertFile, c.TLS.KeyFile)
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.NoClientCert,
	}

	if c.TLS.Mutual || NormalizeSecurityMode(c.SecurityMode) == SecurityModeProduction {
		pool, err := loadCertPool(c.TLS.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
		cfg.ClientCAs = pool
	}
	return cfg, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	caPEM, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if ok := pool.AppendCertsFromPEM(caPEM); !ok {
		return nil, fmt.Errorf("p2p: parse tls ca bundle: %s", path)
	}
	return pool, nil
}

// Package tlstransport builds the mutually authenticated TLS 1.2+
// listeners and dialers of spec.md §4.2, including the optional
// peer-subject whitelist/blacklist policy.
//
// crypto/tls and crypto/x509 (stdlib) are used directly: none of the
// example repos in the retrieval pack layer a third-party wrapper over
// Go's TLS stack for mutual authentication, and crypto/tls is the
// canonical implementation of this concern in the Go ecosystem. See
// DESIGN.md.
package tlstransport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"

	"github.com/roversun/latcheck/pkg/errs"
)

// PeerPolicy selects how a server-side listener treats a peer
// certificate's Common Name, per spec.md §4.2. The two modes are
// mutually exclusive.
type PeerPolicy int

const (
	PolicyNone PeerPolicy = iota
	PolicyWhitelist
	PolicyBlacklist
)

// ServerConfig loads the material a server-side listener needs.
type ServerConfig struct {
	CertFile          string
	KeyFile           string
	CAFile            string
	RequireClientCert bool
	Policy            PeerPolicy
	PolicyFile        string // one CN per line
}

// ClientConfig loads the material a client-side dialer needs.
type ClientConfig struct {
	CertFile           string
	KeyFile            string
	CAFile             string
	IgnoreSSLErrors    bool
	ServerNameOverride string
}

func loadCAPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.TlsError, fmt.Errorf("reading CA file: %w", err))
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errs.New(errs.TlsError, "no certificates found in CA file")
	}
	return pool, nil
}

func loadSubjectSet(path string) (map[string]struct{}, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.ConfigError, fmt.Errorf("reading subject policy file: %w", err))
	}
	set := make(map[string]struct{})
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		set[line] = struct{}{}
	}
	return set, nil
}

// NewServerTLSConfig builds a *tls.Config enforcing spec.md §4.2's
// TLS-1.2-floor, mutual authentication and peer-subject policy.
func NewServerTLSConfig(cfg ServerConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, errs.Wrap(errs.TlsError, fmt.Errorf("loading server keypair: %w", err))
	}

	caPool, err := loadCAPool(cfg.CAFile)
	if err != nil {
		return nil, err
	}

	subjects, err := loadSubjectSet(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}
	if cfg.Policy != PolicyNone && subjects == nil {
		return nil, errs.New(errs.ConfigError, "peer subject policy enabled with no policy file")
	}

	clientAuth := tls.VerifyClientCertIfGiven
	if cfg.RequireClientCert {
		clientAuth = tls.RequireAndVerifyClientCert
	}

	tlsCfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		ClientCAs:    caPool,
		ClientAuth:   clientAuth,
	}

	if cfg.Policy != PolicyNone {
		tlsCfg.VerifyPeerCertificate = func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
			if len(verifiedChains) == 0 || len(verifiedChains[0]) == 0 {
				if cfg.RequireClientCert {
					return errs.New(errs.TlsError, "no verified peer chain")
				}
				return nil
			}
			cn := verifiedChains[0][0].Subject.CommonName
			_, present := subjects[cn]
			switch cfg.Policy {
			case PolicyWhitelist:
				if !present {
					return errs.New(errs.TlsError, fmt.Sprintf("peer CN %q not in whitelist", cn))
				}
			case PolicyBlacklist:
				if present {
					return errs.New(errs.TlsError, fmt.Sprintf("peer CN %q is blacklisted", cn))
				}
			}
			return nil
		}
	}

	return tlsCfg, nil
}

// NewClientTLSConfig builds a *tls.Config for the probing client's
// dialer: it always presents the embedded client certificate and
// verifies the server chain against the CA, tolerating hostname
// mismatch per spec.md §4.2. IgnoreSSLErrors additionally skips chain
// verification — spec.md §9 flags the interaction between this and
// RequireClientCert on the server side as an open question; this
// function does not attempt to resolve it, it only implements the
// client's own knob.
func NewClientTLSConfig(cfg ClientConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, errs.Wrap(errs.TlsError, fmt.Errorf("loading client keypair: %w", err))
	}

	tlsCfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		Certificates:       []tls.Certificate{cert},
		ServerName:         cfg.ServerNameOverride,
		InsecureSkipVerify: cfg.IgnoreSSLErrors,
	}

	if !cfg.IgnoreSSLErrors {
		caPool, err := loadCAPool(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		tlsCfg.RootCAs = caPool
		// Hostname mismatch is tolerated per spec.md §4.2: verify the
		// chain manually against the CA pool without SNI/hostname checks.
		tlsCfg.InsecureSkipVerify = true
		tlsCfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			return verifyChainIgnoringHostname(rawCerts, caPool)
		}
	}

	return tlsCfg, nil
}

func verifyChainIgnoringHostname(rawCerts [][]byte, roots *x509.CertPool) error {
	if len(rawCerts) == 0 {
		return errs.New(errs.TlsError, "no peer certificate presented")
	}
	leaf, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return errs.Wrap(errs.TlsError, err)
	}
	intermediates := x509.NewCertPool()
	for _, raw := range rawCerts[1:] {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			continue
		}
		intermediates.AddCert(cert)
	}
	_, err = leaf.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	if err != nil {
		return errs.Wrap(errs.TlsError, err)
	}
	return nil
}

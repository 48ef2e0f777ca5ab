package dispatcher

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/roversun/latcheck/pkg/errs"
	"github.com/roversun/latcheck/pkg/models"
	"github.com/roversun/latcheck/pkg/session"
)

func selfSignedServerConfig(t *testing.T) *tls.Config {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IsCA:         true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("creating certificate: %v", err)
	}
	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}
}

// blockingAuth never succeeds; sessions using it just sit reading from
// their connection until closed, which is enough to occupy a dispatcher
// slot for the duration of a test.
type blockingAuth struct{}

func (blockingAuth) Authenticate(context.Context, string, string, string) (string, models.Role, error) {
	return "", "", errs.New(errs.InvalidPassword, "test double never authenticates")
}
func (blockingAuth) Revoke(string) {}

type noServers struct{}

func (noServers) GetActiveServers(context.Context) ([]models.TestServer, error) { return nil, nil }

type noReports struct{}

func (noReports) CreateReport(context.Context, *models.Report, []models.ReportRecord) (int64, error) {
	return 0, nil
}

func testSessionFactory(conn net.Conn, cfg session.Config) *session.Session {
	return session.New(conn, cfg, blockingAuth{}, noServers{}, noReports{})
}

func startDispatcher(t *testing.T, maxConnections int) (addr string, cancel context.CancelFunc) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	d := New(listener, selfSignedServerConfig(t), Config{
		MaxConnections: maxConnections,
		AuthTimeout:    time.Minute,
		IdleTimeout:    time.Minute,
	}, testSessionFactory)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = d.Serve(ctx) }()

	return listener.Addr().String(), cancel
}

func TestDispatcherRejectsConnectionsOverCap(t *testing.T) {
	addr, cancel := startDispatcher(t, 1)
	defer cancel()

	clientCfg := &tls.Config{InsecureSkipVerify: true}

	first, err := tls.Dial("tcp", addr, clientCfg)
	if err != nil {
		t.Fatalf("first dial: %v", err)
	}
	defer first.Close()

	// Give the dispatcher's accept goroutine time to complete the
	// handshake and register the slot before the second dial races it.
	time.Sleep(100 * time.Millisecond)

	second, err := tls.Dial("tcp", addr, clientCfg)
	if err == nil {
		buf := make([]byte, 1)
		_, readErr := second.Read(buf)
		second.Close()
		if readErr == nil {
			t.Fatalf("expected the over-cap connection to be closed by the dispatcher")
		}
		return
	}
	// A dial-level failure (handshake never completes because the
	// dispatcher closed the raw TCP conn first) also satisfies the cap.
}

func TestDispatcherAcceptsWithinCap(t *testing.T) {
	addr, cancel := startDispatcher(t, 2)
	defer cancel()

	clientCfg := &tls.Config{InsecureSkipVerify: true}

	first, err := tls.Dial("tcp", addr, clientCfg)
	if err != nil {
		t.Fatalf("first dial: %v", err)
	}
	defer first.Close()

	second, err := tls.Dial("tcp", addr, clientCfg)
	if err != nil {
		t.Fatalf("second dial within cap should succeed: %v", err)
	}
	defer second.Close()
}

package server

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/olla-mesh/streamrouter/internal/config"
	"github.com/olla-mesh/streamrouter/internal/domain"
	"github.com/olla-mesh/streamrouter/internal/logger"
)

func testLogger() *logger.StyledLogger {
	return logger.NewStyledLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

type recordingDispatcher struct {
	got chan *domain.Envelope
}

func (r *recordingDispatcher) Dispatch(_ context.Context, env *domain.Envelope) {
	r.got <- env
}

func freePort(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return uint16(ln.Addr().(*net.TCPAddr).Port)
}

func TestAcceptor_PlaintextDispatchesEnvelope(t *testing.T) {
	disp := &recordingDispatcher{got: make(chan *domain.Envelope, 1)}
	cfg := config.ServerConfig{IP: "127.0.0.1", Port: freePort(t), DstName: "/svc/echo"}
	a, err := New("router-a", cfg, disp, testLogger())
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()

	conn, err := net.Dial("tcp", net.JoinHostPort(cfg.IP, itoa(cfg.Port)))
	require.NoError(t, err)
	defer conn.Close()

	select {
	case env := <-disp.got:
		require.Equal(t, "/svc/echo", env.DstName)
		require.Equal(t, "router-a", env.RouterName)
		require.NotEmpty(t, env.ConnID)
	case <-time.After(2 * time.Second):
		t.Fatal("envelope never dispatched")
	}
}

func TestAcceptor_BackpressureDefersAcceptUntilSlotReleased(t *testing.T) {
	disp := &recordingDispatcher{got: make(chan *domain.Envelope, 2)}
	cfg := config.ServerConfig{IP: "127.0.0.1", Port: freePort(t), DstName: "/svc/echo", MaxInFlight: 1}
	a, err := New("router-a", cfg, disp, testLogger())
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()

	addr := net.JoinHostPort(cfg.IP, itoa(cfg.Port))

	first, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer first.Close()

	var firstEnv *domain.Envelope
	select {
	case firstEnv = <-disp.got:
	case <-time.After(2 * time.Second):
		t.Fatal("first envelope never dispatched")
	}

	second, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer second.Close()

	select {
	case <-disp.got:
		t.Fatal("second connection dispatched before the first slot was released")
	case <-time.After(200 * time.Millisecond):
	}

	firstEnv.Done()

	select {
	case <-disp.got:
	case <-time.After(2 * time.Second):
		t.Fatal("second envelope never dispatched after slot release")
	}
}

func TestAcceptor_BindFailureIsAnError(t *testing.T) {
	port := freePort(t)
	blocker, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", itoa(port)))
	require.NoError(t, err)
	defer blocker.Close()

	disp := &recordingDispatcher{got: make(chan *domain.Envelope, 1)}
	a, err := New("router-a", config.ServerConfig{IP: "127.0.0.1", Port: port}, disp, testLogger())
	require.NoError(t, err)
	require.Error(t, a.Start(context.Background()))
}

func TestAcceptor_TLSHandshakeNegotiatesSNI(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeSelfSignedCert(t, dir, "svc.internal")

	cfg := config.ServerConfig{
		IP:   "127.0.0.1",
		Port: freePort(t),
		TLS: &config.TLSServerConfig{
			DefaultIdentity: config.TLSIdentity{PrivateKey: keyPath, Certs: []string{certPath}},
		},
	}

	disp := &recordingDispatcher{got: make(chan *domain.Envelope, 1)}
	a, err := New("router-a", cfg, disp, testLogger())
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()

	conn, err := tls.Dial("tcp", net.JoinHostPort(cfg.IP, itoa(cfg.Port)), &tls.Config{
		ServerName:         "svc.internal",
		InsecureSkipVerify: true,
	})
	require.NoError(t, err)
	defer conn.Close()

	select {
	case env := <-disp.got:
		require.Equal(t, "svc.internal", env.NegotiatedSNI)
	case <-time.After(2 * time.Second):
		t.Fatal("envelope never dispatched")
	}
}

func TestLoadIdentity_MissingFilesErrors(t *testing.T) {
	_, err := loadIdentity(config.TLSIdentity{})
	require.Error(t, err)
}

func TestNew_TLSBlockWithNoIdentitiesFailsToBind(t *testing.T) {
	cfg := config.ServerConfig{
		IP:   "127.0.0.1",
		Port: freePort(t),
		TLS:  &config.TLSServerConfig{},
	}
	disp := &recordingDispatcher{got: make(chan *domain.Envelope, 1)}
	_, err := New("router-a", cfg, disp, testLogger())
	require.Error(t, err)
}

func itoa(p uint16) string {
	return strconv.Itoa(int(p))
}

func writeSelfSignedCert(t *testing.T, dir, dnsName string) (certPath, keyPath string) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: dnsName},
		DNSNames:     []string{dnsName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(t, err)

	certPath = filepath.Join(dir, "cert.pem")
	keyPath = filepath.Join(dir, "key.pem")

	certOut, err := os.Create(certPath)
	require.NoError(t, err)
	require.NoError(t, pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: der}))
	require.NoError(t, certOut.Close())

	keyBytes, err := x509.MarshalECPrivateKey(priv)
	require.NoError(t, err)
	keyOut, err := os.Create(keyPath)
	require.NoError(t, err)
	require.NoError(t, pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes}))
	require.NoError(t, keyOut.Close())

	return certPath, keyPath
}

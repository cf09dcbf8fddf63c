package grpcadmin

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"testing"
	"time"
)

// generateSelfSignedCert returns temp file paths for a short-lived
// self-signed cert/key, adapted from the teacher's main_test.go helper.
func generateSelfSignedCert(t *testing.T) (certFile, keyFile string) {
	t.Helper()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey: %v", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatalf("rand.Int: %v", err)
	}

	now := time.Now()
	tmpl := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(2 * time.Hour),
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}

	certOut, err := os.CreateTemp("", "eventstore-cert-*.pem")
	if err != nil {
		t.Fatalf("CreateTemp cert: %v", err)
	}
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: derBytes}); err != nil {
		t.Fatalf("encode cert: %v", err)
	}
	_ = certOut.Close()

	keyOut, err := os.CreateTemp("", "eventstore-key-*.pem")
	if err != nil {
		t.Fatalf("CreateTemp key: %v", err)
	}
	if err := pem.Encode(keyOut, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)}); err != nil {
		t.Fatalf("encode key: %v", err)
	}
	_ = keyOut.Close()

	return certOut.Name(), keyOut.Name()
}

func TestNewFailsWithBadPaths(t *testing.T) {
	if _, err := New(TLSConfig{ServerCertPath: "missing", ServerKeyPath: "missing", ClientCAPath: "missing"}, nil); err == nil {
		t.Fatal("expected error for missing certificate files")
	}
}

func TestNewSucceedsWithSelfSignedCert(t *testing.T) {
	certFile, keyFile := generateSelfSignedCert(t)
	defer os.Remove(certFile)
	defer os.Remove(keyFile)

	server, err := New(TLSConfig{ServerCertPath: certFile, ServerKeyPath: keyFile, ClientCAPath: certFile}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if server == nil {
		t.Fatal("expected non-nil server")
	}
}

func TestCertStoreReloadSwapsConfigAtomically(t *testing.T) {
	certFile, keyFile := generateSelfSignedCert(t)
	defer os.Remove(certFile)
	defer os.Remove(keyFile)

	store, err := newCertStore(TLSConfig{ServerCertPath: certFile, ServerKeyPath: keyFile, ClientCAPath: certFile})
	if err != nil {
		t.Fatalf("newCertStore: %v", err)
	}
	before := store.current.Load()
	if before == nil {
		t.Fatal("expected an initial tls config to be loaded")
	}
	if err := store.reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	after := store.current.Load()
	if after == before {
		t.Fatal("expected reload to install a new tls.Config value")
	}
	if len(after.Certificates) != 1 {
		t.Fatalf("expected the reloaded config to carry one certificate, got %d", len(after.Certificates))
	}
}

func TestSetServingStatusDoesNotPanic(t *testing.T) {
	certFile, keyFile := generateSelfSignedCert(t)
	defer os.Remove(certFile)
	defer os.Remove(keyFile)

	server, err := New(TLSConfig{ServerCertPath: certFile, ServerKeyPath: keyFile, ClientCAPath: certFile}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	server.SetServingStatus("tenant-a", true)
	server.SetServingStatus("tenant-a", false)
}

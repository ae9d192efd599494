package tls

import (
	"crypto/tls"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writePair(t *testing.T, dir, name string, hosts ...string) (certFile, keyFile string) {
	t.Helper()
	certFile = filepath.Join(dir, name+".crt")
	keyFile = filepath.Join(dir, name+".key")
	if err := GenerateAndSave(hosts, time.Hour, certFile, keyFile); err != nil {
		t.Fatalf("GenerateAndSave() failed: %v", err)
	}
	return certFile, keyFile
}

func TestServerConfigDisabled(t *testing.T) {
	cfg, err := ServerConfig(Config{})
	if err != nil {
		t.Fatalf("ServerConfig() error = %v", err)
	}
	if cfg != nil {
		t.Error("expected nil config when TLS is disabled")
	}
}

func TestServerConfigAutoGenerate(t *testing.T) {
	cfg, err := ServerConfig(Config{AutoGenerate: true, Hosts: []string{"localhost", "127.0.0.1"}})
	if err != nil {
		t.Fatalf("ServerConfig() error = %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Fatalf("Certificates = %d, want 1", len(cfg.Certificates))
	}
	if cfg.MinVersion != tls.VersionTLS12 {
		t.Errorf("MinVersion = %d, want TLS 1.2", cfg.MinVersion)
	}
	if cfg.ClientAuth != tls.NoClientCert {
		t.Errorf("ClientAuth = %v, want NoClientCert", cfg.ClientAuth)
	}
}

func TestServerConfigIncompletePair(t *testing.T) {
	_, err := ServerConfig(Config{CertFile: "/tmp/only.crt"})
	if !errors.Is(err, ErrIncompleteKeyPair) {
		t.Errorf("error = %v, want ErrIncompleteKeyPair", err)
	}
}

func TestServerConfigClientAuth(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writePair(t, dir, "server", "localhost")

	cfg, err := ServerConfig(Config{CertFile: certFile, KeyFile: keyFile, CAFile: certFile})
	if err != nil {
		t.Fatalf("ServerConfig() error = %v", err)
	}
	if cfg.ClientAuth != tls.VerifyClientCertIfGiven {
		t.Errorf("ClientAuth = %v, want VerifyClientCertIfGiven", cfg.ClientAuth)
	}

	cfg, err = ServerConfig(Config{CertFile: certFile, KeyFile: keyFile, CAFile: certFile, RequireClientCert: true})
	if err != nil {
		t.Fatalf("ServerConfig() error = %v", err)
	}
	if cfg.ClientAuth != tls.RequireAndVerifyClientCert {
		t.Errorf("ClientAuth = %v, want RequireAndVerifyClientCert", cfg.ClientAuth)
	}

	_, err = ServerConfig(Config{CertFile: certFile, KeyFile: keyFile, RequireClientCert: true})
	if !errors.Is(err, ErrClientCAMissing) {
		t.Errorf("error = %v, want ErrClientCAMissing", err)
	}
}

func TestLoadCAPoolInvalid(t *testing.T) {
	if _, err := LoadCAPool(filepath.Join(t.TempDir(), "missing.crt")); err == nil {
		t.Error("expected error for missing file")
	}

	bad := filepath.Join(t.TempDir(), "bad.crt")
	if err := os.WriteFile(bad, []byte("not a certificate"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadCAPool(bad); err == nil {
		t.Error("expected error for invalid PEM")
	}
}

func TestInspect(t *testing.T) {
	certFile, _ := writePair(t, t.TempDir(), "node", "arbiter.example.net", "10.0.0.5")

	info, err := Inspect(certFile)
	if err != nil {
		t.Fatalf("Inspect() error = %v", err)
	}
	if len(info.DNSNames) != 1 || info.DNSNames[0] != "arbiter.example.net" {
		t.Errorf("DNSNames = %v", info.DNSNames)
	}
	if len(info.IPAddresses) != 1 || info.IPAddresses[0] != "10.0.0.5" {
		t.Errorf("IPAddresses = %v", info.IPAddresses)
	}
	if left := info.ExpiresIn(time.Now()); left <= 0 || left > time.Hour+time.Minute {
		t.Errorf("ExpiresIn = %v, want about an hour", left)
	}
}

func TestMutualTLSHandshake(t *testing.T) {
	dir := t.TempDir()
	serverCert, serverKey := writePair(t, dir, "server", "127.0.0.1")
	clientCert, clientKey := writePair(t, dir, "operator")

	serverCfg, err := ServerConfig(Config{
		CertFile:          serverCert,
		KeyFile:           serverKey,
		CAFile:            clientCert,
		RequireClientCert: true,
	})
	if err != nil {
		t.Fatalf("ServerConfig() error = %v", err)
	}

	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	srv.TLS = serverCfg
	srv.StartTLS()
	defer srv.Close()

	clientCfg, err := ClientConfig(serverCert, clientCert, clientKey)
	if err != nil {
		t.Fatalf("ClientConfig() error = %v", err)
	}
	client := &http.Client{Transport: &http.Transport{TLSClientConfig: clientCfg}}

	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET with client certificate failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	anonymous, err := ClientConfig(serverCert, "", "")
	if err != nil {
		t.Fatalf("ClientConfig() error = %v", err)
	}
	client = &http.Client{Transport: &http.Transport{TLSClientConfig: anonymous}}
	if resp, err := client.Get(srv.URL); err == nil {
		resp.Body.Close()
		t.Error("expected handshake failure without a client certificate")
	}
}

package security

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestResolveSecret(t *testing.T) {
	t.Setenv("TEST_SECRET", "test-value")

	secretFile := filepath.Join(t.TempDir(), "secret.txt")
	if err := os.WriteFile(secretFile, []byte("file-secret\n"), 0600); err != nil {
		t.Fatalf("Failed to create secret file: %v", err)
	}

	tests := []struct {
		ref     string
		want    string
		wantErr bool
	}{
		{"env:TEST_SECRET", "test-value", false},
		{"plain-secret", "plain-secret", false},
		{"", "", false},
		{"file:" + secretFile, "file-secret", false},
		{"env:PINGWATCH_NONEXISTENT_VAR", "", true},
		{"file:" + filepath.Join(t.TempDir(), "missing"), "", true},
	}

	for _, tt := range tests {
		got, err := ResolveSecret(tt.ref)
		if (err != nil) != tt.wantErr {
			t.Errorf("ResolveSecret(%q) error = %v, wantErr %v", tt.ref, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ResolveSecret(%q) = %q, want %q", tt.ref, got, tt.want)
		}
	}
}

func TestValidateHostPort(t *testing.T) {
	tests := []struct {
		addr  string
		valid bool
	}{
		{"localhost:9092", true},
		{"10.0.0.1:9093", true},
		{"[::1]:9092", true},
		{"kafka:0", false},
		{"kafka:65536", false},
		{"kafka", false},
		{":9092", false},
		{"kafka:abc", false},
	}

	for _, tt := range tests {
		err := ValidateHostPort(tt.addr)
		if (err == nil) != tt.valid {
			t.Errorf("ValidateHostPort(%q) = %v, want valid=%v", tt.addr, err, tt.valid)
		}
	}
}

func TestRedact(t *testing.T) {
	fields := map[string]string{
		"sasl_username": "agent",
		"sasl_password": "hunter2",
		"api_key":       "abc",
		"cloud_id":      "",
		"password":      "",
	}

	got := Redact(fields)
	if got["sasl_username"] != "agent" {
		t.Errorf("username should not be redacted, got %q", got["sasl_username"])
	}
	if got["sasl_password"] != "***REDACTED***" || got["api_key"] != "***REDACTED***" {
		t.Errorf("credentials not redacted: %v", got)
	}
	if got["password"] != "" {
		t.Errorf("empty credential should stay empty, got %q", got["password"])
	}
	if fields["sasl_password"] != "hunter2" {
		t.Error("Redact modified its input")
	}
}

func writeCertPair(t *testing.T, dir string) (certFile, keyFile string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "pingwatch-test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}

	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0600); err != nil {
		t.Fatal(err)
	}
	return certFile, keyFile
}

func TestLoadTLSConfig(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := writeCertPair(t, dir)

	if cfg, err := LoadTLSConfig(nil); cfg != nil || err != nil {
		t.Errorf("LoadTLSConfig(nil) = %v, %v", cfg, err)
	}
	if cfg, err := LoadTLSConfig(&TLSConfig{CAFile: certFile}); cfg != nil || err != nil {
		t.Errorf("disabled config = %v, %v", cfg, err)
	}

	cfg, err := LoadTLSConfig(&TLSConfig{
		Enabled:  true,
		CAFile:   certFile,
		CertFile: certFile,
		KeyFile:  keyFile,
	})
	if err != nil {
		t.Fatalf("LoadTLSConfig() error = %v", err)
	}
	if cfg.MinVersion != tls.VersionTLS12 {
		t.Errorf("MinVersion = %x, want TLS 1.2", cfg.MinVersion)
	}
	if cfg.RootCAs == nil || len(cfg.Certificates) != 1 {
		t.Error("Expected CA pool and client certificate")
	}

	bad := filepath.Join(dir, "bad.pem")
	os.WriteFile(bad, []byte("not a certificate"), 0600)

	errorCases := []TLSConfig{
		{Enabled: true, CAFile: bad},
		{Enabled: true, CAFile: filepath.Join(dir, "missing.pem")},
		{Enabled: true, CertFile: certFile},
		{Enabled: true, CertFile: bad, KeyFile: keyFile},
	}
	for i, tc := range errorCases {
		tc := tc
		if _, err := LoadTLSConfig(&tc); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
}

package tlsconfig

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"

	"github.com/shellus/tailexplorer/internal/config"
)

func TestSetupDisabled(t *testing.T) {
	cfg, err := Setup(config.ServerConfig{Listen: ":8080"})
	if err != nil || cfg != nil {
		t.Fatalf("expected nil config for disabled TLS, got %v, %v", cfg, err)
	}
	cfg, err = Setup(config.ServerConfig{TLS: &config.TLSConfig{Enabled: false}})
	if err != nil || cfg != nil {
		t.Fatalf("expected nil config for disabled TLS, got %v, %v", cfg, err)
	}
}

func TestSetupRequiresCertSource(t *testing.T) {
	_, err := Setup(config.ServerConfig{TLS: &config.TLSConfig{Enabled: true}})
	if err == nil {
		t.Fatal("expected error when neither files nor dir are configured")
	}
}

func TestAutoGenerateAndLoad(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Setup(config.ServerConfig{TLS: Dev(dir)})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if cfg == nil || cfg.GetCertificate == nil {
		t.Fatal("expected a TLS config with a certificate loader")
	}
	if cfg.MinVersion != tls.VersionTLS13 {
		t.Fatalf("expected TLS 1.3 default, got %x", cfg.MinVersion)
	}

	for _, name := range []string{tlsCrt, tlsKey, tlsCaCrt} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("expected generated %s: %v", name, err)
		}
	}

	cert, err := cfg.GetCertificate(nil)
	if err != nil {
		t.Fatalf("load certificate: %v", err)
	}
	if cert == nil || len(cert.Certificate) == 0 {
		t.Fatal("expected a loaded certificate")
	}

	// Second setup reuses the existing pair instead of regenerating.
	before, err := os.ReadFile(filepath.Join(dir, tlsCrt))
	if err != nil {
		t.Fatalf("read cert: %v", err)
	}
	if _, err := Setup(config.ServerConfig{TLS: Dev(dir)}); err != nil {
		t.Fatalf("second setup: %v", err)
	}
	after, err := os.ReadFile(filepath.Join(dir, tlsCrt))
	if err != nil {
		t.Fatalf("re-read cert: %v", err)
	}
	if string(before) != string(after) {
		t.Error("existing certificate should not be regenerated")
	}
}

func TestVersionParsing(t *testing.T) {
	dir := t.TempDir()
	tc := Dev(dir)
	tc.MinVersion = "1.2"
	tc.MaxVersion = "1.3"
	cfg, err := Setup(config.ServerConfig{TLS: tc})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if cfg.MinVersion != tls.VersionTLS12 || cfg.MaxVersion != tls.VersionTLS13 {
		t.Fatalf("unexpected versions: min %x max %x", cfg.MinVersion, cfg.MaxVersion)
	}
}

func TestSafeReadFileRejectsEscape(t *testing.T) {
	dir := t.TempDir()
	outside := filepath.Join(t.TempDir(), "other.pem")
	if err := os.WriteFile(outside, []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := safeReadFile(dir, outside); err == nil {
		t.Fatal("expected error for a path outside the base directory")
	}
}

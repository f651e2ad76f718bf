package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTestConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "acmexds.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTestConfig(t, `
[meta]
storage_dir = "/var/lib/acmexds"
socket_path = "/run/acmexds/xds.sock"

[[certificates]]
name = "a"
domains = ["a.test"]
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Meta.AcmeDirectoryURL != DefaultAcmeDirectoryURL {
		t.Errorf("AcmeDirectoryURL = %q, want default", cfg.Meta.AcmeDirectoryURL)
	}
	if cfg.Meta.AcmeChallengePort != DefaultAcmeChallengePort {
		t.Errorf("AcmeChallengePort = %d, want %d", cfg.Meta.AcmeChallengePort, DefaultAcmeChallengePort)
	}
	if cfg.Meta.SchedulerConcurrency != DefaultSchedulerConcurrency {
		t.Errorf("SchedulerConcurrency = %d, want %d", cfg.Meta.SchedulerConcurrency, DefaultSchedulerConcurrency)
	}
	if len(cfg.Certificates) != 1 || cfg.Certificates[0].Name != "a" {
		t.Fatalf("unexpected certificates: %+v", cfg.Certificates)
	}
}

func TestLoadRejectsMissingRequiredFields(t *testing.T) {
	path := writeTestConfig(t, `
[meta]
storage_dir = "/var/lib/acmexds"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing socket_path")
	}
}

func TestLoadRejectsDuplicateCertificateNames(t *testing.T) {
	path := writeTestConfig(t, `
[meta]
storage_dir = "/var/lib/acmexds"
socket_path = "/run/acmexds/xds.sock"

[[certificates]]
name = "a"
domains = ["a.test"]

[[certificates]]
name = "a"
domains = ["b.test"]
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for duplicate certificate name")
	}
}

func TestSocketModeParsesOctal(t *testing.T) {
	m := Meta{SocketPermissions: "0640"}
	mode, err := m.SocketMode()
	if err != nil {
		t.Fatalf("SocketMode: %v", err)
	}
	if mode != 0o640 {
		t.Fatalf("SocketMode() = %o, want 0640", mode)
	}
}

func TestSocketModeDefaultsWhenUnset(t *testing.T) {
	m := Meta{}
	mode, err := m.SocketMode()
	if err != nil {
		t.Fatalf("SocketMode: %v", err)
	}
	if mode != DefaultSocketPermissions {
		t.Fatalf("SocketMode() = %o, want default %o", mode, DefaultSocketPermissions)
	}
}

func TestProviderGetUpdate(t *testing.T) {
	cfg1 := &Config{Meta: Meta{StorageDir: "one"}}
	p := NewProvider(cfg1)
	if p.Get().Meta.StorageDir != "one" {
		t.Fatalf("Get() = %+v", p.Get())
	}

	cfg2 := &Config{Meta: Meta{StorageDir: "two"}}
	p.Update(cfg2)
	if p.Get().Meta.StorageDir != "two" {
		t.Fatalf("Get() after Update = %+v", p.Get())
	}
}

func TestDurationUnmarshalText(t *testing.T) {
	var d Duration
	if err := d.UnmarshalText([]byte("30s")); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	if d.Duration.Seconds() != 30 {
		t.Fatalf("Duration = %v, want 30s", d.Duration)
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("admin:\n  address: \":4006\"\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_SearchPath(t *testing.T) {
	dir := t.TempDir()
	orig := searchPathsFunc
	searchPathsFunc = func() []string {
		return []string{filepath.Join(dir, "config.yaml")}
	}
	defer func() { searchPathsFunc = orig }()

	_, err := FindConfig("")
	if err == nil {
		t.Fatal("FindConfig(\"\") with no config files should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("log_level: info\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoadBootstrap_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("broker:\n  password: ${RIOAGENT_TEST_PASS}\n"), 0600)
	os.Setenv("RIOAGENT_TEST_PASS", "secret123")
	defer os.Unsetenv("RIOAGENT_TEST_PASS")

	b, err := LoadBootstrap(path)
	if err != nil {
		t.Fatalf("LoadBootstrap error: %v", err)
	}
	if b.Broker.Password != "secret123" {
		t.Errorf("password = %q, want %q", b.Broker.Password, "secret123")
	}
}

func TestLoadBootstrap_Defaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("broker:\n  url: tcp://broker:1883\n"), 0600)

	b, err := LoadBootstrap(path)
	if err != nil {
		t.Fatalf("LoadBootstrap error: %v", err)
	}
	if b.SettingsPath != "./settings.json" {
		t.Errorf("SettingsPath = %q, want ./settings.json", b.SettingsPath)
	}
	if b.Admin.Address != ":4005" {
		t.Errorf("Admin.Address = %q, want :4005", b.Admin.Address)
	}
}

func TestLoadBootstrap_InvalidLogLevel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("log_level: noisy\n"), 0600)

	if _, err := LoadBootstrap(path); err == nil {
		t.Fatal("expected validation error for invalid log_level")
	}
}

func TestDefaultBootstrap(t *testing.T) {
	b := DefaultBootstrap()
	if !b.Admin.Enabled {
		t.Error("DefaultBootstrap should enable the admin endpoint")
	}
	if b.Broker.URL == "" {
		t.Error("DefaultBootstrap should set a broker URL")
	}
}

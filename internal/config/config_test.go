package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFindConfig_Explicit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("start_with: []\n"), 0600)

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
	os.WriteFile(path, []byte("start_with: []\n"), 0600)

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

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("mqtt:\n  default:\n    host: broker.local\n    pass: ${HVENTS_TEST_PASS}\n"), 0600)
	os.Setenv("HVENTS_TEST_PASS", "secret123")
	defer os.Unsetenv("HVENTS_TEST_PASS")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.MQTT["default"].Pass != "secret123" {
		t.Errorf("pass = %q, want %q", cfg.MQTT["default"].Pass, "secret123")
	}
}

func TestLoad_RejectsUnknownRootKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("bogus_key: true\n"), 0600)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for unknown root key")
	}
	if !strings.Contains(err.Error(), "bogus_key") {
		t.Errorf("error should mention bogus_key, got: %v", err)
	}
}

func TestLoad_AppliesDispatchDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("start_with: []\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Dispatch.QueueSize != 4096 {
		t.Errorf("queue_size = %d, want default 4096", cfg.Dispatch.QueueSize)
	}
	if cfg.ShutdownGraceSec != 10 {
		t.Errorf("shutdown_grace_sec = %d, want default 10", cfg.ShutdownGraceSec)
	}
}

func TestLoad_MQTTDefaultPort(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("mqtt:\n  default:\n    host: broker.local\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.MQTT["default"].Port != 1883 {
		t.Errorf("port = %d, want default 1883", cfg.MQTT["default"].Port)
	}
	if cfg.MQTT["default"].ClientID != "hvents-default" {
		t.Errorf("client_id = %q, want generated default", cfg.MQTT["default"].ClientID)
	}
}

func TestValidate_MQTTMissingHost(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("mqtt:\n  default:\n    port: 1883\n"), 0600)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for missing mqtt host")
	}
	if !strings.Contains(err.Error(), "mqtt.default.host") {
		t.Errorf("error should mention mqtt.default.host, got: %v", err)
	}
}

func TestValidate_HTTPPortOutOfRange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("http:\n  default:\n    port: 99999\n"), 0600)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for out-of-range http port")
	}
	if !strings.Contains(err.Error(), "http.default.port") {
		t.Errorf("error should mention http.default.port, got: %v", err)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("log_level: bogus\n"), 0600)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for invalid log_level")
	}
}

func TestLoad_GroupsAndEventFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte(strings.Join([]string{
		"event_files:",
		"  - more.yaml",
		"groups:",
		"  - prefix: lights",
		"    file: lights.yaml",
		"start_with:",
		"  - boot",
	}, "\n")+"\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if len(cfg.EventFiles) != 1 || cfg.EventFiles[0] != "more.yaml" {
		t.Errorf("event_files = %v", cfg.EventFiles)
	}
	if len(cfg.Groups) != 1 || cfg.Groups[0].Prefix != "lights" {
		t.Errorf("groups = %v", cfg.Groups)
	}
	if len(cfg.StartWith) != 1 || cfg.StartWith[0] != "boot" {
		t.Errorf("start_with = %v", cfg.StartWith)
	}
}

package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	firstCfg, firstPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if firstCfg.AccountID == "" {
		t.Fatalf("expected non-empty account ID")
	}
	if firstCfg.ServerPort != DefaultServerPort {
		t.Fatalf("expected default server port %d, got %d", DefaultServerPort, firstCfg.ServerPort)
	}
	if firstCfg.LogLevel != DefaultLogLevel {
		t.Fatalf("expected default log level %q, got %q", DefaultLogLevel, firstCfg.LogLevel)
	}

	expectedConfigPath := filepath.Join(tempDir, "config.json")
	if firstPath != expectedConfigPath {
		t.Fatalf("expected config path %q, got %q", expectedConfigPath, firstPath)
	}

	secondCfg, secondPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}

	if secondPath != firstPath {
		t.Fatalf("expected config path to be stable, got %q then %q", firstPath, secondPath)
	}
	if secondCfg.AccountID != firstCfg.AccountID {
		t.Fatalf("expected stable account ID, got %q then %q", firstCfg.AccountID, secondCfg.AccountID)
	}
	if secondCfg.PrivateKeyPath != firstCfg.PrivateKeyPath {
		t.Fatalf("expected stable key path, got %q then %q", firstCfg.PrivateKeyPath, secondCfg.PrivateKeyPath)
	}
}

func TestLoadOrCreateFillsMissingFields(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	if err := EnsureDataDirectories(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}

	partial := &ClientConfig{
		AccountID:  "legacy-account",
		ServerHost: "chat.example.org",
		ServerPort: -1,
	}
	if err := Save(ConfigPath(tempDir), partial); err != nil {
		t.Fatalf("Save partial config failed: %v", err)
	}

	cfg, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.AccountID != "legacy-account" {
		t.Fatalf("expected account ID to be retained, got %q", cfg.AccountID)
	}
	if cfg.ServerAddress() != "chat.example.org:5222" {
		t.Fatalf("expected normalized server address, got %q", cfg.ServerAddress())
	}
	if cfg.BridgeCertPath != filepath.Join(tempDir, "keys", "bridge.crt") {
		t.Fatalf("unexpected bridge certificate path %q", cfg.BridgeCertPath)
	}
	if cfg.PassphraseEnv != DefaultPassphraseEnv {
		t.Fatalf("expected passphrase env %q, got %q", DefaultPassphraseEnv, cfg.PassphraseEnv)
	}
	if cfg.AuditRetention() != 90*24*time.Hour {
		t.Fatalf("unexpected audit retention %s", cfg.AuditRetention())
	}
}

func TestParseServer(t *testing.T) {
	cases := []struct {
		arg     string
		host    string
		port    int
		wantErr bool
	}{
		{arg: "chat.example.org", host: "chat.example.org", port: DefaultServerPort},
		{arg: "chat.example.org:5223", host: "chat.example.org", port: 5223},
		{arg: "chat.example.org:notaport", wantErr: true},
		{arg: ":5222", wantErr: true},
		{arg: "", wantErr: true},
	}

	for _, tc := range cases {
		host, port, err := ParseServer(tc.arg)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseServer(%q): expected error", tc.arg)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseServer(%q) failed: %v", tc.arg, err)
		}
		if host != tc.host || port != tc.port {
			t.Fatalf("ParseServer(%q) = %q, %d; want %q, %d", tc.arg, host, port, tc.host, tc.port)
		}
	}
}

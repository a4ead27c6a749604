package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "securechat"
	// DataDirEnv overrides the resolved data directory.
	DataDirEnv = "SECURECHAT_DATA_DIR"
	// DefaultServerHost is used when no server is configured.
	DefaultServerHost = "localhost"
	// DefaultServerPort is the standard client-to-server port.
	DefaultServerPort = 5222
	// DefaultPassphraseEnv names the variable holding the key passphrase.
	DefaultPassphraseEnv = "SECURECHAT_PASSPHRASE"
	// DefaultAuditRetentionDays keeps security events for about three months.
	DefaultAuditRetentionDays = 90
	// DefaultLogLevel is used when log_level is empty.
	DefaultLogLevel = "INFO"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// ClientConfig contains persistent account and client settings.
type ClientConfig struct {
	AccountID      string `json:"account_id"`
	DisplayName    string `json:"display_name"`
	Email          string `json:"email"`
	ServerHost     string `json:"server_host"`
	ServerPort     int    `json:"server_port"`
	ServerCAPath   string `json:"server_ca_path,omitempty"`
	PrivateKeyPath string `json:"private_key_path"`
	PublicKeyPath  string `json:"public_key_path"`
	BridgeCertPath string `json:"bridge_cert_path"`
	PassphraseEnv  string `json:"passphrase_env"`
	KeyFingerprint string `json:"key_fingerprint"`
	LogFile        string `json:"log_file"`
	LogLevel       string `json:"log_level"`
	DisableLog     bool   `json:"disable_log"`
	MetricsAddress string `json:"metrics_address,omitempty"`
	// AuditRetentionDays bounds the age of stored security events.
	AuditRetentionDays int `json:"audit_retention_days"`
}

// ServerAddress returns host:port of the configured server.
func (c *ClientConfig) ServerAddress() string {
	return net.JoinHostPort(c.ServerHost, strconv.Itoa(c.ServerPort))
}

// AuditRetention is the configured security event retention.
func (c *ClientConfig) AuditRetention() time.Duration {
	return time.Duration(c.AuditRetentionDays) * 24 * time.Hour
}

// Passphrase reads the key passphrase from the configured environment variable.
func (c *ClientConfig) Passphrase() string {
	return os.Getenv(c.PassphraseEnv)
}

// ParseServer splits a "host[:port]" argument, defaulting the port.
func ParseServer(arg string) (string, int, error) {
	if arg == "" {
		return "", 0, errors.New("server address is empty")
	}
	host, portText, err := net.SplitHostPort(arg)
	if err != nil {
		// no port given
		return arg, DefaultServerPort, nil
	}
	port, err := strconv.Atoi(portText)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, fmt.Errorf("invalid server port %q", portText)
	}
	if host == "" {
		return "", 0, fmt.Errorf("invalid server address %q", arg)
	}
	return host, port, nil
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If SECURECHAT_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(DataDirEnv); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	for _, dir := range []string{dataDir, filepath.Join(dataDir, "keys")} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*ClientConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg ClientConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *ClientConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
func LoadOrCreate() (*ClientConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = &ClientConfig{}
		normalizeDefaults(cfg, dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func normalizeDefaults(cfg *ClientConfig, dataDir string) bool {
	updated := false
	keysDir := filepath.Join(dataDir, "keys")

	setString := func(field *string, value string) {
		if *field == "" {
			*field = value
			updated = true
		}
	}

	if cfg.AccountID == "" {
		cfg.AccountID = uuid.NewString()
		updated = true
	}

	displayName := "SecureChat User"
	if host, err := os.Hostname(); err == nil && host != "" {
		displayName = host
	}
	setString(&cfg.DisplayName, displayName)
	setString(&cfg.ServerHost, DefaultServerHost)

	if cfg.ServerPort <= 0 || cfg.ServerPort > 65535 {
		cfg.ServerPort = DefaultServerPort
		updated = true
	}

	setString(&cfg.PrivateKeyPath, filepath.Join(keysDir, "private.key"))
	setString(&cfg.PublicKeyPath, filepath.Join(keysDir, "public.key"))
	setString(&cfg.BridgeCertPath, filepath.Join(keysDir, "bridge.crt"))
	setString(&cfg.PassphraseEnv, DefaultPassphraseEnv)
	setString(&cfg.LogLevel, DefaultLogLevel)

	if cfg.AuditRetentionDays <= 0 {
		cfg.AuditRetentionDays = DefaultAuditRetentionDays
		updated = true
	}

	return updated
}

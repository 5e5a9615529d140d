// Package config handles caseta-mcp configuration and credential resolution.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Environment variables recognized by the server. These take precedence
// over the config file.
const (
	EnvBridgeAddress = "CASETA_BRIDGE_IP"
	EnvCertDir       = "CASETA_CERT_DIR"
)

// Credential file names inside the certificate directory. These are
// written by caseta-pair and read back on every connection attempt.
const (
	certFile    = "caseta.crt"
	keyFile     = "caseta.key"
	caFile      = "caseta-bridge.crt"
	addressFile = "bridge_ip.txt"
)

// ConfigError reports missing or unusable configuration: an unset bridge
// address or absent credential files. It is fatal for the current tool
// invocation only, never for the process.
type ConfigError struct {
	msg string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return e.msg
}

func configErrorf(format string, args ...any) *ConfigError {
	return &ConfigError{msg: fmt.Sprintf(format, args...)}
}

// Config holds all caseta-mcp configuration.
type Config struct {
	Bridge   BridgeConfig `yaml:"bridge"`
	LogLevel string       `yaml:"log_level"`
}

// BridgeConfig defines how to reach the SmartBridge.
type BridgeConfig struct {
	// Address is the bridge IP or hostname. Usually left empty and
	// resolved from the environment or the persisted address file.
	Address string `yaml:"address"`
	// CertDir is the directory holding the paired TLS identity.
	CertDir string `yaml:"cert_dir"`
}

// DefaultSearchPaths returns the config file search order. An explicit
// path (from -config) is checked first by FindConfig. Then:
// ./caseta-mcp.yaml, ~/.config/caseta-mcp/config.yaml,
// /etc/caseta-mcp/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"caseta-mcp.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "caseta-mcp", "config.yaml"))
	}

	paths = append(paths, "/etc/caseta-mcp/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must
// exist. Otherwise the search paths are tried in order and the first
// that exists wins.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Load reads configuration from a YAML file. Environment variable
// references (${VAR}) in the file are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration. The server is fully usable
// without a config file when the environment supplies the bridge address
// or a previous pairing persisted it.
func Default() *Config {
	return &Config{}
}

// CertDir returns the effective certificate directory: environment
// override first, then the config file, then a lutron_certs directory
// next to the executable.
func (c *Config) CertDir() string {
	if dir := os.Getenv(EnvCertDir); dir != "" {
		return dir
	}
	if c != nil && c.Bridge.CertDir != "" {
		return c.Bridge.CertDir
	}
	return defaultCertDir()
}

// defaultCertDir is lutron_certs next to the running binary, falling
// back to a relative path if the executable can't be located.
func defaultCertDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "lutron_certs"
	}
	return filepath.Join(filepath.Dir(exe), "lutron_certs")
}

// BridgePaths is the resolved connection configuration: where the bridge
// is and where its credential files live. Produced by Resolve on every
// connection attempt; never cached.
type BridgePaths struct {
	Address  string
	CertPath string
	KeyPath  string
	CAPath   string
}

// Resolve determines the bridge address and credential file locations.
//
// Address source order: the CASETA_BRIDGE_IP environment variable, then
// the config file, then the bridge_ip.txt file persisted by caseta-pair.
// All three credential files must be present; partial presence is a
// *ConfigError. Resolve performs only filesystem reads.
func (c *Config) Resolve() (*BridgePaths, error) {
	dir := c.CertDir()

	address := os.Getenv(EnvBridgeAddress)
	if address == "" && c != nil {
		address = c.Bridge.Address
	}
	if address == "" {
		if data, err := os.ReadFile(filepath.Join(dir, addressFile)); err == nil {
			address = strings.TrimSpace(string(data))
		}
	}
	if address == "" {
		return nil, configErrorf("bridge address not configured: set %s or run caseta-pair first", EnvBridgeAddress)
	}

	paths := &BridgePaths{
		Address:  address,
		CertPath: filepath.Join(dir, certFile),
		KeyPath:  filepath.Join(dir, keyFile),
		CAPath:   filepath.Join(dir, caFile),
	}

	for _, p := range []string{paths.CertPath, paths.KeyPath, paths.CAPath} {
		if _, err := os.Stat(p); err != nil {
			return nil, configErrorf("credentials not found in %s: run caseta-pair first", dir)
		}
	}

	return paths, nil
}

// Credentials is the loaded TLS client identity plus the bridge address.
// Immutable once loaded; all three PEM blobs are read together.
type Credentials struct {
	Address       string
	Certificate   []byte
	PrivateKey    []byte
	CACertificate []byte
}

// Load reads the three PEM files into memory.
func (p *BridgePaths) Load() (*Credentials, error) {
	cert, err := os.ReadFile(p.CertPath)
	if err != nil {
		return nil, configErrorf("read client certificate: %v", err)
	}
	key, err := os.ReadFile(p.KeyPath)
	if err != nil {
		return nil, configErrorf("read client key: %v", err)
	}
	ca, err := os.ReadFile(p.CAPath)
	if err != nil {
		return nil, configErrorf("read bridge CA certificate: %v", err)
	}

	return &Credentials{
		Address:       p.Address,
		Certificate:   cert,
		PrivateKey:    key,
		CACertificate: ca,
	}, nil
}

// WriteCredentials persists a freshly paired identity into dir, creating
// it if needed. Used by caseta-pair.
func WriteCredentials(dir, address, cert, key, ca string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create cert dir: %w", err)
	}

	files := map[string]string{
		certFile:    cert,
		keyFile:     key,
		caFile:      ca,
		addressFile: address + "\n",
	}
	for name, content := range files {
		mode := os.FileMode(0o644)
		if name == keyFile {
			mode = 0o600
		}
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), mode); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}

	return nil
}

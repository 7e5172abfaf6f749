// Package config handles configuration loading and validation for meshagent.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/tunnelmesh/meshagent/internal/engine"
	"github.com/tunnelmesh/meshagent/internal/metrics"
	"github.com/tunnelmesh/meshagent/internal/protocol"
	"github.com/tunnelmesh/meshagent/internal/transport"
	"github.com/tunnelmesh/meshagent/internal/trust"
)

// Defaults applied by ApplyDefaults.
const (
	DefaultReconnectDelay    = 10 * time.Second
	DefaultMaxReconnectDelay = 60 * time.Second
	DefaultMetricsListen     = "127.0.0.1:9464"
)

// TransportConfig holds the TCP connection settings.
type TransportConfig struct {
	NoKeepAlive bool          `yaml:"no_keep_alive" toml:"no_keep_alive"`
	ReadTimeout time.Duration `yaml:"read_timeout" toml:"read_timeout"`
	MaxRetries  int           `yaml:"max_retries" toml:"max_retries"`
	RetryDelay  time.Duration `yaml:"retry_delay" toml:"retry_delay"`
	DialTimeout time.Duration `yaml:"dial_timeout" toml:"dial_timeout"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"` // console or json
}

// AgentConfig is the agent configuration file.
type AgentConfig struct {
	Name       string `yaml:"name" toml:"name"`
	Secret     string `yaml:"secret" toml:"secret"`
	SecretFile string `yaml:"secret_file" toml:"secret_file"`

	// Discovery
	URLs                       []string `yaml:"urls" toml:"urls"`
	Credentials                string   `yaml:"credentials" toml:"credentials"`
	ProxyCredentials           string   `yaml:"proxy_credentials" toml:"proxy_credentials"`
	Tunnel                     string   `yaml:"tunnel" toml:"tunnel"`
	Certificates               []string `yaml:"certificates" toml:"certificates"`
	DisableHTTPSCertValidation bool     `yaml:"disable_https_cert_validation" toml:"disable_https_cert_validation"`

	// Direct connection
	Direct           string   `yaml:"direct" toml:"direct"`
	InstanceIdentity string   `yaml:"instance_identity" toml:"instance_identity"`
	Protocols        []string `yaml:"protocols" toml:"protocols"`

	DisabledProtocols []string      `yaml:"disabled_protocols" toml:"disabled_protocols"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout" toml:"handshake_timeout"`
	SSHKey            string        `yaml:"ssh_key" toml:"ssh_key"`

	NoReconnect       bool          `yaml:"no_reconnect" toml:"no_reconnect"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay" toml:"reconnect_delay"`
	MaxReconnectDelay time.Duration `yaml:"max_reconnect_delay" toml:"max_reconnect_delay"`

	DisableCompression bool `yaml:"disable_compression" toml:"disable_compression"`

	Transport TransportConfig `yaml:"transport" toml:"transport"`
	Log       LogConfig       `yaml:"log" toml:"log"`

	MetricsListen string `yaml:"metrics_listen" toml:"metrics_listen"`
}

// LoadAgentConfig loads agent configuration from a YAML or TOML file. The
// format follows the extension; anything but .toml is read as YAML.
func LoadAgentConfig(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &AgentConfig{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills unset fields and expands home directories in paths.
func (c *AgentConfig) ApplyDefaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = DefaultMaxReconnectDelay
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = protocol.DefaultHandshakeTimeout
	}
	if c.Transport.ReadTimeout == 0 {
		c.Transport.ReadTimeout = transport.DefaultReadTimeout
	}
	if c.Transport.MaxRetries == 0 {
		c.Transport.MaxRetries = transport.DefaultMaxRetries
	}
	if c.Transport.RetryDelay == 0 {
		c.Transport.RetryDelay = transport.DefaultRetryDelay
	}
	if c.Transport.DialTimeout == 0 {
		c.Transport.DialTimeout = transport.DefaultDialTimeout
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}

	c.SecretFile = expandHome(c.SecretFile)
	c.SSHKey = expandHome(c.SSHKey)
	for i, p := range c.Certificates {
		c.Certificates[i] = expandHome(p)
	}
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(homeDir, path[2:])
}

// Validate checks if the agent configuration is valid.
func (c *AgentConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.Secret == "" && c.SecretFile == "" {
		return fmt.Errorf("secret or secret_file is required")
	}
	if c.Secret != "" && c.SecretFile != "" {
		return fmt.Errorf("secret and secret_file are mutually exclusive")
	}

	switch {
	case len(c.URLs) == 0 && c.Direct == "":
		return fmt.Errorf("urls or direct is required")
	case len(c.URLs) > 0 && c.Direct != "":
		return fmt.Errorf("urls and direct are mutually exclusive")
	}
	for _, raw := range c.URLs {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("invalid url %q: %w", raw, err)
		}
		switch u.Scheme {
		case "http", "https", "srv":
		default:
			return fmt.Errorf("invalid url %q: scheme must be http, https or srv", raw)
		}
		if u.Host == "" {
			return fmt.Errorf("invalid url %q: missing host", raw)
		}
	}
	if c.Direct != "" {
		if _, _, err := net.SplitHostPort(c.Direct); err != nil {
			return fmt.Errorf("invalid direct address: %w", err)
		}
		if c.InstanceIdentity != "" {
			if _, err := trust.ParsePublicKey(c.InstanceIdentity); err != nil {
				return fmt.Errorf("invalid instance_identity: %w", err)
			}
		}
	} else if c.InstanceIdentity != "" || len(c.Protocols) > 0 {
		return fmt.Errorf("instance_identity and protocols require direct")
	}

	for _, name := range c.Protocols {
		if !knownProtocol(name) {
			return fmt.Errorf("unknown protocol %q", name)
		}
	}
	for _, name := range c.DisabledProtocols {
		if !knownProtocol(name) {
			return fmt.Errorf("unknown disabled protocol %q", name)
		}
	}

	if c.ReconnectDelay < 0 || c.MaxReconnectDelay < 0 || c.HandshakeTimeout < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	if c.MaxReconnectDelay < c.ReconnectDelay {
		return fmt.Errorf("max_reconnect_delay must be at least reconnect_delay")
	}
	if c.Transport.ReadTimeout < 0 || c.Transport.RetryDelay < 0 || c.Transport.DialTimeout < 0 {
		return fmt.Errorf("transport durations must not be negative")
	}
	if c.Transport.MaxRetries < 0 {
		return fmt.Errorf("transport.max_retries must not be negative")
	}

	if c.MetricsListen != "" {
		if _, _, err := net.SplitHostPort(c.MetricsListen); err != nil {
			return fmt.Errorf("invalid metrics_listen: %w", err)
		}
	}
	return nil
}

func knownProtocol(name string) bool {
	switch name {
	case protocol.NameMUX4, protocol.NameSSH, protocol.NameWS:
		return true
	}
	return false
}

// ResolveSecret returns the secret, reading SecretFile when set.
func (c *AgentConfig) ResolveSecret() (string, error) {
	if c.SecretFile == "" {
		return c.Secret, nil
	}
	data, err := os.ReadFile(c.SecretFile)
	if err != nil {
		return "", fmt.Errorf("read secret file: %w", err)
	}
	secret := strings.TrimSpace(string(data))
	if secret == "" {
		return "", fmt.Errorf("secret file %s is empty", c.SecretFile)
	}
	return secret, nil
}

// EngineConfig builds the engine configuration, loading the secret,
// certificates and SSH key from disk.
func (c *AgentConfig) EngineConfig(m *metrics.AgentMetrics) (engine.Config, error) {
	secret, err := c.ResolveSecret()
	if err != nil {
		return engine.Config{}, err
	}

	certs, err := trust.LoadCertificates(c.Certificates...)
	if err != nil {
		return engine.Config{}, err
	}

	cfg := engine.Config{
		Name:                       c.Name,
		Secret:                     secret,
		URLs:                       c.URLs,
		Credentials:                c.Credentials,
		ProxyCredentials:           c.ProxyCredentials,
		Tunnel:                     c.Tunnel,
		Certificates:               certs,
		DisableHTTPSCertValidation: c.DisableHTTPSCertValidation,
		Direct:                     c.Direct,
		InstanceIdentity:           c.InstanceIdentity,
		Protocols:                  c.Protocols,
		NoReconnect:                c.NoReconnect,
		Compress:                   !c.DisableCompression,
		DisabledProtocols:          c.DisabledProtocols,
		HandshakeTimeout:           c.HandshakeTimeout,
		ReconnectDelay:             c.ReconnectDelay,
		MaxReconnectDelay:          c.MaxReconnectDelay,
		Transport: &transport.Config{
			KeepAlive:       !c.Transport.NoKeepAlive,
			KeepAlivePeriod: transport.DefaultKeepAlivePeriod,
			ReadTimeout:     c.Transport.ReadTimeout,
			MaxRetries:      c.Transport.MaxRetries,
			RetryDelay:      c.Transport.RetryDelay,
			DialTimeout:     c.Transport.DialTimeout,
		},
		Metrics: m,
	}

	if c.SSHKey != "" {
		signer, err := EnsureKeyPairExists(c.SSHKey, c.Name)
		if err != nil {
			return engine.Config{}, fmt.Errorf("load ssh key: %w", err)
		}
		cfg.SSHKey = signer
		log.Info().
			Str("key", c.SSHKey+".pub").
			Str("fingerprint", PublicKeyFingerprint(signer.PublicKey())).
			Msg("SSH-connect client key loaded")
	}
	return cfg, nil
}

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the measure-remote service.
type Config struct {
	// Server configures the HTTP API.
	Server ServerConfig `yaml:"server"`

	// Database selects and tunes the record store.
	Database DatabaseConfig `yaml:"database"`

	// SSH configures connections to benchmark hosts.
	SSH SSHConfig `yaml:"ssh"`

	// Registry holds the credentials for the private image registry.
	Registry RegistryConfig `yaml:"registry"`

	// Containers names the job images run on benchmark hosts.
	Containers ContainersConfig `yaml:"containers"`

	// Firewall configures the port opened on hosts during setup.
	Firewall FirewallConfig `yaml:"firewall"`

	// Dispatch configures the job retry loop.
	Dispatch DispatchConfig `yaml:"dispatch"`

	// VPN configures tunnel sessions.
	VPN VPNConfig `yaml:"vpn"`

	// Janitor configures session reaping.
	Janitor JanitorConfig `yaml:"janitor"`

	// Models maps model ids to their category.
	Models map[string]string `yaml:"models"`

	Logging LoggingConfig `yaml:"logging"`
	PostHog PostHogConfig `yaml:"posthog"`

	// EncryptionKey protects stored host credentials.
	EncryptionKey string `yaml:"encryption_key"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	EnableDocs      bool          `yaml:"enable_docs"`
	TrustedProxies  []string      `yaml:"trusted_proxies"`
	// MaxUploadBytes caps multipart bodies (keys, VPN files).
	MaxUploadBytes int64 `yaml:"max_upload_bytes"`
}

type DatabaseConfig struct {
	// URL is a postgres:// URL or a SQLite file path.
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

type SSHConfig struct {
	Port           int           `yaml:"port"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// CommandTimeout bounds a whole provisioning run.
	CommandTimeout time.Duration `yaml:"command_timeout"`
	// KnownHostsFile enables host key checking when set.
	KnownHostsFile string `yaml:"known_hosts_file"`
	// TempDir receives private keys for the length of a dial.
	TempDir string `yaml:"temp_dir"`
}

type RegistryConfig struct {
	Server   string `yaml:"server"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// ImageConfig is one job image and the port it serves on.
type ImageConfig struct {
	Image string `yaml:"image"`
	Port  int    `yaml:"port"`
}

type ContainersConfig struct {
	Benchmark ImageConfig `yaml:"benchmark"`
	Inference ImageConfig `yaml:"inference"`
}

type FirewallConfig struct {
	Port int `yaml:"port"`
}

type DispatchConfig struct {
	Attempts       int           `yaml:"attempts"`
	RetryBackoff   time.Duration `yaml:"retry_backoff"`
	LogDelay       time.Duration `yaml:"log_delay"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// VPNDatabaseConfig is handed to the per-session API container.
type VPNDatabaseConfig struct {
	Name     string `yaml:"name"`
	Host     string `yaml:"host"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Port     string `yaml:"port"`
}

// Env renders the settings as the container environment.
func (d VPNDatabaseConfig) Env() map[string]string {
	return map[string]string{
		"AZURE_DATABASE": d.Name,
		"AZURE_HOST":     d.Host,
		"AZURE_USER":     d.User,
		"AZURE_PASSWORD": d.Password,
		"AZURE_PORT":     d.Port,
	}
}

type VPNConfig struct {
	Enabled          bool              `yaml:"enabled"`
	WorkDir          string            `yaml:"work_dir"`
	ClientImage      string            `yaml:"client_image"`
	APIImage         string            `yaml:"api_image"`
	ArchivePath      string            `yaml:"archive_path"`
	ReadinessTimeout time.Duration     `yaml:"readiness_timeout"`
	Database         VPNDatabaseConfig `yaml:"database"`
}

type JanitorConfig struct {
	// Interval is how often the janitor runs.
	Interval time.Duration `yaml:"interval"`

	// SessionTTL is how long a VPN session may live.
	SessionTTL time.Duration `yaml:"session_ttl"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type PostHogConfig struct {
	APIKey   string `yaml:"api_key"`
	Endpoint string `yaml:"endpoint"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".measure-remote")

	return Config{
		Server: ServerConfig{
			Addr:            ":8000",
			ReadTimeout:     60 * time.Second,
			WriteTimeout:    30 * time.Minute,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 20 * time.Second,
			MaxUploadBytes:  1 << 20,
		},
		Database: DatabaseConfig{
			URL:             filepath.Join(dataDir, "measure.db"),
			MaxOpenConns:    16,
			MaxIdleConns:    8,
			ConnMaxLifetime: time.Hour,
			AutoMigrate:     true,
		},
		SSH: SSHConfig{
			Port:           22,
			ConnectTimeout: 15 * time.Second,
			CommandTimeout: 30 * time.Minute,
		},
		Registry: RegistryConfig{
			Server: "fmax-dock-reg-priv.flapmax.com",
		},
		Containers: ContainersConfig{
			Benchmark: ImageConfig{
				Image: "fmax-dock-reg-priv.flapmax.com/flapmax/measure-remote:latest",
				Port:  4000,
			},
			Inference: ImageConfig{
				Image: "fmax-dock-reg-priv.flapmax.com/flapmax/measure-inference:latest",
				Port:  5000,
			},
		},
		Firewall: FirewallConfig{Port: 4000},
		Dispatch: DispatchConfig{
			Attempts:       5,
			RetryBackoff:   60 * time.Second,
			LogDelay:       15 * time.Second,
			RequestTimeout: 20 * time.Minute,
		},
		VPN: VPNConfig{
			Enabled:          true,
			WorkDir:          filepath.Join(dataDir, "vpn"),
			ClientImage:      "fmax-dock-reg-priv.flapmax.com/flapmax/openvpn-client:latest",
			APIImage:         "fmax-dock-reg-priv.flapmax.com/flapmax/measure-vpn-remote:latest",
			ArchivePath:      "/data/vpn",
			ReadinessTimeout: 2 * time.Minute,
		},
		Janitor: JanitorConfig{
			Interval:   1 * time.Minute,
			SessionTTL: 12 * time.Hour,
		},
		Models: map[string]string{},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		PostHog: PostHogConfig{
			Endpoint: "https://us.i.posthog.com",
		},
	}
}

// Load reads configuration from a YAML file, falling back to defaults, then
// applies environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg.applyEnv()
	return &cfg, nil
}

// Save writes the configuration to a YAML file.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	// The file can carry registry and database passwords.
	return os.WriteFile(path, data, 0o600)
}

func (c *Config) applyEnv() {
	c.Server.Addr = envOr("API_ADDR", c.Server.Addr)
	c.Server.ReadTimeout = envDuration("API_READ_TIMEOUT", c.Server.ReadTimeout)
	c.Server.WriteTimeout = envDuration("API_WRITE_TIMEOUT", c.Server.WriteTimeout)
	c.Server.IdleTimeout = envDuration("API_IDLE_TIMEOUT", c.Server.IdleTimeout)
	c.Server.ShutdownTimeout = envDuration("API_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)
	c.Server.EnableDocs = envBool("API_ENABLE_DOCS", c.Server.EnableDocs)
	if proxies := envStringSlice("TRUSTED_PROXIES"); proxies != nil {
		c.Server.TrustedProxies = proxies
	}

	c.Database.URL = envOr("DATABASE_URL", c.Database.URL)
	c.Database.MaxOpenConns = envInt("DATABASE_MAX_OPEN_CONNS", c.Database.MaxOpenConns)
	c.Database.MaxIdleConns = envInt("DATABASE_MAX_IDLE_CONNS", c.Database.MaxIdleConns)
	c.Database.ConnMaxLifetime = envDuration("DATABASE_CONN_MAX_LIFETIME", c.Database.ConnMaxLifetime)
	c.Database.AutoMigrate = envBool("DATABASE_AUTO_MIGRATE", c.Database.AutoMigrate)

	c.SSH.Port = envInt("SSH_PORT", c.SSH.Port)
	c.SSH.ConnectTimeout = envDuration("SSH_CONNECT_TIMEOUT", c.SSH.ConnectTimeout)
	c.SSH.CommandTimeout = envDuration("SSH_COMMAND_TIMEOUT", c.SSH.CommandTimeout)
	c.SSH.KnownHostsFile = envOr("SSH_KNOWN_HOSTS_FILE", c.SSH.KnownHostsFile)
	c.SSH.TempDir = envOr("SSH_TEMP_DIR", c.SSH.TempDir)

	c.Registry.Server = envOr("DOCKER_SERVER", c.Registry.Server)
	c.Registry.Username = envOr("DOCKER_USERNAME", c.Registry.Username)
	c.Registry.Password = envOr("DOCKER_PASSWORD", c.Registry.Password)

	c.Containers.Benchmark.Image = envOr("EXPERIMENTS_CONTAINER", c.Containers.Benchmark.Image)
	c.Containers.Benchmark.Port = envInt("EXPERIMENTS_PORT", c.Containers.Benchmark.Port)
	c.Containers.Inference.Image = envOr("INFERENCE_CONTAINER", c.Containers.Inference.Image)
	c.Containers.Inference.Port = envInt("INFERENCE_PORT", c.Containers.Inference.Port)
	c.Firewall.Port = envInt("FIREWALL_PORT", c.Firewall.Port)

	c.Dispatch.Attempts = envInt("DISPATCH_ATTEMPTS", c.Dispatch.Attempts)
	c.Dispatch.RetryBackoff = envDuration("DISPATCH_RETRY_BACKOFF", c.Dispatch.RetryBackoff)
	c.Dispatch.LogDelay = envDuration("DISPATCH_LOG_DELAY", c.Dispatch.LogDelay)
	c.Dispatch.RequestTimeout = envDuration("DISPATCH_REQUEST_TIMEOUT", c.Dispatch.RequestTimeout)

	c.VPN.Enabled = envBool("VPN_ENABLED", c.VPN.Enabled)
	c.VPN.WorkDir = envOr("VPN_WORK_DIR", c.VPN.WorkDir)
	c.VPN.ClientImage = envOr("VPN_CLIENT_IMAGE", c.VPN.ClientImage)
	c.VPN.APIImage = envOr("VPN_API_IMAGE", c.VPN.APIImage)
	c.VPN.ReadinessTimeout = envDuration("VPN_READINESS_TIMEOUT", c.VPN.ReadinessTimeout)
	c.VPN.Database.Name = envOr("AZURE_DATABASE", c.VPN.Database.Name)
	c.VPN.Database.Host = envOr("AZURE_HOST", c.VPN.Database.Host)
	c.VPN.Database.User = envOr("AZURE_USER", c.VPN.Database.User)
	c.VPN.Database.Password = envOr("AZURE_PASSWORD", c.VPN.Database.Password)
	c.VPN.Database.Port = envOr("AZURE_PORT", c.VPN.Database.Port)

	c.Janitor.Interval = envDuration("JANITOR_INTERVAL", c.Janitor.Interval)
	c.Janitor.SessionTTL = envDuration("JANITOR_SESSION_TTL", c.Janitor.SessionTTL)

	c.Logging.Level = envOr("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = envOr("LOG_FORMAT", c.Logging.Format)
	c.PostHog.APIKey = envOr("POSTHOG_API_KEY", c.PostHog.APIKey)
	c.PostHog.Endpoint = envOr("POSTHOG_ENDPOINT", c.PostHog.Endpoint)
	c.EncryptionKey = envOr("ENCRYPTION_KEY", c.EncryptionKey)
}

// Validate checks that required configuration fields are set and valid.
func (c *Config) Validate() error {
	var errs []error
	if c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required"))
	}
	if c.Dispatch.Attempts < 1 {
		errs = append(errs, errors.New("dispatch.attempts must be at least 1"))
	}
	if c.Containers.Benchmark.Image == "" || c.Containers.Benchmark.Port <= 0 {
		errs = append(errs, errors.New("containers.benchmark needs an image and a port"))
	}
	if c.Firewall.Port <= 0 || c.Firewall.Port > 65535 {
		errs = append(errs, fmt.Errorf("firewall.port %d out of range", c.Firewall.Port))
	}
	if c.VPN.Enabled && c.VPN.WorkDir == "" {
		errs = append(errs, errors.New("vpn.work_dir is required when vpn is enabled"))
	}
	for id, category := range c.Models {
		if category == "" {
			errs = append(errs, fmt.Errorf("models.%s has no category", id))
		}
	}
	if c.EncryptionKey == "" {
		slog.Warn("ENCRYPTION_KEY not set: host credentials will be stored in plaintext")
	}
	return errors.Join(errs...)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			slog.Warn("invalid integer for env var, using default", "key", key, "value", v, "default", fallback)
			return fallback
		}
		return n
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			slog.Warn("invalid boolean for env var, using default", "key", key, "value", v, "default", fallback)
			return fallback
		}
		return b
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			slog.Warn("invalid duration for env var, using default", "key", key, "value", v, "default", fallback)
			return fallback
		}
		return d
	}
	return fallback
}

func envStringSlice(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Package config provides configuration loading for the endpoint agent from
// an optional YAML file, the process environment and a local .env file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// GetEnv returns the value of key from the environment, or defaultValue if unset or empty.
func GetEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return defaultValue
}

// GetEnvDuration returns the duration for key, or defaultValue if unset/invalid.
// Bare integers are read as seconds.
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return defaultValue
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultValue
	}
	return d
}

// GetEnvInt returns the integer for key, or defaultValue if unset/invalid.
func GetEnvInt(key string, defaultValue int) int {
	n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return defaultValue
	}
	return n
}

// GetEnvFloat returns the float for key, or defaultValue if unset/invalid.
func GetEnvFloat(key string, defaultValue float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(os.Getenv(key)), 64)
	if err != nil {
		return defaultValue
	}
	return f
}

// GetEnvBool returns the boolean for key, or defaultValue if unset/invalid.
func GetEnvBool(key string, defaultValue bool) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(key)))
	if err != nil {
		return defaultValue
	}
	return b
}

// EndpointConfig describes the local endpoint as reported to the authority.
type EndpointConfig struct {
	ID       string `yaml:"id"`
	Hostname string `yaml:"hostname"`
	IP       string `yaml:"ip"`
	OS       string `yaml:"os"`
	Password string `yaml:"password"`
}

// AuthorityConfig holds the remote authority locations and credentials.
type AuthorityConfig struct {
	ServerURL  string        `yaml:"server_url"`
	APIBaseURL string        `yaml:"api_base_url"`
	WSURL      string        `yaml:"ws_url"`
	Token      string        `yaml:"token"`
	Username   string        `yaml:"username"`
	Password   string        `yaml:"password"`
	Timeout    time.Duration `yaml:"timeout"`
}

// StorageConfig holds local persistence settings.
type StorageConfig struct {
	Driver  string `yaml:"driver"` // "file" or "sqlite"
	DataDir string `yaml:"data_dir"`
	EnvFile string `yaml:"env_file"`
	LogCap  int    `yaml:"log_cap"`
}

// SyncConfig holds the pull scheduler intervals.
type SyncConfig struct {
	RuleSyncInterval    time.Duration `yaml:"rule_sync_interval"`
	RuleApplyOffset     time.Duration `yaml:"rule_apply_offset"`
	TrafficScanInterval time.Duration `yaml:"traffic_scan_interval"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	Tick                time.Duration `yaml:"tick"`
}

// PushConfig holds the push channel settings.
type PushConfig struct {
	Enabled       bool          `yaml:"enabled"`
	BackoffBase   time.Duration `yaml:"backoff_base"`
	BackoffMax    time.Duration `yaml:"backoff_max"`
	BackoffFactor float64       `yaml:"backoff_factor"`
	PingInterval  time.Duration `yaml:"ping_interval"`
	PongTimeout   time.Duration `yaml:"pong_timeout"`
}

// DetectionConfig holds anomaly classifier settings.
type DetectionConfig struct {
	Threshold       int64 `yaml:"threshold"`
	SuspiciousPorts []int `yaml:"suspicious_ports"`
}

// LoggingConfig holds log settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// AgentConfig holds configuration for the endpoint agent (used by cmd/agent and internal/agent).
type AgentConfig struct {
	Endpoint      EndpointConfig  `yaml:"endpoint"`
	Authority     AuthorityConfig `yaml:"authority"`
	Storage       StorageConfig   `yaml:"storage"`
	Sync          SyncConfig      `yaml:"sync"`
	Push          PushConfig      `yaml:"push"`
	Detection     DetectionConfig `yaml:"detection"`
	CaptureSource string          `yaml:"capture_source"`
	HTTPAddr      string          `yaml:"http_addr"`
	Logging       LoggingConfig   `yaml:"logging"`
}

// DefaultAgentConfig returns agent config with built-in defaults only.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		Endpoint: EndpointConfig{
			Hostname: hostname(),
			IP:       "192.168.1.100",
			OS:       "Linux",
		},
		Authority: AuthorityConfig{
			ServerURL: "http://localhost:3000",
			WSURL:     "ws://localhost:3000",
			Timeout:   10 * time.Second,
		},
		Storage: StorageConfig{
			Driver:  "file",
			DataDir: "data",
			EnvFile: ".env",
			LogCap:  1000,
		},
		Sync: SyncConfig{
			RuleSyncInterval:    300 * time.Second,
			RuleApplyOffset:     5 * time.Second,
			TrafficScanInterval: 30 * time.Second,
			HeartbeatInterval:   60 * time.Second,
			Tick:                time.Second,
		},
		Push: PushConfig{
			Enabled:       true,
			BackoffBase:   5 * time.Second,
			BackoffMax:    60 * time.Second,
			BackoffFactor: 1.5,
			PingInterval:  30 * time.Second,
			PongTimeout:   10 * time.Second,
		},
		Detection: DetectionConfig{
			Threshold:       1000,
			SuspiciousPorts: defaultSuspiciousPorts(),
		},
		CaptureSource: "simulated",
		HTTPAddr:      ":5000",
		Logging:       LoggingConfig{Level: "info"},
	}
}

func defaultSuspiciousPorts() []int {
	return []int{23, 4444, 5555, 6666, 1337, 3389, 5900, 31337}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "endpoint"
	}
	return h
}

// Load builds the agent configuration: defaults, then the YAML file named by
// AGENT_CONFIG (if any), then the .env file and process environment.
func Load() (*AgentConfig, error) {
	cfg := DefaultAgentConfig()

	if path := os.Getenv("AGENT_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	envFile := GetEnv("ENV_FILE", cfg.Storage.EnvFile)
	// Variables already present in the environment win over the file.
	_ = godotenv.Load(envFile)

	cfg.applyEnvOverrides()
	cfg.Storage.EnvFile = envFile

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *AgentConfig) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func (c *AgentConfig) applyEnvOverrides() {
	c.Endpoint.ID = GetEnv("ENDPOINT_ID", c.Endpoint.ID)
	c.Endpoint.Hostname = GetEnv("ENDPOINT_HOSTNAME", c.Endpoint.Hostname)
	c.Endpoint.IP = GetEnv("ENDPOINT_IP", c.Endpoint.IP)
	c.Endpoint.OS = GetEnv("ENDPOINT_OS", c.Endpoint.OS)
	c.Endpoint.Password = GetEnv("ENDPOINT_PASSWORD", c.Endpoint.Password)

	c.Authority.ServerURL = GetEnv("SERVER_URL", c.Authority.ServerURL)
	c.Authority.APIBaseURL = GetEnv("API_BASE_URL", c.Authority.APIBaseURL)
	if c.Authority.APIBaseURL == "" {
		c.Authority.APIBaseURL = strings.TrimRight(c.Authority.ServerURL, "/") + "/api"
	}
	c.Authority.WSURL = GetEnv("WS_URL", c.Authority.WSURL)
	c.Authority.Token = GetEnv("AUTH_TOKEN", c.Authority.Token)
	c.Authority.Username = GetEnv("AUTH_USERNAME", c.Authority.Username)
	c.Authority.Password = GetEnv("AUTH_PASSWORD", c.Authority.Password)
	c.Authority.Timeout = GetEnvDuration("HTTP_TIMEOUT", c.Authority.Timeout)

	c.Storage.Driver = GetEnv("STORAGE_DRIVER", c.Storage.Driver)
	c.Storage.DataDir = GetEnv("DATA_DIR", c.Storage.DataDir)
	c.Storage.LogCap = GetEnvInt("LOG_CAP", c.Storage.LogCap)

	c.Sync.RuleSyncInterval = GetEnvDuration("RULE_SYNC_INTERVAL", c.Sync.RuleSyncInterval)
	c.Sync.RuleApplyOffset = GetEnvDuration("RULE_APPLY_OFFSET", c.Sync.RuleApplyOffset)
	c.Sync.TrafficScanInterval = GetEnvDuration("TRAFFIC_SCAN_INTERVAL", c.Sync.TrafficScanInterval)
	c.Sync.HeartbeatInterval = GetEnvDuration("HEARTBEAT_INTERVAL", c.Sync.HeartbeatInterval)

	c.Push.Enabled = GetEnvBool("WS_ENABLED", c.Push.Enabled)
	c.Push.BackoffBase = GetEnvDuration("WS_BACKOFF_BASE", c.Push.BackoffBase)
	c.Push.BackoffMax = GetEnvDuration("WS_BACKOFF_MAX", c.Push.BackoffMax)
	c.Push.BackoffFactor = GetEnvFloat("WS_BACKOFF_FACTOR", c.Push.BackoffFactor)
	c.Push.PingInterval = GetEnvDuration("WS_PING_INTERVAL", c.Push.PingInterval)
	c.Push.PongTimeout = GetEnvDuration("WS_PONG_TIMEOUT", c.Push.PongTimeout)

	c.Detection.Threshold = int64(GetEnvInt("TRAFFIC_ANOMALY_THRESHOLD", int(c.Detection.Threshold)))

	c.CaptureSource = GetEnv("CAPTURE_SOURCE", c.CaptureSource)
	c.HTTPAddr = GetEnv("HTTP_ADDR", c.HTTPAddr)
	c.Logging.Level = GetEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.File = GetEnv("LOG_FILE", c.Logging.File)
}

// Validate checks the configuration for values the agent cannot run with.
func (c *AgentConfig) Validate() error {
	var errs []error

	for name, raw := range map[string]string{
		"authority.api_base_url": c.Authority.APIBaseURL,
		"authority.ws_url":       c.Authority.WSURL,
	} {
		if raw == "" {
			continue
		}
		if _, err := url.Parse(raw); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	if c.Authority.Timeout <= 0 {
		errs = append(errs, errors.New("authority.timeout must be positive"))
	}
	if c.Storage.Driver != "file" && c.Storage.Driver != "sqlite" {
		errs = append(errs, fmt.Errorf("storage.driver %q: must be file or sqlite", c.Storage.Driver))
	}
	if c.Storage.LogCap <= 0 {
		errs = append(errs, errors.New("storage.log_cap must be positive"))
	}
	if c.Sync.RuleSyncInterval <= 0 || c.Sync.TrafficScanInterval <= 0 {
		errs = append(errs, errors.New("sync intervals must be positive"))
	}
	if c.Sync.RuleApplyOffset < 0 || c.Sync.HeartbeatInterval < 0 {
		errs = append(errs, errors.New("sync offsets must not be negative"))
	}
	if c.Sync.Tick <= 0 {
		errs = append(errs, errors.New("sync.tick must be positive"))
	}
	if c.Push.BackoffBase <= 0 || c.Push.BackoffMax < c.Push.BackoffBase {
		errs = append(errs, errors.New("push backoff: base must be positive and not exceed max"))
	}
	if c.Push.BackoffFactor < 1 {
		errs = append(errs, errors.New("push.backoff_factor must be at least 1"))
	}
	if c.Detection.Threshold < 0 {
		errs = append(errs, errors.New("detection.threshold must not be negative"))
	}
	if c.CaptureSource != "simulated" && c.CaptureSource != "procnet" {
		errs = append(errs, fmt.Errorf("capture_source %q: must be simulated or procnet", c.CaptureSource))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

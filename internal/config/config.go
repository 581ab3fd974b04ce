package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// GatewayConfig controls the WebSocket endpoint.
type GatewayConfig struct {
	// Port the WS endpoint listens on.
	Port int `yaml:"port"`

	// Bind selects the bind policy: "loopback", "lan", "tailnet", "auto".
	Bind string `yaml:"bind"`

	// Auth holds credentials and mode for connect-time authentication.
	Auth AuthConfig `yaml:"auth"`

	// AllowOrigins controls which Origin headers are accepted for browser
	// WS connections. Empty means local-only.
	AllowOrigins []string `yaml:"allow_origins"`
}

// AuthConfig selects the handshake auth mode.
type AuthConfig struct {
	// Mode: "token", "password", "system", "none".
	Mode string `yaml:"mode"`

	Token string `yaml:"token"`

	// Password is compared in constant time. PasswordHash, when set, takes
	// precedence and is verified with bcrypt.
	Password     string `yaml:"password"`
	PasswordHash string `yaml:"password_hash"`

	// TrustedProxies lists remote addrs whose X-Forwarded-For is believed.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// BridgeConfig controls the TCP node bridge.
type BridgeConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Bind    string `yaml:"bind"`
}

type TelegramConfig struct {
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
	Enabled    bool    `yaml:"enabled"`
}

// WebConfig controls the web (QR-login) channel.
type WebConfig struct {
	Enabled bool `yaml:"enabled"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Web      WebConfig      `yaml:"web"`
}

// VoiceWakeConfig is the persisted voice wake toggle.
type VoiceWakeConfig struct {
	Enabled bool   `yaml:"enabled"`
	Phrase  string `yaml:"phrase"`
}

// CronConfig controls the scheduler.
type CronConfig struct {
	Enabled         bool `yaml:"enabled"`
	IntervalSeconds int  `yaml:"interval_seconds"`
}

// SkillsConfig points at the skill bundle directories.
type SkillsConfig struct {
	Dir       string   `yaml:"dir"`
	ExtraDirs []string `yaml:"extra_dirs"`
}

// OtelConfig controls telemetry export.
type OtelConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`

	Gateway   GatewayConfig   `yaml:"gateway"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Channels  ChannelsConfig  `yaml:"channels"`
	VoiceWake VoiceWakeConfig `yaml:"voicewake"`
	Cron      CronConfig      `yaml:"cron"`
	Skills    SkillsConfig    `yaml:"skills"`
	Otel      OtelConfig      `yaml:"otel"`

	HeartbeatIntervalMinutes int `yaml:"heartbeat_interval_minutes"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// HomeDir resolves the daemon home, honoring the GATED_HOME override.
func HomeDir() string {
	if override := os.Getenv("GATED_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".gated")
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Gateway: GatewayConfig{
			Port: 18789,
			Bind: "loopback",
			Auth: AuthConfig{Mode: "token"},
		},
		Bridge: BridgeConfig{
			Enabled: true,
			Port:    18790,
			Bind:    "loopback",
		},
		Cron: CronConfig{
			Enabled:         true,
			IntervalSeconds: 30,
		},
		Skills: SkillsConfig{
			Dir: "./skills",
		},
		HeartbeatIntervalMinutes: 30,
	}
}

// Load reads config.yaml from the daemon home, applying defaults, env
// overrides, and normalization. A missing file is not an error; defaults
// apply and the file is created on first mutation.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory; used by tests.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create gated home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Gateway.Port <= 0 {
		cfg.Gateway.Port = 18789
	}
	if cfg.Gateway.Bind == "" {
		cfg.Gateway.Bind = "loopback"
	}
	if cfg.Gateway.Auth.Mode == "" {
		cfg.Gateway.Auth.Mode = "token"
	}
	cfg.Gateway.Auth.Mode = strings.ToLower(strings.TrimSpace(cfg.Gateway.Auth.Mode))
	if cfg.Bridge.Port <= 0 {
		cfg.Bridge.Port = 18790
	}
	if cfg.Bridge.Bind == "" {
		cfg.Bridge.Bind = cfg.Gateway.Bind
	}
	if cfg.Cron.IntervalSeconds <= 0 {
		cfg.Cron.IntervalSeconds = 30
	}
	if strings.TrimSpace(cfg.Skills.Dir) == "" {
		cfg.Skills.Dir = "./skills"
	}
	if cfg.HeartbeatIntervalMinutes <= 0 {
		cfg.HeartbeatIntervalMinutes = 30
	}
}

func validate(cfg *Config) error {
	switch cfg.Gateway.Auth.Mode {
	case "token", "password", "system", "none":
	default:
		return fmt.Errorf("gateway.auth.mode: unknown mode %q", cfg.Gateway.Auth.Mode)
	}
	switch cfg.Gateway.Bind {
	case "loopback", "lan", "tailnet", "auto":
	default:
		return fmt.Errorf("gateway.bind: unknown bind mode %q", cfg.Gateway.Bind)
	}
	// "none" auth never leaves the machine. Refusing here fails startup
	// before any listener opens.
	if cfg.Gateway.Auth.Mode == "none" && cfg.Gateway.Bind != "loopback" {
		return fmt.Errorf("gateway.auth.mode none requires gateway.bind loopback, got %q", cfg.Gateway.Bind)
	}
	// Token mode with no token configured is allowed; the daemon mints and
	// persists auth.token on first run.
	if cfg.Gateway.Auth.Mode == "password" && cfg.Gateway.Auth.Password == "" && cfg.Gateway.Auth.PasswordHash == "" {
		return fmt.Errorf("gateway.auth.mode password requires a password or password_hash")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("GATED_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("GATED_GATEWAY_PORT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Gateway.Port = v
		}
	}
	if raw := os.Getenv("GATED_GATEWAY_BIND"); raw != "" {
		cfg.Gateway.Bind = raw
	}
	if raw := os.Getenv("GATED_AUTH_MODE"); raw != "" {
		cfg.Gateway.Auth.Mode = raw
	}
	if raw := os.Getenv("GATED_AUTH_TOKEN"); raw != "" {
		cfg.Gateway.Auth.Token = raw
	}
	if raw := os.Getenv("GATED_AUTH_PASSWORD"); raw != "" {
		cfg.Gateway.Auth.Password = raw
	}
	if raw := os.Getenv("GATED_BRIDGE_PORT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Bridge.Port = v
		}
	}
	if raw := os.Getenv("GATED_BRIDGE_ENABLED"); raw != "" {
		cfg.Bridge.Enabled = raw == "1" || strings.EqualFold(raw, "true")
	}
	if raw := os.Getenv("GATED_HEARTBEAT_INTERVAL_MINUTES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.HeartbeatIntervalMinutes = v
		}
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
	if raw := os.Getenv("GATED_OTEL_ENDPOINT"); raw != "" {
		cfg.Otel.Enabled = true
		cfg.Otel.Endpoint = raw
	}
}

// Fingerprint returns a stable hash of the reload-relevant config surface.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "log=%s|port=%d|bind=%s|auth=%s|bridge=%d:%v|cron=%v:%d|vw=%v:%s|origins=%v",
		c.LogLevel, c.Gateway.Port, c.Gateway.Bind, c.Gateway.Auth.Mode,
		c.Bridge.Port, c.Bridge.Enabled,
		c.Cron.Enabled, c.Cron.IntervalSeconds,
		c.VoiceWake.Enabled, c.VoiceWake.Phrase,
		c.Gateway.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}


// loadRawConfig reads config.yaml into a generic map, returning an empty
// map if the file doesn't exist.
func loadRawConfig(path string) (map[string]interface{}, error) {
	raw := make(map[string]interface{})
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

// saveRawConfig marshals and writes a generic map back to config.yaml.
func saveRawConfig(path string, raw map[string]interface{}) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

// SetVoiceWake updates the persisted voice wake toggle, preserving every
// other setting in the file.
func SetVoiceWake(homeDir string, enabled bool, phrase string) error {
	configPath := ConfigPath(homeDir)
	raw, err := loadRawConfig(configPath)
	if err != nil {
		return err
	}
	vw, _ := raw["voicewake"].(map[string]interface{})
	if vw == nil {
		vw = make(map[string]interface{})
	}
	vw["enabled"] = enabled
	if phrase != "" {
		vw["phrase"] = phrase
	}
	raw["voicewake"] = vw
	return saveRawConfig(configPath, raw)
}

// SetValue writes a single dotted-path scalar into config.yaml, preserving
// other settings. Only two levels of nesting are supported, which covers
// the config surface exposed through config.set.
func SetValue(homeDir, path string, value interface{}) error {
	configPath := ConfigPath(homeDir)
	raw, err := loadRawConfig(configPath)
	if err != nil {
		return err
	}
	parts := strings.Split(path, ".")
	switch len(parts) {
	case 1:
		raw[parts[0]] = value
	case 2:
		section, _ := raw[parts[0]].(map[string]interface{})
		if section == nil {
			section = make(map[string]interface{})
		}
		section[parts[1]] = value
		raw[parts[0]] = section
	default:
		return fmt.Errorf("config path %q: too deep", path)
	}
	return saveRawConfig(configPath, raw)
}

// Redacted returns a copy safe for returning over the wire: credential
// fields are blanked.
func (c Config) Redacted() Config {
	out := c
	if out.Gateway.Auth.Token != "" {
		out.Gateway.Auth.Token = "[REDACTED]"
	}
	if out.Gateway.Auth.Password != "" {
		out.Gateway.Auth.Password = "[REDACTED]"
	}
	if out.Gateway.Auth.PasswordHash != "" {
		out.Gateway.Auth.PasswordHash = "[REDACTED]"
	}
	if out.Channels.Telegram.Token != "" {
		out.Channels.Telegram.Token = "[REDACTED]"
	}
	return out
}

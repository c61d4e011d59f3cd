package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the root configuration for thk.
type Config struct {
	General     GeneralConfig     `json:"general" toml:"general"`
	Policy      PolicyConfig      `json:"policy" toml:"policy"`
	Server      ServerConfig      `json:"server" toml:"server"`
	HTTP        HTTPConfig        `json:"http" toml:"http"`
	Audit       AuditConfig       `json:"audit" toml:"audit"`
	RateLimiter RateLimiterConfig `json:"rateLimiter" toml:"rateLimiter"`
	Exec        ExecConfig        `json:"exec" toml:"exec"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel" toml:"logLevel"`
	LogFile  string `json:"logFile,omitempty" toml:"logFile,omitempty"` // optional log file path
}

// PolicyConfig seeds the live policy at daemon start.
type PolicyConfig struct {
	AuditEnabled bool   `json:"auditEnabled" toml:"auditEnabled"`
	RateLimit    uint32 `json:"rateLimit" toml:"rateLimit"`                       // requests per identity per window; 0 disables
	PolicyFile   string `json:"policyFile,omitempty" toml:"policyFile,omitempty"` // optional YAML blocklist override
}

type ServerConfig struct {
	SocketPath string   `json:"socketPath" toml:"socketPath"`
	SocketMode string   `json:"socketMode" toml:"socketMode"`                   // octal, e.g. "0666"
	AdminUIDs  []uint32 `json:"adminUIDs,omitempty" toml:"adminUIDs,omitempty"` // uid 0 is always admin
}

// FileMode parses SocketMode.
func (s ServerConfig) FileMode() (os.FileMode, error) {
	m, err := strconv.ParseUint(s.SocketMode, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid socket mode %q: %w", s.SocketMode, err)
	}
	if m > 0o777 {
		return 0, fmt.Errorf("invalid socket mode %q: out of range", s.SocketMode)
	}
	return os.FileMode(m), nil
}

type HTTPConfig struct {
	Enabled         bool   `json:"enabled" toml:"enabled"`
	Host            string `json:"host" toml:"host"`
	Port            int    `json:"port" toml:"port"`
	JWTSecret       string `json:"jwtSecret,omitempty" toml:"jwtSecret,omitempty"` // empty: every caller is unprivileged
	DefaultIdentity uint32 `json:"defaultIdentity" toml:"defaultIdentity"`
	TokenTTLHours   int    `json:"tokenTTLHours" toml:"tokenTTLHours"`
}

type AuditConfig struct {
	QueueSize     int            `json:"queueSize" toml:"queueSize"`
	SinkTimeoutMs int            `json:"sinkTimeoutMs" toml:"sinkTimeoutMs"`
	SQLite        SQLiteConfig   `json:"sqlite" toml:"sqlite"`
	Telegram      TelegramConfig `json:"telegram" toml:"telegram"`
	MQTT          MQTTConfig     `json:"mqtt" toml:"mqtt"`
}

type SQLiteConfig struct {
	Enabled       bool   `json:"enabled" toml:"enabled"`
	DBPath        string `json:"dbPath" toml:"dbPath"`
	RetentionDays int    `json:"retentionDays" toml:"retentionDays"`
}

type TelegramConfig struct {
	Enabled bool           `json:"enabled" toml:"enabled"`
	Token   string         `json:"token" toml:"token"`
	ChatIDs FlexStringList `json:"chatIds" toml:"chatIds"`
}

// ChatIDList parses ChatIDs into numeric chat ids.
func (t TelegramConfig) ChatIDList() ([]int64, error) {
	ids := make([]int64, 0, len(t.ChatIDs))
	for _, s := range t.ChatIDs {
		id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid telegram chat id %q", s)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

type MQTTConfig struct {
	Enabled  bool   `json:"enabled" toml:"enabled"`
	Broker   string `json:"broker" toml:"broker"` // tcp://host:1883
	ClientID string `json:"clientId,omitempty" toml:"clientId,omitempty"`
	Username string `json:"username,omitempty" toml:"username,omitempty"`
	Password string `json:"password,omitempty" toml:"password,omitempty"`
	Topic    string `json:"topic" toml:"topic"`
	QoS      int    `json:"qos" toml:"qos"`
}

type RateLimiterConfig struct {
	Backend       string      `json:"backend" toml:"backend"` // "memory" | "redis"
	WindowSeconds int         `json:"windowSeconds" toml:"windowSeconds"`
	MaxEntries    int         `json:"maxEntries" toml:"maxEntries"`
	FailClosed    bool        `json:"failClosed" toml:"failClosed"`
	Redis         RedisConfig `json:"redis" toml:"redis"`
}

type RedisConfig struct {
	Addr     string `json:"addr" toml:"addr"`
	Password string `json:"password,omitempty" toml:"password,omitempty"`
	DB       int    `json:"db" toml:"db"`
	Prefix   string `json:"prefix" toml:"prefix"`
}

type ExecConfig struct {
	Timeout        int    `json:"timeout" toml:"timeout"` // seconds
	MaxOutputBytes int    `json:"maxOutputBytes" toml:"maxOutputBytes"`
	Shell          string `json:"shell" toml:"shell"`
}

// FlexStringList is a []string that can unmarshal from arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

// UnmarshalTOML implements toml.Unmarshaler with the same leniency.
func (f *FlexStringList) UnmarshalTOML(v any) error {
	items, ok := v.([]any)
	if !ok {
		return fmt.Errorf("expected array, got %T", v)
	}
	result := make([]string, 0, len(items))
	for _, item := range items {
		switch x := item.(type) {
		case string:
			result = append(result, x)
		case int64:
			result = append(result, strconv.FormatInt(x, 10))
		case float64:
			result = append(result, strconv.FormatInt(int64(x), 10))
		default:
			result = append(result, fmt.Sprint(x))
		}
	}
	*f = result
	return nil
}

// DefaultConfigDir returns the system config directory.
func DefaultConfigDir() string {
	return "/etc/thk"
}

// DefaultConfigPath honors $THK_CONFIG before falling back to /etc/thk/config.json.
func DefaultConfigPath() string {
	if p := os.Getenv("THK_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if isTOML(path) {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
		}
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Policy.PolicyFile = ExpandPath(cfg.Policy.PolicyFile)
	cfg.Audit.SQLite.DBPath = ExpandPath(cfg.Audit.SQLite.DBPath)
	cfg.Server.SocketPath = ExpandPath(cfg.Server.SocketPath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault behaves like Load but returns Defaults when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(ExpandPath(path)); os.IsNotExist(err) {
		return Defaults(), nil
	}
	return Load(path)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

// Save writes cfg as JSON, or TOML when path ends in .toml.
func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var data []byte
	if isTOML(path) {
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
		data = buf.Bytes()
	} else {
		var err error
		if data, err = json.MarshalIndent(cfg, "", "  "); err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
	}

	// may hold tokens and passwords
	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Server.SocketPath == "" {
		errs = append(errs, "server.socketPath is required")
	}
	if _, err := cfg.Server.FileMode(); err != nil {
		errs = append(errs, "server.socketMode: "+err.Error())
	}

	if cfg.HTTP.Port < 0 || cfg.HTTP.Port > 65535 {
		errs = append(errs, "http.port must be between 0 and 65535")
	}
	if cfg.HTTP.Enabled && cfg.HTTP.Port == 0 {
		errs = append(errs, "http.port is required when http is enabled")
	}
	if cfg.HTTP.TokenTTLHours < 1 {
		errs = append(errs, "http.tokenTTLHours must be >= 1")
	}

	if cfg.Audit.QueueSize < 1 {
		errs = append(errs, "audit.queueSize must be >= 1")
	}
	if cfg.Audit.SinkTimeoutMs < 1 {
		errs = append(errs, "audit.sinkTimeoutMs must be >= 1")
	}
	if cfg.Audit.SQLite.Enabled {
		if cfg.Audit.SQLite.DBPath == "" {
			errs = append(errs, "audit.sqlite.dbPath is required when sqlite is enabled")
		}
		if cfg.Audit.SQLite.RetentionDays < 1 {
			errs = append(errs, "audit.sqlite.retentionDays must be >= 1")
		}
	}
	if tg := cfg.Audit.Telegram; tg.Enabled {
		if tg.Token == "" {
			errs = append(errs, "audit.telegram.token is required when telegram is enabled")
		}
		if len(tg.ChatIDs) == 0 {
			errs = append(errs, "audit.telegram.chatIds must list at least one chat")
		} else if _, err := tg.ChatIDList(); err != nil {
			errs = append(errs, "audit.telegram.chatIds: "+err.Error())
		}
	}
	if mq := cfg.Audit.MQTT; mq.Enabled {
		if mq.Broker == "" {
			errs = append(errs, "audit.mqtt.broker is required when mqtt is enabled")
		}
		if mq.QoS < 0 || mq.QoS > 2 {
			errs = append(errs, "audit.mqtt.qos must be 0, 1 or 2")
		}
	}

	switch cfg.RateLimiter.Backend {
	case "memory":
	case "redis":
		if cfg.RateLimiter.Redis.Addr == "" {
			errs = append(errs, "rateLimiter.redis.addr is required for the redis backend")
		}
	default:
		errs = append(errs, "rateLimiter.backend must be one of: memory, redis")
	}
	if cfg.RateLimiter.WindowSeconds < 1 {
		errs = append(errs, "rateLimiter.windowSeconds must be >= 1")
	}
	if cfg.RateLimiter.MaxEntries < 1 {
		errs = append(errs, "rateLimiter.maxEntries must be >= 1")
	}

	if cfg.Exec.Timeout < 1 {
		errs = append(errs, "exec.timeout must be >= 1")
	}
	if cfg.Exec.MaxOutputBytes < 1 {
		errs = append(errs, "exec.maxOutputBytes must be >= 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// Package config provides layered configuration for safewalk commands.
//
// Priority (highest to lowest): CLI flags > environment variables (including
// a local .env file) > YAML config file > defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Participant roles.
const (
	RoleRequester = "requester"
	RoleHelper    = "helper"
)

// Default configuration values.
const (
	DefaultListenAddr     = ":8090"
	DefaultCloudAddr      = ":8080"
	DefaultRegistryURL    = "http://localhost:8080"
	DefaultRelayURL       = "ws://localhost:8080/ws/state"
	DefaultSTUNServer     = "stun:stun.l.google.com:19302"
	DefaultWideRadiusKm   = 10.0
	DefaultNarrowRadiusKm = 5.0
	DefaultJSONStorePath  = "safewalk-registry.json"
	DefaultKafkaTopic     = "safewalk.help-requests"
)

// MatchingConfig holds the radii used by the proximity matcher.
type MatchingConfig struct {
	// WideRadiusKm is used for the general "available helpers" listing.
	WideRadiusKm float64 `yaml:"wide_radius_km"`

	// NarrowRadiusKm is used once an active help request exists.
	NarrowRadiusKm float64 `yaml:"narrow_radius_km"`
}

// PollingConfig holds the intervals of every periodic watcher.
type PollingConfig struct {
	// Acceptance is how often a searching requester checks the pending list.
	Acceptance time.Duration `yaml:"acceptance"`

	// Pending is how often an idle helper refreshes the pending list.
	Pending time.Duration `yaml:"pending"`

	// Location is the position sampling interval when the source has no push updates.
	Location time.Duration `yaml:"location"`

	// MatchRefresh is how often nearby helpers are re-ranked while searching.
	MatchRefresh time.Duration `yaml:"match_refresh"`
}

// CallConfig holds peer connection settings.
type CallConfig struct {
	ICEServers []string `yaml:"ice_servers"`
}

// LogConfig controls the global logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// CloudConfig configures the registry + relay service.
type CloudConfig struct {
	Addr string `yaml:"addr"`

	// Store selects the registry backend: "memory", "json" or "postgres".
	Store       string `yaml:"store"`
	JSONPath    string `yaml:"json_path"`
	PostgresDSN string `yaml:"postgres_dsn"`

	// KafkaBrokers enables registry event publishing when non-empty.
	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`

	// AutoVerify marks users first seen through a location update as
	// verified. Verification itself is handled outside this service.
	AutoVerify bool `yaml:"auto_verify"`
}

// Config is the root configuration for both binaries.
type Config struct {
	Role        string `yaml:"role"`
	UserID      string `yaml:"user_id"`
	DisplayName string `yaml:"display_name"`
	ListenAddr  string `yaml:"listen_addr"`
	RegistryURL string `yaml:"registry_url"`
	RelayURL    string `yaml:"relay_url"`
	Debug       bool   `yaml:"debug"`

	Matching MatchingConfig `yaml:"matching"`
	Polling  PollingConfig  `yaml:"polling"`
	Call     CallConfig     `yaml:"call"`
	Log      LogConfig      `yaml:"log"`
	Cloud    CloudConfig    `yaml:"cloud"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Role:        RoleRequester,
		ListenAddr:  DefaultListenAddr,
		RegistryURL: DefaultRegistryURL,
		RelayURL:    DefaultRelayURL,
		Matching: MatchingConfig{
			WideRadiusKm:   DefaultWideRadiusKm,
			NarrowRadiusKm: DefaultNarrowRadiusKm,
		},
		Polling: PollingConfig{
			Acceptance:   2 * time.Second,
			Pending:      5 * time.Second,
			Location:     5 * time.Second,
			MatchRefresh: 10 * time.Second,
		},
		Call: CallConfig{
			ICEServers: []string{DefaultSTUNServer},
		},
		Log: LogConfig{
			Level: "info",
		},
		Cloud: CloudConfig{
			Addr:       DefaultCloudAddr,
			Store:      "memory",
			JSONPath:   DefaultJSONStorePath,
			KafkaTopic: DefaultKafkaTopic,
			AutoVerify: true,
		},
	}
}

// RegisterFlags defines the command-line flags understood by Load.
func RegisterFlags(fs *pflag.FlagSet) {
	d := DefaultConfig()
	fs.String("role", d.Role, "participant role: requester or helper")
	fs.String("user", "", "participant user id")
	fs.String("name", "", "participant display name")
	fs.String("listen", d.ListenAddr, "participant API listen address")
	fs.String("registry", d.RegistryURL, "registry base URL")
	fs.String("relay", d.RelayURL, "shared-state relay websocket URL")
	fs.StringSlice("ice", d.Call.ICEServers, "ICE server URLs")
	fs.String("log-level", d.Log.Level, "log level: debug, info, warn, error")
	fs.String("log-format", "", "log format: text or json")
	fs.Bool("debug", false, "enable debug HTTP logging")
	fs.String("addr", d.Cloud.Addr, "cloud service listen address")
	fs.String("store", d.Cloud.Store, "registry store: memory, json or postgres")
	fs.String("json-path", d.Cloud.JSONPath, "registry JSON store path")
	fs.String("postgres-dsn", "", "registry Postgres connection string")
	fs.StringSlice("kafka-brokers", nil, "Kafka brokers for registry events")
	fs.Bool("auto-verify", d.Cloud.AutoVerify, "mark users first seen by location update as verified")
}

// Load builds the configuration from defaults, the YAML file at path (if it
// exists), the environment and the changed flags in fs. fs may be nil.
func Load(path string, fs *pflag.FlagSet) (Config, error) {
	// A missing .env is normal; variables may be set directly.
	_ = godotenv.Load()

	cfg := DefaultConfig()

	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, err
		}
	}

	applyEnv(&cfg)

	if fs != nil {
		if err := applyFlags(fs, &cfg); err != nil {
			return cfg, err
		}
	}

	return cfg, cfg.Validate()
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SAFEWALK_ROLE"); v != "" {
		cfg.Role = v
	}
	if v := os.Getenv("SAFEWALK_USER_ID"); v != "" {
		cfg.UserID = v
	}
	if v := os.Getenv("SAFEWALK_DISPLAY_NAME"); v != "" {
		cfg.DisplayName = v
	}
	if v := os.Getenv("SAFEWALK_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("REGISTRY_URL"); v != "" {
		cfg.RegistryURL = v
	}
	if v := os.Getenv("RELAY_URL"); v != "" {
		cfg.RelayURL = v
	}
	if v := os.Getenv("ICE_SERVERS"); v != "" {
		cfg.Call.ICEServers = splitList(v)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("PORT"); v != "" {
		cfg.Cloud.Addr = ":" + v
	}
	if v := os.Getenv("REGISTRY_STORE"); v != "" {
		cfg.Cloud.Store = v
	}
	if v := os.Getenv("REGISTRY_JSON_PATH"); v != "" {
		cfg.Cloud.JSONPath = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Cloud.PostgresDSN = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Cloud.KafkaBrokers = splitList(v)
	}
	if v := os.Getenv("KAFKA_TOPIC"); v != "" {
		cfg.Cloud.KafkaTopic = v
	}
	if v := os.Getenv("REGISTRY_AUTO_VERIFY"); v != "" {
		cfg.Cloud.AutoVerify = v == "1" || strings.EqualFold(v, "true")
	}
}

func applyFlags(fs *pflag.FlagSet, cfg *Config) error {
	var errs []error
	str := func(name string, dst *string) {
		if fs.Lookup(name) == nil || !fs.Changed(name) {
			return
		}
		v, err := fs.GetString(name)
		if err != nil {
			errs = append(errs, err)
			return
		}
		*dst = v
	}
	list := func(name string, dst *[]string) {
		if fs.Lookup(name) == nil || !fs.Changed(name) {
			return
		}
		v, err := fs.GetStringSlice(name)
		if err != nil {
			errs = append(errs, err)
			return
		}
		*dst = v
	}

	str("role", &cfg.Role)
	str("user", &cfg.UserID)
	str("name", &cfg.DisplayName)
	str("listen", &cfg.ListenAddr)
	str("registry", &cfg.RegistryURL)
	str("relay", &cfg.RelayURL)
	list("ice", &cfg.Call.ICEServers)
	str("log-level", &cfg.Log.Level)
	str("log-format", &cfg.Log.Format)
	str("addr", &cfg.Cloud.Addr)
	str("store", &cfg.Cloud.Store)
	str("json-path", &cfg.Cloud.JSONPath)
	str("postgres-dsn", &cfg.Cloud.PostgresDSN)
	list("kafka-brokers", &cfg.Cloud.KafkaBrokers)

	boolean := func(name string, dst *bool) {
		if fs.Lookup(name) == nil || !fs.Changed(name) {
			return
		}
		v, err := fs.GetBool(name)
		if err != nil {
			errs = append(errs, err)
			return
		}
		*dst = v
	}
	boolean("debug", &cfg.Debug)
	boolean("auto-verify", &cfg.Cloud.AutoVerify)

	return errors.Join(errs...)
}

// Validate checks values shared by every binary.
func (c Config) Validate() error {
	var errs []error
	if c.Matching.WideRadiusKm <= 0 || c.Matching.NarrowRadiusKm <= 0 {
		errs = append(errs, errors.New("config: matching radii must be positive"))
	}
	if c.Matching.NarrowRadiusKm > c.Matching.WideRadiusKm {
		errs = append(errs, errors.New("config: narrow radius must not exceed wide radius"))
	}
	if c.Polling.Acceptance <= 0 || c.Polling.Pending <= 0 || c.Polling.Location <= 0 || c.Polling.MatchRefresh <= 0 {
		errs = append(errs, errors.New("config: polling intervals must be positive"))
	}
	switch c.Cloud.Store {
	case "memory", "json", "postgres":
	default:
		errs = append(errs, fmt.Errorf("config: unknown registry store %q", c.Cloud.Store))
	}
	if c.Cloud.Store == "postgres" && c.Cloud.PostgresDSN == "" {
		errs = append(errs, errors.New("config: postgres store requires a DSN"))
	}
	return errors.Join(errs...)
}

// ValidateAgent checks the values a participant agent needs on top of Validate.
func (c Config) ValidateAgent() error {
	var errs []error
	if c.Role != RoleRequester && c.Role != RoleHelper {
		errs = append(errs, fmt.Errorf("config: role must be %q or %q, got %q", RoleRequester, RoleHelper, c.Role))
	}
	if c.UserID == "" {
		errs = append(errs, errors.New("config: user id is required"))
	}
	if c.RegistryURL == "" || c.RelayURL == "" {
		errs = append(errs, errors.New("config: registry and relay URLs are required"))
	}
	if len(c.Call.ICEServers) == 0 {
		errs = append(errs, errors.New("config: at least one ICE server is required"))
	}
	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

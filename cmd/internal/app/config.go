package app

import (
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata" // reset.timezone must resolve on hosts without zoneinfo

	"qamanager/cmd/internal/reconcile"
	"qamanager/cmd/security/identitytoken"
	"qamanager/cmd/security/token"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override (QAM_HTTP_ADDR overrides http.addr).
const EnvPrefix = "QAM"

// Config contains all runtime configuration.
//
// Layering: built-in defaults < YAML file < QAM_* environment variables.
type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http"`
	Log       LogConfig       `mapstructure:"log"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Store     StoreConfig     `mapstructure:"store"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Invite    InviteConfig    `mapstructure:"invite"`
	Secrets   SecretsConfig   `mapstructure:"secrets"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Reset     ResetConfig     `mapstructure:"reset"`
	CORS      CORSConfig      `mapstructure:"cors"`
	WS        WSConfig        `mapstructure:"ws"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

type HTTPConfig struct {
	Addr              string        `mapstructure:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	MaxHeaderBytes    int           `mapstructure:"max_header_bytes"`
	MaxBodyBytes      int64         `mapstructure:"max_body_bytes"`
	MaxImportBytes    int64         `mapstructure:"max_import_bytes"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json | pretty
	Color  bool   `mapstructure:"color"`
}

// DatabaseConfig selects the Postgres store. An empty URL runs the in-memory store.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
	Schema   string `mapstructure:"schema"`
	Migrate  bool   `mapstructure:"migrate"`

	// If true, /readyz returns 503 unless the database is configured.
	RequireForReadiness bool `mapstructure:"require_for_readiness"`
}

type StoreConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// AuthConfig verifies identity tokens from the upstream sign-in provider.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

type LedgerConfig struct {
	StrictOwnerRelease bool `mapstructure:"strict_owner_release"`
}

type InviteConfig struct {
	TokenBytes int           `mapstructure:"token_bytes"`
	MaxTTL     time.Duration `mapstructure:"max_ttl"`
	HMACKey    string        `mapstructure:"hmac_key"`
}

// SecretsConfig seals account passwords at rest. An empty key stores them as-is.
type SecretsConfig struct {
	Key  string `mapstructure:"key"`
	Salt string `mapstructure:"salt"`
}

type ReconcileConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	Username  string        `mapstructure:"username"`
	AccessKey string        `mapstructure:"access_key"`
	Interval  time.Duration `mapstructure:"interval"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type ResetConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	At       string `mapstructure:"at"`
	Timezone string `mapstructure:"timezone"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAgeSeconds    int      `mapstructure:"max_age_seconds"`
}

type WSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	OriginRequired bool     `mapstructure:"origin_required"`
	RequireAuth    bool     `mapstructure:"require_auth"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// envKeys are bound explicitly: AutomaticEnv alone does not reach Unmarshal
// for keys that have no default and no file entry.
var envKeys = []string{
	"http.addr",
	"http.read_header_timeout",
	"http.read_timeout",
	"http.write_timeout",
	"http.idle_timeout",
	"http.shutdown_timeout",
	"http.max_header_bytes",
	"http.max_body_bytes",
	"http.max_import_bytes",

	"log.level",
	"log.format",
	"log.color",

	"database.url",
	"database.max_conns",
	"database.min_conns",
	"database.schema",
	"database.migrate",
	"database.require_for_readiness",

	"store.timeout",

	"auth.jwt_secret",
	"auth.issuer",

	"ledger.strict_owner_release",

	"invite.token_bytes",
	"invite.max_ttl",
	"invite.hmac_key",

	"secrets.key",
	"secrets.salt",

	"reconcile.base_url",
	"reconcile.username",
	"reconcile.access_key",
	"reconcile.interval",
	"reconcile.timeout",

	"reset.enabled",
	"reset.at",
	"reset.timezone",

	"cors.allowed_origins",
	"cors.allow_credentials",
	"cors.max_age_seconds",

	"ws.allowed_origins",
	"ws.origin_required",
	"ws.require_auth",

	"metrics.enabled",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", "0.0.0.0:8080")
	v.SetDefault("http.read_header_timeout", "5s")
	v.SetDefault("http.read_timeout", "15s")
	v.SetDefault("http.write_timeout", "15s")
	v.SetDefault("http.idle_timeout", "60s")
	v.SetDefault("http.shutdown_timeout", "10s")
	v.SetDefault("http.max_header_bytes", 1<<20)
	v.SetDefault("http.max_body_bytes", 1<<20)
	v.SetDefault("http.max_import_bytes", 8<<20)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.color", false)

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.schema", "qam")
	v.SetDefault("database.migrate", true)
	v.SetDefault("database.require_for_readiness", false)

	v.SetDefault("store.timeout", "5s")

	v.SetDefault("ledger.strict_owner_release", true)

	v.SetDefault("invite.token_bytes", token.DefaultBytes)
	v.SetDefault("invite.max_ttl", "720h")

	v.SetDefault("reconcile.base_url", reconcile.DefaultBaseURL)
	v.SetDefault("reconcile.interval", "0s")
	v.SetDefault("reconcile.timeout", "10s")

	v.SetDefault("reset.enabled", true)
	v.SetDefault("reset.at", reconcile.DefaultResetAt)
	v.SetDefault("reset.timezone", reconcile.DefaultResetTimezone)

	v.SetDefault("cors.allowed_origins", []string{})
	v.SetDefault("cors.allow_credentials", false)
	v.SetDefault("cors.max_age_seconds", 600)

	v.SetDefault("ws.allowed_origins", []string{})
	v.SetDefault("ws.origin_required", true)
	v.SetDefault("ws.require_auth", false)

	v.SetDefault("metrics.enabled", true)
}

// LoadConfig loads Config from an optional YAML file and QAM_* environment
// variables. With an empty path it looks for ./qamanager.yaml and tolerates
// its absence; an explicit path must exist.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("qamanager")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("config: read %s: %w", configName(v, path), err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return Config{}, fmt.Errorf("config: bind env %q: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.CORS.AllowedOrigins = cleanList(cfg.CORS.AllowedOrigins)
	cfg.WS.AllowedOrigins = cleanList(cfg.WS.AllowedOrigins)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func configName(v *viper.Viper, path string) string {
	if used := v.ConfigFileUsed(); used != "" {
		return used
	}
	if path != "" {
		return path
	}
	return "qamanager.yaml"
}

// Validate fails fast on values the service cannot run with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		return errors.New("http.addr is required")
	}
	switch strings.ToLower(strings.TrimSpace(c.Log.Format)) {
	case "", "json", "pretty":
	default:
		return fmt.Errorf("log.format %q: want json or pretty", c.Log.Format)
	}
	if c.Database.MaxConns < 0 || c.Database.MinConns < 0 {
		return errors.New("database.max_conns and database.min_conns must not be negative")
	}
	if c.Database.MaxConns > 0 && c.Database.MinConns > c.Database.MaxConns {
		return fmt.Errorf("database.min_conns (%d) exceeds database.max_conns (%d)", c.Database.MinConns, c.Database.MaxConns)
	}
	if c.Store.Timeout <= 0 {
		return errors.New("store.timeout must be positive")
	}
	if s := strings.TrimSpace(c.Auth.JWTSecret); s != "" && len(s) < identitytoken.MinSecretBytes {
		return fmt.Errorf("auth.jwt_secret must be at least %d bytes", identitytoken.MinSecretBytes)
	}
	if c.Invite.TokenBytes < 16 {
		return errors.New("invite.token_bytes must be at least 16")
	}
	if c.Invite.MaxTTL < 0 {
		return errors.New("invite.max_ttl must not be negative")
	}
	if k := strings.TrimSpace(c.Invite.HMACKey); k != "" && len(k) < token.MinHMACKeyBytes {
		return fmt.Errorf("invite.hmac_key must be at least %d bytes", token.MinHMACKeyBytes)
	}
	if strings.TrimSpace(c.Secrets.Key) != "" && len(c.Secrets.Salt) < 16 {
		return errors.New("secrets.salt must be at least 16 bytes when secrets.key is set")
	}
	if c.Reconcile.Interval < 0 {
		return errors.New("reconcile.interval must not be negative")
	}
	if c.Reset.Enabled {
		if _, _, err := reconcile.ParseClock(c.Reset.At); err != nil {
			return fmt.Errorf("reset.at: %w", err)
		}
	}
	if _, err := c.Reset.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves the reset time zone; empty means UTC.
func (r ResetConfig) Location() (*time.Location, error) {
	tz := strings.TrimSpace(r.Timezone)
	if tz == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("reset.timezone %q: %w", tz, err)
	}
	return loc, nil
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		// Env values arrive as one comma separated string.
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

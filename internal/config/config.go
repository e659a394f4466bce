package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load reads the YAML config at configPath. ${VAR} references are expanded from the
// environment, which is first seeded from a .env file next to the config when present.
func Load(configPath string) (*AppConfig, error) {
	path := strings.TrimSpace(configPath)
	if path == "" {
		path = DefaultConfigPath
	}

	loadDotEnv(path)

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %q: %w", path, err)
	}
	return Parse(content, path)
}

// Parse decodes raw YAML content. source is only used in error messages.
func Parse(content []byte, source string) (*AppConfig, error) {
	cfg := defaultAppConfig()

	expanded := os.ExpandEnv(string(content))
	decoder := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	decoder.KnownFields(true)
	raw := rawAppConfig{}
	if err := decoder.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config file %q: %w", source, err)
	}

	if err := applyRawAppConfig(&cfg, raw); err != nil {
		return nil, fmt.Errorf("parse config file %q: %w", source, err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d in %q, expected 1-65535", cfg.Port, source)
	}
	if cfg.Database.Port < 1 || cfg.Database.Port > 65535 {
		return nil, fmt.Errorf("invalid database.port %d in %q, expected 1-65535", cfg.Database.Port, source)
	}
	if cfg.Redis.DB < 0 {
		return nil, fmt.Errorf("invalid redis.db %d in %q, expected >= 0", cfg.Redis.DB, source)
	}
	if cfg.Database.Driver != DriverMySQL && cfg.Database.Driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported database.driver %q in %q", cfg.Database.Driver, source)
	}
	if cfg.Push.MaxAttempts < 1 {
		return nil, fmt.Errorf("invalid push.max_attempts %d in %q, expected >= 1", cfg.Push.MaxAttempts, source)
	}

	return &cfg, nil
}

func loadDotEnv(configPath string) {
	candidates := []string{filepath.Join(filepath.Dir(configPath), ".env"), ".env"}
	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			_ = godotenv.Load(p)
			return
		}
	}
}

func defaultAppConfig() AppConfig {
	cfg := AppConfig{
		Port: defaultPort,
		Env:  defaultEnv,
		Database: DatabaseRuntimeConfig{
			Driver:    defaultDBDriver,
			Host:      defaultDBHost,
			Port:      defaultDBPort,
			User:      defaultDBUser,
			Password:  defaultDBPassword,
			Name:      defaultDBName,
			Charset:   defaultDBCharset,
			ParseTime: true,
			Loc:       defaultDBLoc,
		},
		Redis: RedisRuntimeConfig{
			Host: defaultRedisHost,
			Port: defaultRedisPort,
			DB:   defaultRedisDB,
		},
		Presence: PresenceConfig{
			SocketTTL:   defaultSocketTTL,
			LastSeenTTL: defaultLastSeenTTL,
			TypingTTL:   defaultTypingTTL,
		},
		Push: PushConfig{
			Endpoint:      defaultPushEndpoint,
			MaxAttempts:   defaultPushMaxAttempts,
			Backoff:       defaultPushBackoff,
			Concurrency:   defaultPushConcurrency,
			RatePerSecond: defaultPushRate,
			PollInterval:  defaultPushPollInterval,
			LeaseTimeout:  defaultPushLease,
		},
		Retention: RetentionConfig{
			NotificationsDays:  defaultRetentionNotifications,
			InactiveTokensDays: defaultRetentionTokens,
			FinishedJobsDays:   defaultRetentionJobs,
		},
		Cron: CronConfig{Enable: true},
	}
	cfg.Database = normalizeDatabaseConfig(cfg.Database)
	cfg.Redis = normalizeRedisConfig(cfg.Redis)
	cfg.DSN = cfg.Database.DSNValue()
	cfg.RedisURL = cfg.Redis.URLValue()
	return cfg
}

func applyRawAppConfig(cfg *AppConfig, raw rawAppConfig) error {
	overrideInt(&cfg.Port, raw.Port)
	applyRawDatabaseConfig(&cfg.Database, raw)
	applyRawRedisConfig(&cfg.Redis, raw)
	override(&cfg.Env, raw.Env, raw.AppEnv)
	override(&cfg.Paths.Logs, raw.LogDir)
	override(&cfg.JWTSecret, raw.JWTSecret)
	override(&cfg.JWKSURL, raw.JWKSURL)
	override(&cfg.Timezone, raw.Timezone, raw.TZ)

	if raw.AllowedOrigins != nil {
		cfg.AllowedOrigins = cleanList(raw.AllowedOrigins)
	} else if raw.CORSAllowedOrigins != nil {
		cfg.AllowedOrigins = cleanList(raw.CORSAllowedOrigins)
	}
	cfg.Admins = cleanList(raw.Admins)

	if err := applyRawPresenceConfig(&cfg.Presence, raw.Presence); err != nil {
		return err
	}
	if err := applyRawPushConfig(&cfg.Push, raw.Push); err != nil {
		return err
	}
	overrideInt(&cfg.Retention.NotificationsDays, raw.Retention.NotificationsDays)
	overrideInt(&cfg.Retention.InactiveTokensDays, raw.Retention.InactiveTokensDays)
	overrideInt(&cfg.Retention.FinishedJobsDays, raw.Retention.FinishedJobsDays)
	overridePtr(&cfg.Cron.Enable, raw.Cron.Enable)

	cfg.Database = normalizeDatabaseConfig(cfg.Database)
	cfg.Redis = normalizeRedisConfig(cfg.Redis)
	cfg.DSN = cfg.Database.DSNValue()
	cfg.RedisURL = cfg.Redis.URLValue()
	cfg.Env = normalizeEnv(cfg.Env)
	return nil
}

// applyRawDatabaseConfig layers the database section over the defaults. The
// top-level dsn and database_url keys are aliases for database.dsn.
func applyRawDatabaseConfig(cfg *DatabaseRuntimeConfig, raw rawAppConfig) {
	db := raw.Database
	override(&cfg.DSN, db.DSN, db.URL, raw.DSN, raw.DatabaseURL)
	override(&cfg.Host, db.Host)
	override(&cfg.User, db.User, db.Username)
	override(&cfg.Name, db.Name, db.DBName)
	override(&cfg.Charset, db.Charset)
	override(&cfg.Loc, db.Loc)
	override(&cfg.SSLMode, db.SSLMode)
	overrideInt(&cfg.Port, db.Port)
	overridePtr(&cfg.ParseTime, db.ParseTime)
	if db.Password != "" {
		cfg.Password = db.Password
	}
	if db.Params != nil {
		cfg.Params = db.Params
	}

	if d := strings.TrimSpace(db.Driver); d != "" {
		cfg.Driver = normalizeDriver(d)
	} else if inferred := inferDriver(cfg.DSN); inferred != "" {
		cfg.Driver = inferred
	}
	if cfg.Driver == DriverPostgres && db.Port == 0 && cfg.Port == defaultDBPort {
		cfg.Port = defaultPGPort
	}
}

func applyRawRedisConfig(cfg *RedisRuntimeConfig, raw rawAppConfig) {
	r := raw.Redis
	override(&cfg.URL, r.URL, raw.RedisURL)
	override(&cfg.Host, r.Host)
	override(&cfg.Username, r.Username)
	override(&cfg.Scheme, r.Scheme)
	overrideInt(&cfg.Port, r.Port)
	overridePtr(&cfg.DB, r.DB)
	overridePtr(&cfg.TLS, r.TLS)
	if r.Password != "" {
		cfg.Password = r.Password
	}
	if r.Params != nil {
		cfg.Params = r.Params
	}
}

func applyRawPresenceConfig(cfg *PresenceConfig, raw rawPresenceConfig) error {
	return parseDurations(
		durationField{"presence.socket_ttl", raw.SocketTTL, &cfg.SocketTTL},
		durationField{"presence.last_seen_ttl", raw.LastSeenTTL, &cfg.LastSeenTTL},
		durationField{"presence.typing_ttl", raw.TypingTTL, &cfg.TypingTTL},
	)
}

func applyRawPushConfig(cfg *PushConfig, raw rawPushConfig) error {
	override(&cfg.Endpoint, raw.Endpoint)
	override(&cfg.AccessToken, raw.AccessToken)
	overrideInt(&cfg.MaxAttempts, raw.MaxAttempts)
	if raw.Concurrency > 0 {
		cfg.Concurrency = raw.Concurrency
	}
	overridePtr(&cfg.RatePerSecond, raw.RatePerSecond)
	return parseDurations(
		durationField{"push.backoff", raw.Backoff, &cfg.Backoff},
		durationField{"push.poll_interval", raw.PollInterval, &cfg.PollInterval},
		durationField{"push.lease_timeout", raw.LeaseTimeout, &cfg.LeaseTimeout},
	)
}

type durationField struct {
	name string
	raw  string
	dst  *time.Duration
}

func parseDurations(fields ...durationField) error {
	for _, f := range fields {
		d, err := parseDuration(f.name, f.raw, *f.dst)
		if err != nil {
			return err
		}
		*f.dst = d
	}
	return nil
}

func parseDuration(field, raw string, fallback time.Duration) (time.Duration, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(trimmed)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, trimmed, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s %q: must be positive", field, trimmed)
	}
	return d, nil
}

// IsDev reports whether the app runs in development mode.
func (c *AppConfig) IsDev() bool {
	return c.Env == "development" || c.Env == "dev"
}

// LogDir returns the native log directory, made absolute against the working directory.
func (c *AppConfig) LogDir() string {
	dir := c.Paths.Logs
	if dir == "" {
		dir = "logs"
	}
	if abs, err := filepath.Abs(dir); err == nil {
		return abs
	}
	return filepath.Clean(dir)
}

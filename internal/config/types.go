package config

import "time"

// AppConfig holds runtime startup configuration loaded from YAML.
type AppConfig struct {
	Port           int
	DSN            string
	RedisURL       string
	Database       DatabaseRuntimeConfig
	Redis          RedisRuntimeConfig
	Env            string // "development" | "production"
	Paths          RuntimePathsConfig
	AllowedOrigins []string
	Admins         []string
	JWTSecret      string
	JWKSURL        string
	Timezone       string
	Presence       PresenceConfig
	Push           PushConfig
	Retention      RetentionConfig
	Cron           CronConfig
}

type DatabaseRuntimeConfig struct {
	Driver    string
	DSN       string
	Host      string
	Port      int
	User      string
	Password  string
	Name      string
	Charset   string
	ParseTime bool
	Loc       string
	SSLMode   string
	Params    map[string]string
}

type RedisRuntimeConfig struct {
	URL      string
	Host     string
	Port     int
	Username string
	Password string
	DB       int
	TLS      bool
	Scheme   string
	Params   map[string]string
}

type RuntimePathsConfig struct {
	Logs string
}

// PresenceConfig controls the TTLs of presence records in Redis.
type PresenceConfig struct {
	SocketTTL   time.Duration
	LastSeenTTL time.Duration
	TypingTTL   time.Duration
}

// PushConfig configures the push provider client and the durable queue worker.
type PushConfig struct {
	Endpoint      string
	AccessToken   string
	MaxAttempts   int
	Backoff       time.Duration
	Concurrency   int
	RatePerSecond float64
	PollInterval  time.Duration
	LeaseTimeout  time.Duration
}

// RetentionConfig is expressed in days.
type RetentionConfig struct {
	NotificationsDays  int
	InactiveTokensDays int
	FinishedJobsDays   int
}

type CronConfig struct {
	Enable bool
}

type rawAppConfig struct {
	Port               int                `yaml:"port"`
	DSN                string             `yaml:"dsn"`
	DatabaseURL        string             `yaml:"database_url"`
	RedisURL           string             `yaml:"redis_url"`
	Database           rawDatabaseConfig  `yaml:"database"`
	Redis              rawRedisConfig     `yaml:"redis"`
	Env                string             `yaml:"env"`
	AppEnv             string             `yaml:"app_env"`
	LogDir             string             `yaml:"log_dir"`
	AllowedOrigins     []string           `yaml:"allowed_origins"`
	CORSAllowedOrigins []string           `yaml:"cors_allowed_origins"`
	Admins             []string           `yaml:"admins"`
	JWTSecret          string             `yaml:"jwt_secret"`
	JWKSURL            string             `yaml:"jwks_url"`
	Timezone           string             `yaml:"timezone"`
	TZ                 string             `yaml:"tz"`
	Presence           rawPresenceConfig  `yaml:"presence"`
	Push               rawPushConfig      `yaml:"push"`
	Retention          rawRetentionConfig `yaml:"retention"`
	Cron               rawCronConfig      `yaml:"cron"`
}

type rawDatabaseConfig struct {
	Driver    string            `yaml:"driver"`
	DSN       string            `yaml:"dsn"`
	URL       string            `yaml:"url"`
	Host      string            `yaml:"host"`
	Port      int               `yaml:"port"`
	User      string            `yaml:"user"`
	Username  string            `yaml:"username"`
	Password  string            `yaml:"password"`
	Name      string            `yaml:"name"`
	DBName    string            `yaml:"db_name"`
	Charset   string            `yaml:"charset"`
	ParseTime *bool             `yaml:"parse_time"`
	Loc       string            `yaml:"loc"`
	SSLMode   string            `yaml:"sslmode"`
	Params    map[string]string `yaml:"params"`
}

type rawRedisConfig struct {
	URL      string            `yaml:"url"`
	Host     string            `yaml:"host"`
	Port     int               `yaml:"port"`
	Username string            `yaml:"username"`
	Password string            `yaml:"password"`
	DB       *int              `yaml:"db"`
	TLS      *bool             `yaml:"tls"`
	Scheme   string            `yaml:"scheme"`
	Params   map[string]string `yaml:"params"`
}

type rawPresenceConfig struct {
	SocketTTL   string `yaml:"socket_ttl"`
	LastSeenTTL string `yaml:"last_seen_ttl"`
	TypingTTL   string `yaml:"typing_ttl"`
}

type rawPushConfig struct {
	Endpoint      string   `yaml:"endpoint"`
	AccessToken   string   `yaml:"access_token"`
	MaxAttempts   int      `yaml:"max_attempts"`
	Backoff       string   `yaml:"backoff"`
	Concurrency   int      `yaml:"concurrency"`
	RatePerSecond *float64 `yaml:"rate_per_second"`
	PollInterval  string   `yaml:"poll_interval"`
	LeaseTimeout  string   `yaml:"lease_timeout"`
}

type rawRetentionConfig struct {
	NotificationsDays  int `yaml:"notifications_days"`
	InactiveTokensDays int `yaml:"inactive_tokens_days"`
	FinishedJobsDays   int `yaml:"finished_jobs_days"`
}

type rawCronConfig struct {
	Enable *bool `yaml:"enable"`
}

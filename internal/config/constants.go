package config

import "time"

const (
	// DefaultConfigPath is used when --config is not provided.
	DefaultConfigPath = "config.yml"
	defaultPort       = 2333
	defaultEnv        = "development"

	defaultDBDriver   = DriverMySQL
	defaultDBHost     = "127.0.0.1"
	defaultDBPort     = 3306
	defaultPGPort     = 5432
	defaultDBUser     = "root"
	defaultDBPassword = "password"
	defaultDBName     = "mx_social"
	defaultDBCharset  = "utf8mb4"
	defaultDBLoc      = "Local"
	defaultRedisHost  = "localhost"
	defaultRedisPort  = 6379
	defaultRedisDB    = 0

	defaultSocketTTL   = 90 * time.Second
	defaultLastSeenTTL = 30 * 24 * time.Hour
	defaultTypingTTL   = 5 * time.Second

	defaultPushEndpoint     = "https://exp.host/--/api/v2/push/send"
	defaultPushMaxAttempts  = 3
	defaultPushBackoff      = 5 * time.Second
	defaultPushConcurrency  = 4
	defaultPushRate         = 10
	defaultPushPollInterval = time.Second
	defaultPushLease        = 2 * time.Minute

	defaultRetentionNotifications = 90
	defaultRetentionTokens        = 60
	defaultRetentionJobs          = 7
)

const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

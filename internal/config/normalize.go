package config

import "strings"

// override sets *dst to the last non-blank candidate, so later aliases win.
func override(dst *string, candidates ...string) {
	for _, c := range candidates {
		if c = strings.TrimSpace(c); c != "" {
			*dst = c
		}
	}
}

func overrideInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

// overridePtr applies optional YAML scalars where the zero value is meaningful.
func overridePtr[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func orDefault[T comparable](dst *T, def T) {
	var zero T
	if *dst == zero {
		*dst = def
	}
}

func normalizeDatabaseConfig(cfg DatabaseRuntimeConfig) DatabaseRuntimeConfig {
	for _, f := range []*string{&cfg.DSN, &cfg.Host, &cfg.User, &cfg.Name, &cfg.Charset, &cfg.Loc, &cfg.SSLMode} {
		*f = strings.TrimSpace(*f)
	}
	cfg.Driver = normalizeDriver(cfg.Driver)
	orDefault(&cfg.Driver, defaultDBDriver)
	orDefault(&cfg.Host, defaultDBHost)
	orDefault(&cfg.User, defaultDBUser)
	orDefault(&cfg.Name, defaultDBName)
	orDefault(&cfg.Charset, defaultDBCharset)
	orDefault(&cfg.Loc, defaultDBLoc)
	if cfg.Driver == DriverPostgres {
		orDefault(&cfg.Port, defaultPGPort)
	}
	orDefault(&cfg.Port, defaultDBPort)
	cfg.Params = cleanParams(cfg.Params)
	return cfg
}

func normalizeDriver(raw string) string {
	switch d := strings.ToLower(strings.TrimSpace(raw)); d {
	case "postgresql", "pg", "pgx":
		return DriverPostgres
	case "mariadb":
		return DriverMySQL
	default:
		return d
	}
}

func normalizeRedisConfig(cfg RedisRuntimeConfig) RedisRuntimeConfig {
	cfg.URL = normalizeRedisRawURL(cfg.URL)
	cfg.Host = strings.TrimSpace(cfg.Host)
	cfg.Username = strings.TrimSpace(cfg.Username)
	cfg.Scheme = strings.ToLower(strings.TrimSpace(cfg.Scheme))
	orDefault(&cfg.Host, defaultRedisHost)
	orDefault(&cfg.Port, defaultRedisPort)
	if cfg.TLS {
		orDefault(&cfg.Scheme, "rediss")
	}
	orDefault(&cfg.Scheme, "redis")
	cfg.Params = cleanParams(cfg.Params)
	return cfg
}

// normalizeRedisRawURL accepts a bare host:port and adds the redis:// scheme.
func normalizeRedisRawURL(raw string) string {
	u := strings.TrimSpace(raw)
	if u == "" || strings.HasPrefix(u, "redis://") || strings.HasPrefix(u, "rediss://") {
		return u
	}
	return "redis://" + u
}

func normalizeEnv(env string) string {
	env = strings.ToLower(strings.TrimSpace(env))
	orDefault(&env, defaultEnv)
	return env
}

// cleanList trims entries and drops blanks. A nil input stays nil.
func cleanList(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func cleanParams(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if k != "" && v != "" {
			out[k] = v
		}
	}
	return out
}

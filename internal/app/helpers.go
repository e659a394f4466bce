package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mx-space/social/internal/config"
	jwtpkg "github.com/mx-space/social/internal/pkg/jwt"
	"go.uber.org/zap"
)

func applyRuntimeSettings(cfg *config.AppConfig, logger *zap.Logger) error {
	switch {
	case strings.TrimSpace(cfg.JWTSecret) != "":
		jwtpkg.SetSecret(strings.TrimSpace(cfg.JWTSecret))
	case strings.TrimSpace(cfg.JWKSURL) == "":
		logger.Warn("neither jwt_secret nor jwks_url is set, tokens are signed with the built-in secret")
	}
	if len(cfg.Admins) == 0 {
		logger.Info("no admins configured, operator endpoints are closed")
	}

	tz := strings.TrimSpace(cfg.Timezone)
	if tz == "" {
		return nil
	}
	loc, err := parseTimezoneLocation(tz)
	if err != nil {
		return fmt.Errorf("timezone %q: %w", tz, err)
	}
	time.Local = loc
	return os.Setenv("TZ", tz)
}

// parseTimezoneLocation accepts an IANA zone name or a fixed offset such as +08:00.
func parseTimezoneLocation(tz string) (*time.Location, error) {
	if loc, err := time.LoadLocation(tz); err == nil {
		return loc, nil
	}
	t, err := time.Parse("-07:00", tz)
	if err != nil {
		return nil, fmt.Errorf("not an IANA zone or a ±hh:mm offset")
	}
	_, offset := t.Zone()
	return time.FixedZone(tz, offset), nil
}

var durationUnits = []struct {
	size   time.Duration
	suffix string
}{
	{24 * time.Hour, "d"},
	{time.Hour, "h"},
	{time.Minute, "m"},
	{time.Second, "s"},
}

// humanizeDuration renders d with its two most significant units, e.g. "2d 3h".
func humanizeDuration(d time.Duration) string {
	parts := make([]string, 0, 2)
	for _, u := range durationUnits {
		n := d / u.size
		if n == 0 {
			if len(parts) > 0 {
				break
			}
			continue
		}
		parts = append(parts, strconv.FormatInt(int64(n), 10)+u.suffix)
		d -= n * u.size
		if len(parts) == 2 {
			break
		}
	}
	if len(parts) == 0 {
		return "0s"
	}
	return strings.Join(parts, " ")
}

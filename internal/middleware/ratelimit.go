package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mx-space/social/internal/pkg/response"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// hitScript counts a hit in the current window and arms the window's expiry on the
// first one, in a single round trip.
var hitScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// RateLimit allows perSecond requests per subject per one-second window, counted in
// Redis so every instance shares the budget. The subject is the user when auth ran
// first, the client IP otherwise. A Redis failure lets the request through.
func RateLimit(rdb *redis.Client, perSecond int64, log *zap.Logger) gin.HandlerFunc {
	limit := strconv.FormatInt(perSecond, 10)
	ttl := strconv.FormatInt((2 * time.Second).Milliseconds(), 10)

	return func(c *gin.Context) {
		if perSecond <= 0 {
			c.Next()
			return
		}
		subject := CurrentUserID(c)
		if subject == "" {
			subject = "ip:" + c.ClientIP()
		}

		window := time.Now().Unix()
		key := "mx:rate_limit:" + subject + ":" + strconv.FormatInt(window, 10)
		n, err := hitScript.Run(c.Request.Context(), rdb, []string{key}, ttl).Int64()
		if err != nil {
			log.Debug("rate limit store unavailable", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", limit)
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(max(perSecond-n, 0), 10))
		if n > perSecond {
			if n == perSecond+1 {
				log.Warn("rate limited", zap.String("subject", subject), zap.String("path", c.FullPath()))
			}
			response.TooManyRequests(c, "1")
			return
		}
		c.Next()
	}
}

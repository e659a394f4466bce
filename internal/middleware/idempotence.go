package middleware

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mx-space/social/internal/pkg/response"
	"github.com/redis/go-redis/v9"
)

const (
	idempotenceHeader = "x-idempotence"
	idempotenceTTL    = time.Minute

	claimPending = "pending"
	claimDone    = "done"
)

// Idempotence admits one POST or PUT per key per minute, so a client retrying a
// send over a flaky link does not store the message twice. The key is the
// x-idempotence header when present, otherwise a digest of the request.
//
// The claim is taken with SET NX before the handler runs. A 2xx marks it done for
// the rest of the window; any other status releases it so the client may retry.
func Idempotence(rdb *redis.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodPost && c.Request.Method != http.MethodPut {
			c.Next()
			return
		}
		key, ok := idempotenceKey(c)
		if !ok {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		claimed, err := rdb.SetNX(ctx, key, claimPending, idempotenceTTL).Result()
		if err != nil {
			c.Next()
			return
		}
		if !claimed {
			if rdb.Get(ctx, key).Val() == claimDone {
				response.Conflict(c, "identical request already succeeded")
			} else {
				response.Conflict(c, "identical request is in progress")
			}
			return
		}

		c.Next()

		if status := c.Writer.Status(); status >= 200 && status < 300 {
			rdb.Set(ctx, key, claimDone, redis.KeepTTL)
		} else {
			rdb.Del(ctx, key)
		}
	}
}

func idempotenceKey(c *gin.Context) (string, bool) {
	subject := CurrentUserID(c)
	if subject == "" {
		subject = c.ClientIP()
	}
	if hdr := c.GetHeader(idempotenceHeader); hdr != "" {
		return "mx:idempotence:h:" + subject + ":" + hdr, true
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return "", false
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))

	h := sha256.New()
	for _, part := range []string{c.Request.Method, c.Request.URL.RequestURI(), subject, c.Request.UserAgent()} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	h.Write(body)
	return "mx:idempotence:d:" + hex.EncodeToString(h.Sum(nil)), true
}

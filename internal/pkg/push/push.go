// Package push is a client for Expo-compatible push notification gateways.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultEndpoint = "https://exp.host/--/api/v2/push/send"
	maxChunk        = 100

	// ticket error a provider returns for tokens that will never work again
	errDeviceNotRegistered = "DeviceNotRegistered"
)

// ErrTransient marks failures worth retrying: transport errors, 429 and 5xx.
var ErrTransient = errors.New("push: transient provider failure")

// Message is one notification addressed to one device token.
type Message struct {
	To       string
	Title    string
	Body     string
	Data     map[string]interface{}
	Sound    string
	Badge    *int
	ImageURL string
}

type wireMessage struct {
	To          string                 `json:"to"`
	Title       string                 `json:"title,omitempty"`
	Body        string                 `json:"body,omitempty"`
	Data        map[string]interface{} `json:"data,omitempty"`
	Sound       string                 `json:"sound,omitempty"`
	Badge       *int                   `json:"badge,omitempty"`
	RichContent *richContent           `json:"richContent,omitempty"`
}

type richContent struct {
	Image string `json:"image"`
}

type ticket struct {
	Status  string `json:"status"`
	ID      string `json:"id"`
	Message string `json:"message"`
	Details struct {
		Error string `json:"error"`
	} `json:"details"`
}

type sendResponse struct {
	Data   []ticket `json:"data"`
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

// Report partitions the addressed tokens by outcome.
type Report struct {
	Delivered []string
	// Invalid tokens are permanently rejected and should be deactivated.
	Invalid []string
	// Failed tokens hit a per-ticket error that may succeed later.
	Failed []string
}

func (r *Report) merge(o Report) {
	r.Delivered = append(r.Delivered, o.Delivered...)
	r.Invalid = append(r.Invalid, o.Invalid...)
	r.Failed = append(r.Failed, o.Failed...)
}

type Config struct {
	Endpoint      string
	AccessToken   string
	RatePerSecond float64
	Timeout       time.Duration
}

// Client sends messages in chunks, throttled by a token bucket.
type Client struct {
	endpoint    string
	accessToken string
	httpClient  *http.Client
	limiter     *rate.Limiter
}

func NewClient(cfg Config) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	return &Client{
		endpoint:    cfg.Endpoint,
		accessToken: cfg.AccessToken,
		httpClient:  &http.Client{Timeout: cfg.Timeout},
		limiter:     rate.NewLimiter(limit, 1),
	}
}

// IsPushToken reports whether token looks like an Expo push token.
func IsPushToken(token string) bool {
	for _, prefix := range []string{"ExponentPushToken[", "ExpoPushToken["} {
		if strings.HasPrefix(token, prefix) && strings.HasSuffix(token, "]") && len(token) > len(prefix)+1 {
			return true
		}
	}
	return false
}

// Send delivers msgs and reports the outcome per token. Malformed tokens are
// reported invalid without being sent. When a chunk fails as a whole the error
// wraps ErrTransient for retryable failures; the report still covers the chunks
// sent before it.
func (c *Client) Send(ctx context.Context, msgs []Message) (Report, error) {
	var report Report
	valid := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if IsPushToken(m.To) {
			valid = append(valid, m)
		} else {
			report.Invalid = append(report.Invalid, m.To)
		}
	}

	for start := 0; start < len(valid); start += maxChunk {
		end := start + maxChunk
		if end > len(valid) {
			end = len(valid)
		}
		part, err := c.sendChunk(ctx, valid[start:end])
		if err != nil {
			return report, err
		}
		report.merge(part)
	}
	return report, nil
}

func (c *Client) sendChunk(ctx context.Context, msgs []Message) (Report, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Report{}, err
	}

	wire := make([]wireMessage, len(msgs))
	for i, m := range msgs {
		wire[i] = wireMessage{
			To:    m.To,
			Title: m.Title,
			Body:  m.Body,
			Data:  m.Data,
			Sound: m.Sound,
			Badge: m.Badge,
		}
		if m.ImageURL != "" {
			wire[i].RichContent = &richContent{Image: m.ImageURL}
		}
	}
	b, err := json.Marshal(wire)
	if err != nil {
		return Report{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(b))
	if err != nil {
		return Report{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Report{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Report{}, fmt.Errorf("%w: read response: %v", ErrTransient, err)
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return Report{}, fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return Report{}, fmt.Errorf("push: provider rejected request: status %d: %s", resp.StatusCode, truncate(body, 200))
	}

	var parsed sendResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Report{}, fmt.Errorf("push: decode response: %w", err)
	}
	if len(parsed.Errors) > 0 {
		return Report{}, fmt.Errorf("%w: %s: %s", ErrTransient, parsed.Errors[0].Code, parsed.Errors[0].Message)
	}
	if len(parsed.Data) != len(msgs) {
		return Report{}, fmt.Errorf("%w: got %d tickets for %d messages", ErrTransient, len(parsed.Data), len(msgs))
	}

	var report Report
	for i, t := range parsed.Data {
		token := msgs[i].To
		switch {
		case t.Status == "ok":
			report.Delivered = append(report.Delivered, token)
		case t.Details.Error == errDeviceNotRegistered:
			report.Invalid = append(report.Invalid, token)
		default:
			report.Failed = append(report.Failed, token)
		}
	}
	return report, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

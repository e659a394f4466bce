package presence

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/mx-space/social/internal/pkg/metrics"
	pkgredis "github.com/mx-space/social/internal/pkg/redis"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Transition is the physical online/offline edge produced by a registry mutation.
type Transition int

const (
	TransitionNone Transition = iota
	TransitionOnline
	TransitionOffline
)

func (t Transition) String() string {
	switch t {
	case TransitionOnline:
		return "online"
	case TransitionOffline:
		return "offline"
	default:
		return "none"
	}
}

// Change describes the effect of a registry mutation. Transition is the physical
// signal; Announce says whether the user's audience must hear about it, which is
// false while the user appears offline.
type Change struct {
	UserID     string
	Transition Transition
	Visible    bool
	Announce   bool
	Count      int
}

// Status is the externally visible presence of one user.
type Status struct {
	IsOnline bool       `json:"isOnline"`
	LastSeen *time.Time `json:"lastSeen"`
}

type Config struct {
	// SocketTTL bounds how long a connection survives without a heartbeat.
	SocketTTL   time.Duration
	LastSeenTTL time.Duration
	TypingTTL   time.Duration
}

func (c Config) withDefaults() Config {
	if c.SocketTTL <= 0 {
		c.SocketTTL = 90 * time.Second
	}
	if c.LastSeenTTL <= 0 {
		c.LastSeenTTL = 30 * 24 * time.Hour
	}
	if c.TypingTTL <= 0 {
		c.TypingTTL = 5 * time.Second
	}
	return c
}

type Option func(*Registry)

// WithClock overrides time.Now, mainly for typing TTL evaluation in tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// Registry tracks live connections per user in Redis so every server instance sees
// the same state. All count mutations run as Lua scripts and are atomic per call.
type Registry struct {
	rc     *pkgredis.Client
	cfg    Config
	now    func() time.Time
	logger *zap.Logger
}

func NewRegistry(rc *pkgredis.Client, cfg Config, opts ...Option) *Registry {
	r := &Registry{
		rc:     rc,
		cfg:    cfg.withDefaults(),
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds connID to userID's live set. Re-registering a known connection is a no-op.
func (r *Registry) Register(ctx context.Context, userID, connID string) (Change, error) {
	if userID == "" || connID == "" {
		return Change{}, fmt.Errorf("presence: register requires user and connection id")
	}
	res, err := registerScript.Run(ctx, r.rc.Raw(),
		[]string{socketKey(connID), socketsKey(userID), keyOnline, appearKey(userID), announcedKey(userID), lastSeenKey(userID)},
		userID, connID, r.cfg.SocketTTL.Milliseconds(), r.now().UnixMilli(), r.cfg.LastSeenTTL.Milliseconds(), keySocketPrefix,
	).Int64Slice()
	if err != nil {
		return Change{}, fmt.Errorf("presence: register %s: %w", userID, err)
	}

	change := Change{
		UserID:   userID,
		Visible:  res[3] == 0,
		Announce: res[1] == 1,
		Count:    int(res[2]),
	}
	if res[0] == 1 {
		change.Transition = TransitionOnline
		metrics.PresenceTransitions.WithLabelValues(TransitionOnline.String()).Inc()
		r.logger.Debug("user online", zap.String("user", userID), zap.String("conn", connID))
	}
	return change, nil
}

// Unregister removes connID. userID is only consulted when the connection record
// already expired; pass "" to rely on the record alone. Unknown or already-removed
// connections yield a zero Change.
func (r *Registry) Unregister(ctx context.Context, userID, connID string) (Change, error) {
	if connID == "" {
		return Change{}, nil
	}
	raw, err := unregisterScript.Run(ctx, r.rc.Raw(),
		[]string{socketKey(connID), keyOnline},
		connID, keyUserPrefix, keyAppearPrefix, keyAnnouncedPrefix, keyLastSeenPrefix,
		r.now().UnixMilli(), r.cfg.LastSeenTTL.Milliseconds(), userID, keySocketPrefix,
	).Slice()
	if err != nil {
		return Change{}, fmt.Errorf("presence: unregister %s: %w", connID, err)
	}
	if len(raw) != 4 {
		return Change{}, fmt.Errorf("presence: unregister %s: unexpected reply %v", connID, raw)
	}

	userID, _ = raw[0].(string)
	if userID == "" {
		return Change{}, nil
	}
	last, _ := raw[1].(int64)
	announce, _ := raw[2].(int64)
	count, _ := raw[3].(int64)

	change := Change{
		UserID:   userID,
		Announce: announce == 1,
		Count:    int(count),
	}
	if last == 1 {
		change.Transition = TransitionOffline
		metrics.PresenceTransitions.WithLabelValues(TransitionOffline.String()).Inc()
		r.logger.Debug("user offline", zap.String("user", userID), zap.String("conn", connID))
	} else {
		visible, err := r.IsVisiblyOnline(ctx, userID)
		if err != nil {
			return change, err
		}
		change.Visible = visible
	}
	return change, nil
}

// HeartbeatInterval is how often live connections must be touched to outlive SocketTTL.
func (r *Registry) HeartbeatInterval() time.Duration {
	return r.cfg.SocketTTL / 3
}

// Touch extends the lifetime of live connections. It returns the ids whose record
// had already expired; those must be registered again.
func (r *Registry) Touch(ctx context.Context, connIDs ...string) ([]string, error) {
	var lost []string
	for _, connID := range connIDs {
		ok, err := touchScript.Run(ctx, r.rc.Raw(), []string{socketKey(connID)},
			keyUserPrefix, r.cfg.SocketTTL.Milliseconds(),
		).Int()
		if err != nil {
			return lost, fmt.Errorf("presence: touch %s: %w", connID, err)
		}
		if ok == 0 {
			lost = append(lost, connID)
		}
	}
	return lost, nil
}

// ConnectionCount returns the number of live connections of userID.
func (r *Registry) ConnectionCount(ctx context.Context, userID string) (int, error) {
	n, err := r.rc.Raw().SCard(ctx, socketsKey(userID)).Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// IsOnline reports whether userID has at least one live connection, ignoring appear-offline.
func (r *Registry) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := r.ConnectionCount(ctx, userID)
	return n > 0, err
}

// IsVisiblyOnline reports what other users are allowed to see.
func (r *Registry) IsVisiblyOnline(ctx context.Context, userID string) (bool, error) {
	pipe := r.rc.Raw().Pipeline()
	count := pipe.SCard(ctx, socketsKey(userID))
	appear := pipe.Exists(ctx, appearKey(userID))
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return count.Val() > 0 && appear.Val() == 0, nil
}

// IsAppearOffline reports the user's override flag.
func (r *Registry) IsAppearOffline(ctx context.Context, userID string) (bool, error) {
	n, err := r.rc.Raw().Exists(ctx, appearKey(userID)).Result()
	return n > 0, err
}

// BatchStatus resolves the visible presence of many users in one round trip.
// LastSeen is hidden for users who appear offline.
func (r *Registry) BatchStatus(ctx context.Context, userIDs []string) (map[string]Status, error) {
	ids := dedupe(userIDs)
	out := make(map[string]Status, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	type cmds struct {
		count    *redis.IntCmd
		appear   *redis.IntCmd
		lastSeen *redis.StringCmd
	}
	pending := make(map[string]cmds, len(ids))
	pipe := r.rc.Raw().Pipeline()
	for _, id := range ids {
		pending[id] = cmds{
			count:    pipe.SCard(ctx, socketsKey(id)),
			appear:   pipe.Exists(ctx, appearKey(id)),
			lastSeen: pipe.Get(ctx, lastSeenKey(id)),
		}
	}
	if _, err := pipe.Exec(ctx); err != nil && !pkgredis.IsNil(err) {
		return nil, fmt.Errorf("presence: batch status: %w", err)
	}

	for id, c := range pending {
		hidden := c.appear.Val() > 0
		st := Status{IsOnline: c.count.Val() > 0 && !hidden}
		if !hidden {
			if ms, err := strconv.ParseInt(c.lastSeen.Val(), 10, 64); err == nil {
				ts := time.UnixMilli(ms)
				st.LastSeen = &ts
			}
		}
		out[id] = st
	}
	return out, nil
}

// SetAppearOffline flips the user's override. Connection counts are untouched. When
// toggles race, only the latest one may announce, and only if the visible state
// actually changed from what was last announced.
func (r *Registry) SetAppearOffline(ctx context.Context, userID string, appearOffline bool) (Change, error) {
	version, err := r.applyAppearOffline(ctx, userID, appearOffline)
	if err != nil {
		return Change{}, err
	}
	return r.claimAnnouncement(ctx, userID, version)
}

func (r *Registry) applyAppearOffline(ctx context.Context, userID string, appearOffline bool) (int64, error) {
	flag := "0"
	if appearOffline {
		flag = "1"
	}
	res, err := appearApplyScript.Run(ctx, r.rc.Raw(),
		[]string{appearKey(userID), versionKey(userID), socketsKey(userID), lastSeenKey(userID)},
		flag, r.now().UnixMilli(), r.cfg.LastSeenTTL.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return 0, fmt.Errorf("presence: appear offline %s: %w", userID, err)
	}
	return res[0], nil
}

func (r *Registry) claimAnnouncement(ctx context.Context, userID string, version int64) (Change, error) {
	res, err := appearClaimScript.Run(ctx, r.rc.Raw(),
		[]string{versionKey(userID), appearKey(userID), socketsKey(userID), announcedKey(userID)},
		strconv.FormatInt(version, 10),
	).Int64Slice()
	if err != nil {
		return Change{}, fmt.Errorf("presence: appear offline claim %s: %w", userID, err)
	}

	change := Change{UserID: userID, Announce: res[0] == 1}
	if res[1] >= 0 {
		change.Visible = res[1] == 1
	} else {
		// superseded by a newer toggle; report current state without announcing
		visible, err := r.IsVisiblyOnline(ctx, userID)
		if err != nil {
			return change, err
		}
		change.Visible = visible
	}
	return change, nil
}

// PurgeOrphans drops connection ids whose record expired without a clean
// disconnect (crashed instance) and takes users left with no connections offline.
// It returns one offline Change per such user; Announce is set when the audience
// still believes the user is online.
func (r *Registry) PurgeOrphans(ctx context.Context) ([]Change, error) {
	users, err := r.rc.Raw().SMembers(ctx, keyOnline).Result()
	if err != nil {
		return nil, err
	}

	var purged []Change
	for _, userID := range users {
		res, err := purgeScript.Run(ctx, r.rc.Raw(),
			[]string{socketsKey(userID), keyOnline, appearKey(userID), announcedKey(userID), lastSeenKey(userID)},
			userID, keySocketPrefix, r.now().UnixMilli(), r.cfg.LastSeenTTL.Milliseconds(),
		).Int64Slice()
		if err != nil {
			return purged, fmt.Errorf("presence: purge %s: %w", userID, err)
		}
		if res[0] == 0 {
			continue
		}
		metrics.PresenceTransitions.WithLabelValues(TransitionOffline.String()).Inc()
		purged = append(purged, Change{UserID: userID, Transition: TransitionOffline, Announce: res[1] == 1})
	}
	if len(purged) > 0 {
		r.logger.Info("purged orphaned presence", zap.Int("users", len(purged)))
	}
	return purged, nil
}

func isNil(err error) bool { return pkgredis.IsNil(err) }

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

package presence

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// SetTyping records or clears a typing indicator. Entries are timestamped and judged
// against TypingTTL at read time, so a client that never sends typing-stop stops
// counting as typing on its own. The hash itself expires after two TTLs of silence.
func (r *Registry) SetTyping(ctx context.Context, conversationID, userID string, isTyping bool) error {
	key := typingKey(conversationID)
	if !isTyping {
		if err := r.rc.Raw().HDel(ctx, key, userID).Err(); err != nil {
			return fmt.Errorf("presence: clear typing: %w", err)
		}
		return nil
	}

	pipe := r.rc.Raw().TxPipeline()
	pipe.HSet(ctx, key, userID, r.now().UnixMilli())
	pipe.PExpire(ctx, key, 2*r.cfg.TypingTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: set typing: %w", err)
	}
	return nil
}

// IsTyping reports whether userID has a fresh typing entry in the conversation.
func (r *Registry) IsTyping(ctx context.Context, conversationID, userID string) (bool, error) {
	raw, err := r.rc.Raw().HGet(ctx, typingKey(conversationID), userID).Result()
	if err != nil {
		if isNil(err) {
			return false, nil
		}
		return false, err
	}
	return r.fresh(raw), nil
}

// TypingUsers lists users with fresh typing entries, sorted.
func (r *Registry) TypingUsers(ctx context.Context, conversationID string) ([]string, error) {
	entries, err := r.rc.Raw().HGetAll(ctx, typingKey(conversationID)).Result()
	if err != nil {
		return nil, err
	}
	users := make([]string, 0, len(entries))
	for userID, raw := range entries {
		if r.fresh(raw) {
			users = append(users, userID)
		}
	}
	sort.Strings(users)
	return users, nil
}

func (r *Registry) fresh(raw string) bool {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return false
	}
	return r.now().Sub(time.UnixMilli(ms)) < r.cfg.TypingTTL
}

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"warden-tg-bot/internal/config"
)

// Store is the redis-backed persistence layer. It is the only shared
// mutable state between the event handlers and the sweep; callers rely on
// single-key atomicity (ClaimPending, AcquireLock) instead of locks.
type Store struct {
	rdb *redis.Client
}

// New connects to redis and verifies the connection.
func New(cfg config.RedisConfig) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Store{rdb: rdb}, nil
}

// NewWithClient wraps an existing client. Used by tests.
func NewWithClient(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

func pendingKey(chatID int64) string {
	return fmt.Sprintf("chat:%d:pending", chatID)
}

func countdownKey(chatID int64) string {
	return fmt.Sprintf("chat:%d:countdown", chatID)
}

func banCounterKey(chatID, userID int64) string {
	return fmt.Sprintf("chat:%d:ban_counter:%d", chatID, userID)
}

func adminsKey(chatID int64) string {
	return fmt.Sprintf("chat:%d:admins", chatID)
}

func welcomeKey(chatID int64) string {
	return fmt.Sprintf("chat:%d:welcome", chatID)
}

func lockKey(chatID int64, name string) string {
	return fmt.Sprintf("chat:%d:lock:%s", chatID, name)
}

// PutPending creates or overwrites the verification record for its
// (chat, user) pair.
func (s *Store) PutPending(ctx context.Context, p *PendingVerification) error {
	p.Version = SchemaVersion
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal pending: %w", err)
	}
	if err := s.rdb.HSet(ctx, pendingKey(p.ChatID), strconv.FormatInt(p.UserID, 10), raw).Err(); err != nil {
		return fmt.Errorf("put pending: %w", err)
	}
	return nil
}

// updatePendingScript writes the record field only while it still
// exists. A blind HSET could resurrect a record a concurrent resolver
// already claimed.
var updatePendingScript = redis.NewScript(`
if redis.call("HEXISTS", KEYS[1], ARGV[1]) == 1 then
	redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
	return 1
end
return 0`)

// UpdatePending overwrites the verification record only if it still
// exists, reporting whether the write happened. The conditional is the
// mutation-side counterpart of ClaimPending: a resolver that claimed
// the record in the meantime keeps its win.
func (s *Store) UpdatePending(ctx context.Context, p *PendingVerification) (bool, error) {
	p.Version = SchemaVersion
	raw, err := json.Marshal(p)
	if err != nil {
		return false, fmt.Errorf("marshal pending: %w", err)
	}
	n, err := updatePendingScript.Run(ctx, s.rdb,
		[]string{pendingKey(p.ChatID)}, strconv.FormatInt(p.UserID, 10), raw).Int()
	if err != nil {
		return false, fmt.Errorf("update pending: %w", err)
	}
	return n == 1, nil
}

// GetPending returns the verification record or ErrNotFound.
func (s *Store) GetPending(ctx context.Context, chatID, userID int64) (*PendingVerification, error) {
	raw, err := s.rdb.HGet(ctx, pendingKey(chatID), strconv.FormatInt(userID, 10)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pending: %w", err)
	}
	var p PendingVerification
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("unmarshal pending: %w", err)
	}
	return &p, nil
}

// ClaimPending removes the verification record and reports whether this
// caller performed the removal. The deleted-count acts as a
// compare-and-delete: when the sweep and a live resolution race, exactly
// one of them claims the record and proceeds to act on it.
func (s *Store) ClaimPending(ctx context.Context, chatID, userID int64) (*PendingVerification, bool, error) {
	p, err := s.GetPending(ctx, chatID, userID)
	if err == ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	n, err := s.rdb.HDel(ctx, pendingKey(chatID), strconv.FormatInt(userID, 10)).Result()
	if err != nil {
		return nil, false, fmt.Errorf("claim pending: %w", err)
	}
	if n == 0 {
		// Lost the race to a concurrent resolver.
		return nil, false, nil
	}
	return p, true, nil
}

// ListPending returns every outstanding verification in a chat.
func (s *Store) ListPending(ctx context.Context, chatID int64) ([]*PendingVerification, error) {
	fields, err := s.rdb.HGetAll(ctx, pendingKey(chatID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	out := make([]*PendingVerification, 0, len(fields))
	for _, raw := range fields {
		var p PendingVerification
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("unmarshal pending: %w", err)
		}
		out = append(out, &p)
	}
	return out, nil
}

// PendingChats scans for every chat that has at least one outstanding
// verification.
func (s *Store) PendingChats(ctx context.Context) ([]int64, error) {
	var (
		chats  []int64
		cursor uint64
	)
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, "chat:*:pending", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan pending chats: %w", err)
		}
		for _, key := range keys {
			parts := strings.Split(key, ":")
			if len(parts) != 3 {
				continue
			}
			id, err := strconv.ParseInt(parts[1], 10, 64)
			if err != nil {
				continue
			}
			chats = append(chats, id)
		}
		cursor = next
		if cursor == 0 {
			return chats, nil
		}
	}
}

// AddCountdown marks the user as mid-countdown. The set TTL is a safety
// net so a crashed countdown cannot leave the entry behind forever.
func (s *Store) AddCountdown(ctx context.Context, chatID, userID int64, ttl time.Duration) error {
	pipe := s.rdb.Pipeline()
	pipe.SAdd(ctx, countdownKey(chatID), userID)
	pipe.Expire(ctx, countdownKey(chatID), ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("add countdown: %w", err)
	}
	return nil
}

// RemoveCountdown removes the membership entry and reports whether it was
// present. Presence decides the leave-during-countdown race: whichever of
// the countdown loop and the exit reconciler removes the entry first owns
// the outcome.
func (s *Store) RemoveCountdown(ctx context.Context, chatID, userID int64) (bool, error) {
	n, err := s.rdb.SRem(ctx, countdownKey(chatID), userID).Result()
	if err != nil {
		return false, fmt.Errorf("remove countdown: %w", err)
	}
	return n > 0, nil
}

func (s *Store) InCountdown(ctx context.Context, chatID, userID int64) (bool, error) {
	ok, err := s.rdb.SIsMember(ctx, countdownKey(chatID), userID).Result()
	if err != nil {
		return false, fmt.Errorf("check countdown: %w", err)
	}
	return ok, nil
}

// IncrBanCount bumps the infraction counter and returns the new value.
// The first infraction arms the forgiveness window; once it lapses the
// next infraction starts over at one.
func (s *Store) IncrBanCount(ctx context.Context, chatID, userID int64, window time.Duration) (int64, error) {
	key := banCounterKey(chatID, userID)
	n, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("incr ban counter: %w", err)
	}
	if n == 1 {
		if err := s.rdb.Expire(ctx, key, window).Err(); err != nil {
			return n, fmt.Errorf("expire ban counter: %w", err)
		}
	}
	return n, nil
}

// GetAdmins returns the cached administrator set or ErrNotFound when the
// cache is cold. A chat always has at least one administrator, so an
// empty set means expiry, not an adminless chat.
func (s *Store) GetAdmins(ctx context.Context, chatID int64) ([]int64, error) {
	members, err := s.rdb.SMembers(ctx, adminsKey(chatID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get admins: %w", err)
	}
	if len(members) == 0 {
		return nil, ErrNotFound
	}
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Store) SetAdmins(ctx context.Context, chatID int64, ids []int64, ttl time.Duration) error {
	members := make([]interface{}, len(ids))
	for i, id := range ids {
		members[i] = id
	}
	pipe := s.rdb.Pipeline()
	pipe.Del(ctx, adminsKey(chatID))
	if len(members) > 0 {
		pipe.SAdd(ctx, adminsKey(chatID), members...)
		pipe.Expire(ctx, adminsKey(chatID), ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set admins: %w", err)
	}
	return nil
}

// GetWelcome returns the chat's custom welcome template or ErrNotFound.
func (s *Store) GetWelcome(ctx context.Context, chatID int64) (string, error) {
	text, err := s.rdb.Get(ctx, welcomeKey(chatID)).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get welcome: %w", err)
	}
	return text, nil
}

func (s *Store) SetWelcome(ctx context.Context, chatID int64, text string) error {
	if err := s.rdb.Set(ctx, welcomeKey(chatID), text, 0).Err(); err != nil {
		return fmt.Errorf("set welcome: %w", err)
	}
	return nil
}

// AcquireLock takes a TTL-bounded per-chat lock. The TTL guarantees a
// crashed holder cannot leave the chat locked forever.
func (s *Store) AcquireLock(ctx context.Context, chatID int64, name string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, lockKey(chatID, name), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock: %w", err)
	}
	return ok, nil
}

func (s *Store) ReleaseLock(ctx context.Context, chatID int64, name string) error {
	if err := s.rdb.Del(ctx, lockKey(chatID, name)).Err(); err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// PurgeChat deletes every key belonging to a chat. Invoked when the bot
// is removed from the chat or the chat no longer exists.
func (s *Store) PurgeChat(ctx context.Context, chatID int64) error {
	var cursor uint64
	pattern := fmt.Sprintf("chat:%d:*", chatID)
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("scan chat keys: %w", err)
		}
		if len(keys) > 0 {
			if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("purge chat keys: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

package receipt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore is the optional multi-process alternative to Store, used when
// config.RedisURL is set — the receipt facility otherwise lives only in the
// process that created it. Keys are scoped `receipt:{room_id}:{receipt_id}`
// with Redis's own TTL doing the expiry work TimedStore's sweep does for the
// in-memory Store.
type RedisStore struct {
	client            *redis.Client
	maxPerSender      int
	defaultExpiration time.Duration
	now               func() time.Time
}

// NewRedisStore connects to redisURL, matching the teacher's
// storage.NewRedisStore dial-and-ping pattern.
func NewRedisStore(ctx context.Context, redisURL string, maxPerSender int, defaultExpiration time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("receipt: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("receipt: ping redis: %w", err)
	}
	return &RedisStore{client: client, maxPerSender: maxPerSender, defaultExpiration: defaultExpiration, now: time.Now}, nil
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error { return s.client.Close() }

func roomPattern(roomID string) string {
	return fmt.Sprintf("receipt:%s:*", roomID)
}

func receiptKey(roomID, id string) string {
	return fmt.Sprintf("receipt:%s:%s", roomID, id)
}

// Create mirrors Store.Create's validation and limits, backed by Redis
// instead of TimedStore. sender == "" groups all system-generated receipts
// together and is subject to the same rules as any other sender.
func (s *RedisStore) Create(ctx context.Context, roomID, target, sender string, song Song, message string) (Receipt, error) {
	if err := song.validate(); err != nil {
		return Receipt{}, err
	}

	existing, err := s.receiptsFrom(ctx, roomID, target, sender)
	if err != nil {
		return Receipt{}, err
	}
	if len(existing) >= s.maxPerSender {
		return Receipt{}, fmt.Errorf("%w: sender=%q target=%q room=%q", ErrSenderLimitReached, sender, target, roomID)
	}
	for _, r := range existing {
		if r.Song.equal(song) {
			return Receipt{}, fmt.Errorf("%w: sender=%q target=%q room=%q", ErrDuplicateSong, sender, target, roomID)
		}
	}

	now := s.now()
	r := Receipt{
		ID:        uuid.New().String(),
		RoomID:    roomID,
		Target:    target,
		Sender:    sender,
		Song:      song,
		Message:   message,
		CreatedAt: now,
		ExpiresAt: now.Add(s.defaultExpiration),
	}

	payload, err := json.Marshal(r)
	if err != nil {
		return Receipt{}, fmt.Errorf("receipt: marshal: %w", err)
	}
	if err := s.client.Set(ctx, receiptKey(roomID, r.ID), payload, s.defaultExpiration).Err(); err != nil {
		return Receipt{}, fmt.Errorf("receipt: write: %w", err)
	}
	return r, nil
}

func (s *RedisStore) receiptsFrom(ctx context.Context, roomID, target, sender string) ([]Receipt, error) {
	all, err := s.scanRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	var out []Receipt
	for _, r := range all {
		if r.Target == target && r.Sender == sender {
			out = append(out, r)
		}
	}
	return out, nil
}

// Receipts returns every live receipt in roomID, same ordering as
// Store.Receipts.
func (s *RedisStore) Receipts(ctx context.Context, roomID string) ([]Receipt, error) {
	out, err := s.scanRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	sortReceipts(out)
	return out, nil
}

func (s *RedisStore) scanRoom(ctx context.Context, roomID string) ([]Receipt, error) {
	var out []Receipt
	iter := s.client.Scan(ctx, 0, roomPattern(roomID), 0).Iterator()
	for iter.Next(ctx) {
		raw, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue // expired between SCAN and GET
		}
		if err != nil {
			return nil, fmt.Errorf("receipt: read %s: %w", iter.Val(), err)
		}
		var r Receipt
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("receipt: decode %s: %w", iter.Val(), err)
		}
		out = append(out, r)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("receipt: scan room %s: %w", roomID, err)
	}
	return out, nil
}

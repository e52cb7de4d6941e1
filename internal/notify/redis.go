package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultStreamMaxLen = 10000

// RedisStream appends notifications to a Redis stream with XADD.
type RedisStream struct {
	client *redis.Client
	stream string
	maxLen int64
	Logger *log.Logger
}

// NewRedisStream connects to addr and verifies the server answers PING.
func NewRedisStream(ctx context.Context, addr, stream string, maxLen int64) (*RedisStream, error) {
	var opts *redis.Options
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: addr}
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", opts.Addr, err)
	}
	return NewRedisStreamFromClient(client, stream, maxLen), nil
}

func NewRedisStreamFromClient(client *redis.Client, stream string, maxLen int64) *RedisStream {
	if maxLen <= 0 {
		maxLen = defaultStreamMaxLen
	}
	return &RedisStream{client: client, stream: stream, maxLen: maxLen}
}

func (s *RedisStream) Notify(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"kind":    string(n.Kind),
			"project": n.ProjectID,
			"at":      n.At,
			"data":    string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	if s.Logger != nil {
		s.Logger.Printf("[notify.redis] stream=%s id=%s kind=%s", s.stream, id, n.Kind)
	}
	return nil
}

// Read returns up to count stream entries after fromID ("0" for the start).
func (s *RedisStream) Read(ctx context.Context, fromID string, count int64) ([]Notification, string, error) {
	start := "-"
	if fromID != "" && fromID != "0" {
		start = "(" + fromID
	}
	res, err := s.client.XRangeN(ctx, s.stream, start, "+", count).Result()
	if err != nil {
		return nil, fromID, fmt.Errorf("xrange %s: %w", s.stream, err)
	}
	out := make([]Notification, 0, len(res))
	last := fromID
	for _, msg := range res {
		last = msg.ID
		raw, ok := msg.Values["data"].(string)
		if !ok {
			continue
		}
		var n Notification
		if err := json.Unmarshal([]byte(raw), &n); err != nil {
			return nil, last, fmt.Errorf("decode stream entry %s: %w", msg.ID, err)
		}
		out = append(out, n)
	}
	return out, last, nil
}

func (s *RedisStream) Close() error {
	return s.client.Close()
}

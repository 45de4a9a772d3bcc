package store

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"framecast-server-go/internal/domain/image"
)

type redisStore struct {
	client     *redis.Client
	prefix     string
	maxHistory int
}

// NewRedis constructs the redis-backed driver and verifies connectivity.
func NewRedis(cfg Config) (image.Store, error) {
	if cfg.Redis == nil {
		return nil, fmt.Errorf("redis configuration missing")
	}
	if cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis address required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Username: cfg.Redis.Username,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	prefix := cfg.Namespace
	if prefix == "" {
		prefix = "framecast"
	}

	return &redisStore{
		client:     client,
		prefix:     prefix,
		maxHistory: cfg.MaxHistory,
	}, nil
}

func (s *redisStore) imageKey(id string) string { return s.prefix + ":image:" + id }
func (s *redisStore) indexKey() string          { return s.prefix + ":images" }
func (s *redisStore) seqKey() string            { return s.prefix + ":seq" }
func (s *redisStore) currentKey() string        { return s.prefix + ":current" }
func (s *redisStore) stampKey() string          { return s.prefix + ":last_ingested" }

func (s *redisStore) Commit(ctx context.Context, img image.Image) (image.Image, error) {
	if img.ID == "" {
		return image.Image{}, fmt.Errorf("image id required")
	}

	seq, err := s.client.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return image.Image{}, fmt.Errorf("allocate sequence: %w", err)
	}
	img.Seq = uint64(seq)

	if img.IngestedAt.IsZero() {
		img.IngestedAt = time.Now().UTC()
	}
	// Best-effort stamp clamp; concurrent committers can tie, which the
	// sequence tiebreak resolves.
	if nanos, err := s.client.Get(ctx, s.stampKey()).Int64(); err == nil {
		if last := time.Unix(0, nanos).UTC(); img.IngestedAt.Before(last) {
			img.IngestedAt = last
		}
	}

	data, err := sonic.Marshal(img)
	if err != nil {
		return image.Image{}, fmt.Errorf("marshal image: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.imageKey(img.ID), data, 0)
		pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(seq), Member: img.ID})
		pipe.Set(ctx, s.currentKey(), img.ID, 0)
		pipe.Set(ctx, s.stampKey(), img.IngestedAt.UnixNano(), 0)
		return nil
	})
	if err != nil {
		return image.Image{}, fmt.Errorf("commit image: %w", err)
	}

	// The record is already committed; a failed eviction pass only delays
	// the history cap.
	_ = s.evict(ctx, img.ID)

	return img, nil
}

func (s *redisStore) evict(ctx context.Context, currentID string) error {
	if s.maxHistory <= 0 {
		return nil
	}
	total, err := s.client.ZCard(ctx, s.indexKey()).Result()
	if err != nil {
		return err
	}
	excess := int(total) - s.maxHistory
	if excess <= 0 {
		return nil
	}

	// Fetch one extra so the current image can be skipped if it is oldest.
	ids, err := s.client.ZRange(ctx, s.indexKey(), 0, int64(excess)).Result()
	if err != nil {
		return err
	}

	removed := 0
	for _, id := range ids {
		if removed == excess {
			break
		}
		if id == currentID {
			continue
		}
		if err := s.client.ZRem(ctx, s.indexKey(), id).Err(); err != nil {
			return err
		}
		if err := s.client.Del(ctx, s.imageKey(id)).Err(); err != nil {
			return err
		}
		removed++
	}
	return nil
}

func (s *redisStore) Current(ctx context.Context) (image.Image, bool, error) {
	id, err := s.client.Get(ctx, s.currentKey()).Result()
	if err == redis.Nil {
		return image.Image{}, false, nil
	}
	if err != nil {
		return image.Image{}, false, err
	}
	return s.Get(ctx, id)
}

func (s *redisStore) Get(ctx context.Context, id string) (image.Image, bool, error) {
	raw, err := s.client.Get(ctx, s.imageKey(id)).Bytes()
	if err == redis.Nil {
		return image.Image{}, false, nil
	}
	if err != nil {
		return image.Image{}, false, err
	}

	var img image.Image
	if err := sonic.Unmarshal(raw, &img); err != nil {
		return image.Image{}, false, fmt.Errorf("unmarshal image: %w", err)
	}
	return img, true, nil
}

func (s *redisStore) List(ctx context.Context) ([]image.Image, error) {
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	images := make([]image.Image, 0, len(ids))
	for _, id := range ids {
		img, ok, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			images = append(images, img)
		}
	}
	sortNewestFirst(images)
	return images, nil
}

func (s *redisStore) Count(ctx context.Context) (int64, error) {
	return s.client.ZCard(ctx, s.indexKey()).Result()
}

func (s *redisStore) Stats() map[string]any {
	stats := map[string]any{
		"type":        "redis",
		"namespace":   s.prefix,
		"max_history": s.maxHistory,
	}
	if total, err := s.Count(context.Background()); err == nil {
		stats["total"] = total
	}
	return stats
}

func (s *redisStore) Close() error {
	return s.client.Close()
}

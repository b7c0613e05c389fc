package cache

import (
	"context"
	"encoding/hex"
	"errors"
	"time"

	"mixdeck/logger"

	"github.com/go-redis/redis/v8"
	"golang.org/x/crypto/blake2b"
)

const mediaKeyPrefix = "media:"

// MediaKey 由源 URL 计算缓存键，避免把带签名的长 URL 直接作为键
func MediaKey(sourceURL string) string {
	sum := blake2b.Sum256([]byte(sourceURL))
	return mediaKeyPrefix + hex.EncodeToString(sum[:16])
}

// MediaCache 远程媒体原始字节的 Redis 缓存，多个进程共享
type MediaCache struct {
	client     *redis.Client
	ttl        time.Duration
	maxRetries int
	retryDelay time.Duration
}

// NewMediaCache 创建媒体缓存
func NewMediaCache(client *redis.Client, ttl time.Duration) *MediaCache {
	return &MediaCache{
		client:     client,
		ttl:        ttl,
		maxRetries: 2,
		retryDelay: 100 * time.Millisecond,
	}
}

// Set 写入缓存
func (c *MediaCache) Set(ctx context.Context, sourceURL string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	key := MediaKey(sourceURL)
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		logger.Error("set media cache failed",
			logger.String("url", sourceURL),
			logger.Int("dataSize", len(data)),
			logger.ErrorField(err))
		return err
	}

	logger.Debug("media cached",
		logger.String("url", sourceURL),
		logger.String("key", key),
		logger.Int("dataSize", len(data)),
		logger.Duration("expiration", c.ttl))
	return nil
}

// Get 读取缓存。未命中或 Redis 不可用时返回 nil, nil，调用方继续回源。
func (c *MediaCache) Get(ctx context.Context, sourceURL string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	key := MediaKey(sourceURL)
	delay := c.retryDelay

	for attempt := 0; attempt < c.maxRetries; attempt++ {
		data, err := c.client.Get(ctx, key).Bytes()
		if err == nil {
			logger.Debug("media cache hit",
				logger.String("url", sourceURL),
				logger.Int("dataSize", len(data)),
				logger.Int("attempt", attempt+1))
			return data, nil
		}
		if errors.Is(err, redis.Nil) {
			logger.Debug("media cache miss", logger.String("url", sourceURL))
			return nil, nil
		}

		if attempt < c.maxRetries-1 {
			logger.Warn("get media cache failed, retrying",
				logger.String("key", key),
				logger.Int("attempt", attempt+1),
				logger.Int("maxRetries", c.maxRetries),
				logger.ErrorField(err))

			select {
			case <-ctx.Done():
				return nil, nil
			case <-time.After(delay):
			}
			delay *= 2
			continue
		}

		logger.Error("get media cache failed, falling back to source",
			logger.String("key", key),
			logger.Int("totalAttempts", c.maxRetries),
			logger.ErrorField(err))
	}
	return nil, nil
}

// Delete 删除单个源的缓存
func (c *MediaCache) Delete(ctx context.Context, sourceURL string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.client.Del(ctx, MediaKey(sourceURL)).Err(); err != nil {
		logger.Error("delete media cache failed",
			logger.String("url", sourceURL),
			logger.ErrorField(err))
		return err
	}
	return nil
}

// Purge 删除所有媒体缓存，返回删除数量
func (c *MediaCache) Purge(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	keys, err := c.client.Keys(ctx, mediaKeyPrefix+"*").Result()
	if err != nil {
		logger.Error("list media cache keys failed", logger.ErrorField(err))
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}

	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		logger.Error("purge media cache failed",
			logger.Int("keysCount", len(keys)),
			logger.ErrorField(err))
		return 0, err
	}

	logger.Info("media cache purged", logger.Int("deletedCount", len(keys)))
	return len(keys), nil
}

// Info 返回每个缓存键剩余的 TTL（秒）
func (c *MediaCache) Info(ctx context.Context) (map[string]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	keys, err := c.client.Keys(ctx, mediaKeyPrefix+"*").Result()
	if err != nil {
		return nil, err
	}

	info := make(map[string]int64, len(keys))
	for _, key := range keys {
		ttl, err := c.client.TTL(ctx, key).Result()
		if err != nil {
			continue
		}
		info[key] = int64(ttl.Seconds())
	}
	return info, nil
}

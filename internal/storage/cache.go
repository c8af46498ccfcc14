package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// 文章相关的缓存键空间。列表、计数和最新文章按查询参数派生出具体键，
// 统计是单个固定键；入库出现新文章或清理旧文章后全部失效
const (
	cachePrefixList   = "articles_list:"
	cachePrefixCount  = "articles_count:"
	cachePrefixLatest = "latest_articles:"
	cacheKeyStats     = "article_stats"

	listCacheTTL   = 5 * time.Minute
	latestCacheTTL = 5 * time.Minute
	statsCacheTTL  = 10 * time.Minute

	// 健康检查写读回环用的哨兵键
	cacheKeyHealth = "health_check"
	healthTTL      = 10 * time.Second

	// SCAN 单批大小
	scanBatch = 100
)

// Cache 封装文章读路径的 Redis 缓存。所有方法在 c 为 nil 或 Redis 失联时安全降级：
// 缓存只是加速，不参与正确性
type Cache struct {
	rdb *redis.Client
}

func NewCache(addr string) *Cache {
	if addr == "" {
		return nil
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Printf("warn: redis ping failed: %v", err)
	}
	return &Cache{rdb: rdb}
}

// GetJSON 读取并反序列化缓存值，命中返回 true
func (c *Cache) GetJSON(ctx context.Context, key string, dest any) bool {
	if c == nil || c.rdb == nil {
		return false
	}
	bs, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(bs, dest) == nil
}

// SetJSON 序列化并写入缓存，失败只记日志
func (c *Cache) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) {
	if c == nil || c.rdb == nil {
		return
	}
	bs, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, key, bs, ttl).Err(); err != nil {
		log.Printf("warn: cache set %s failed: %v", key, err)
	}
}

// InvalidateArticles 删除全部文章相关缓存键。对空缓存调用无副作用，可以放心重复执行
func (c *Cache) InvalidateArticles(ctx context.Context) {
	if c == nil || c.rdb == nil {
		return
	}
	var deleted int64
	for _, pattern := range []string{
		cachePrefixList + "*",
		cachePrefixCount + "*",
		cachePrefixLatest + "*",
	} {
		deleted += c.deleteByPattern(ctx, pattern)
	}
	if n, err := c.rdb.Del(ctx, cacheKeyStats).Result(); err == nil {
		deleted += n
	}
	log.Printf("invalidated article cache (%d keys)", deleted)
}

// deleteByPattern 用 SCAN 游标逐批删除，不用 KEYS 以免阻塞 Redis
func (c *Cache) deleteByPattern(ctx context.Context, pattern string) int64 {
	var (
		deleted int64
		cursor  uint64
	)
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			log.Printf("warn: cache scan %s failed: %v", pattern, err)
			return deleted
		}
		if len(keys) > 0 {
			n, err := c.rdb.Del(ctx, keys...).Result()
			if err != nil {
				log.Printf("warn: cache del failed: %v", err)
			}
			deleted += n
		}
		cursor = next
		if cursor == 0 {
			return deleted
		}
	}
}

// Roundtrip 写入哨兵键再读回，供健康检查确认缓存真正可写可读。
// 只 PING 看不出只读或写满的实例
func (c *Cache) Roundtrip(ctx context.Context) error {
	if c == nil || c.rdb == nil {
		return errors.New("cache not configured")
	}
	if err := c.rdb.Set(ctx, cacheKeyHealth, "ok", healthTTL).Err(); err != nil {
		return fmt.Errorf("set %s: %w", cacheKeyHealth, err)
	}
	got, err := c.rdb.Get(ctx, cacheKeyHealth).Result()
	if err != nil {
		return fmt.Errorf("get %s: %w", cacheKeyHealth, err)
	}
	if got != "ok" {
		return fmt.Errorf("unexpected %s value %q", cacheKeyHealth, got)
	}
	return nil
}

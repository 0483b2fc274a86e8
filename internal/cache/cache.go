package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultPrefix — префикс ключей, если в конфиге не задан свой.
const DefaultPrefix = "auth:session:"

// Entry — то, что нужно для проверки access-токена без похода в хранилище:
// текущий публичный ключ сессии и момент её последнего обновления.
type Entry struct {
	PublicKey string
	UpdatedAt time.Time
}

// SessionCache — минимальный контракт кэша сессий.
type SessionCache interface {
	// Get возвращает запись и признак её наличия в кэше.
	Get(ctx context.Context, userID uuid.UUID) (*Entry, bool, error)
	// Set сохраняет запись с TTL.
	Set(ctx context.Context, userID uuid.UUID, e *Entry, ttl time.Duration) error
	// Delete удаляет запись. Отсутствие ключа ошибкой не считается.
	Delete(ctx context.Context, userID uuid.UUID) error
	// Close закрывает клиент Redis.
	Close() error
}

type redisCache struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisCache создаёт клиент Redis из URL (например, redis://:pass@host:6379/0).
// Если prefix пустой — используется DefaultPrefix.
func NewRedisCache(ctx context.Context, redisURL, prefix string) (SessionCache, error) {
	const op = "cache.NewRedisCache"

	if prefix == "" {
		prefix = DefaultPrefix
	}

	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	rdb := redis.NewClient(opt)

	// Fail-fast на старте.
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("%s: ping: %w", op, err)
	}

	return &redisCache{rdb: rdb, prefix: prefix}, nil
}

func (c *redisCache) key(userID uuid.UUID) string { return c.prefix + userID.String() }

// Храним как Redis Hash с полями: pub (PEM), upd (unix nano).
func (c *redisCache) Get(ctx context.Context, userID uuid.UUID) (*Entry, bool, error) {
	const op = "cache.Get"

	m, err := c.rdb.HGetAll(ctx, c.key(userID)).Result()
	if err != nil {
		return nil, false, fmt.Errorf("%s: %w", op, err)
	}

	if len(m) == 0 || m["pub"] == "" {
		return nil, false, nil
	}

	upd, err := strconv.ParseInt(m["upd"], 10, 64)
	if err != nil {
		return nil, false, fmt.Errorf("%s: bad upd field: %w", op, err)
	}

	return &Entry{
		PublicKey: m["pub"],
		UpdatedAt: time.Unix(0, upd).UTC(),
	}, true, nil
}

func (c *redisCache) Set(ctx context.Context, userID uuid.UUID, e *Entry, ttl time.Duration) error {
	const op = "cache.Set"

	kv := map[string]string{
		"pub": e.PublicKey,
		"upd": strconv.FormatInt(e.UpdatedAt.UnixNano(), 10),
	}

	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, c.key(userID), kv)
	pipe.Expire(ctx, c.key(userID), ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (c *redisCache) Delete(ctx context.Context, userID uuid.UUID) error {
	const op = "cache.Delete"

	if err := c.rdb.Del(ctx, c.key(userID)).Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (c *redisCache) Close() error { return c.rdb.Close() }

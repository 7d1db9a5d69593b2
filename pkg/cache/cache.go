// Package cache keeps catalog books close to the shelf service.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"bookshelf/pkg/config"
	"bookshelf/pkg/logger"
	"bookshelf/pkg/models"

	goredis "github.com/redis/go-redis/v9"
)

type BookCache interface {
	Get(ctx context.Context, bookUid string) (models.Book, bool, error)
	Set(ctx context.Context, book models.Book) error
	Invalidate(ctx context.Context, bookUid string) error
	Close() error
}

// New returns a redis-backed cache, or a no-op cache when no address is set.
func New(cfg config.RedisConfig, log *logger.Logger) (BookCache, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		log.Info("book cache disabled")
		return Noop{}, nil
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Info("book cache enabled", "addr", addr, "ttl", cfg.BookTTL)
	return &redisCache{rdb: rdb, ttl: cfg.BookTTL}, nil
}

func key(bookUid string) string { return "bookshelf:book:" + bookUid }

type redisCache struct {
	rdb *goredis.Client
	ttl time.Duration
}

func (r *redisCache) Get(ctx context.Context, bookUid string) (models.Book, bool, error) {
	raw, err := r.rdb.Get(ctx, key(bookUid)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return models.Book{}, false, nil
	}
	if err != nil {
		return models.Book{}, false, err
	}
	var book models.Book
	if err := json.Unmarshal(raw, &book); err != nil {
		return models.Book{}, false, fmt.Errorf("decode cached book %s: %w", bookUid, err)
	}
	return book, true, nil
}

func (r *redisCache) Set(ctx context.Context, book models.Book) error {
	raw, err := json.Marshal(book)
	if err != nil {
		return err
	}
	return r.rdb.Set(ctx, key(book.BookUid), raw, r.ttl).Err()
}

func (r *redisCache) Invalidate(ctx context.Context, bookUid string) error {
	return r.rdb.Del(ctx, key(bookUid)).Err()
}

func (r *redisCache) Close() error { return r.rdb.Close() }

// Noop never holds anything.
type Noop struct{}

func (Noop) Get(context.Context, string) (models.Book, bool, error) { return models.Book{}, false, nil }
func (Noop) Set(context.Context, models.Book) error { return nil }
func (Noop) Invalidate(context.Context, string) error { return nil }
func (Noop) Close() error { return nil }

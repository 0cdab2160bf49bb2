package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tobert/tracelanes/internal/trace"
)

// ErrTraceNotFound is returned when no source holds the requested trace.
var ErrTraceNotFound = errors.New("trace not found")

// ErrRequestNotFound is returned when a trace holds no request with the id.
var ErrRequestNotFound = errors.New("request not found")

// Archive persists trace snapshots beyond the lifetime of the in-memory
// buffers.
type Archive interface {
	Save(ctx context.Context, tr *trace.Trace) error
	// Load returns ErrTraceNotFound when the trace is not archived.
	Load(ctx context.Context, id string) (*trace.Trace, error)
	// List returns up to limit archived trace ids, newest first.
	List(ctx context.Context, limit int) ([]string, error)
	Close() error
}

// RedisConfig holds the connection settings of a RedisArchive.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	PoolSize   int
	MaxRetries int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// KeyPrefix namespaces every key written by the archive.
	KeyPrefix string
	// TTL expires archived traces. Zero keeps them forever.
	TTL time.Duration
}

// DefaultRedisConfig returns defaults for a local Redis.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		PoolSize:     10,
		MaxRetries:   3,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		KeyPrefix:    "tracelanes",
		TTL:          7 * 24 * time.Hour,
	}
}

// RedisArchive stores snapshots as JSON strings plus a sorted-set index
// ordered by trace date.
type RedisArchive struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// ConnectRedis opens a RedisArchive and verifies the connection.
func ConnectRedis(ctx context.Context, cfg RedisConfig) (*RedisArchive, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   cfg.MaxRetries,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping Redis at %s: %w", cfg.Addr, err)
	}

	return &RedisArchive{client: client, prefix: cfg.KeyPrefix, ttl: cfg.TTL}, nil
}

func (a *RedisArchive) key(parts ...string) string {
	k := a.prefix
	for _, p := range parts {
		if k != "" {
			k += ":"
		}
		k += p
	}
	return k
}

// Save implements Archive.
func (a *RedisArchive) Save(ctx context.Context, tr *trace.Trace) error {
	if tr == nil || tr.ID == "" {
		return fmt.Errorf("cannot archive a trace without an id")
	}
	data, err := json.Marshal(tr)
	if err != nil {
		return fmt.Errorf("failed to marshal trace %s: %w", tr.ID, err)
	}

	_, err = a.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, a.key("trace", tr.ID), data, a.ttl)
		pipe.ZAdd(ctx, a.key("index"), redis.Z{Score: float64(tr.Date.UnixMilli()), Member: tr.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to archive trace %s: %w", tr.ID, err)
	}
	return nil
}

// Load implements Archive.
func (a *RedisArchive) Load(ctx context.Context, id string) (*trace.Trace, error) {
	data, err := a.client.Get(ctx, a.key("trace", id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("trace %s: %w", id, ErrTraceNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load trace %s: %w", id, err)
	}
	return trace.DecodeBytes(data)
}

// List implements Archive.
func (a *RedisArchive) List(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	ids, err := a.client.ZRevRange(ctx, a.key("index"), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list archived traces: %w", err)
	}
	return ids, nil
}

// Close implements Archive.
func (a *RedisArchive) Close() error {
	return a.client.Close()
}

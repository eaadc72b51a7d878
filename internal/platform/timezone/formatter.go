package timezone

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RowQuerier is the subset of pgx used to call the formatting function.
type RowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const formatSQL = `SELECT shared.format_timestamp_in_timezone($1, $2, $3)`

// Formatter renders timestamps with the database's to_char so stored and
// displayed formats agree. Results are cached in-process first and then in
// Redis when a client is configured.
type Formatter struct {
	db     RowQuerier
	norm   *Normalizer
	l1     *lru.Cache[string, string]
	redis  *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

func NewFormatter(db RowQuerier, norm *Normalizer, size int, rdb *redis.Client, ttl time.Duration, logger zerolog.Logger) (*Formatter, error) {
	l1, err := lru.New[string, string](size)
	if err != nil {
		return nil, fmt.Errorf("format cache: %w", err)
	}
	return &Formatter{
		db:     db,
		norm:   norm,
		l1:     l1,
		redis:  rdb,
		ttl:    ttl,
		logger: logger.With().Str("component", "tz_formatter").Logger(),
	}, nil
}

// CacheKey is the composite key shared by both cache tiers.
func CacheKey(ts time.Time, zone, pattern string) string {
	return ts.UTC().Format(time.RFC3339Nano) + "|" + zone + "|" + pattern
}

func redisKey(key string) string {
	return "fieldflow:tzfmt:" + key
}

// ErrEmptyPattern is returned when no to_char pattern is given.
var ErrEmptyPattern = errors.New("format pattern is required")

// Format returns ts rendered in zone with a Postgres to_char pattern.
func (f *Formatter) Format(ctx context.Context, ts time.Time, zone, pattern string) (string, error) {
	if zone == "" {
		zone = f.norm.DefaultZone()
	}
	if _, err := f.norm.Location(zone); err != nil {
		return "", err
	}
	if pattern == "" {
		return "", ErrEmptyPattern
	}

	key := CacheKey(ts, zone, pattern)
	if v, ok := f.l1.Get(key); ok {
		return v, nil
	}

	if f.redis != nil {
		v, err := f.redis.Get(ctx, redisKey(key)).Result()
		switch {
		case err == nil:
			f.l1.Add(key, v)
			return v, nil
		case err != redis.Nil:
			f.logger.Warn().Err(err).Msg("format cache read failed")
		}
	}

	var out string
	if err := f.db.QueryRow(ctx, formatSQL, ts.UTC(), zone, pattern).Scan(&out); err != nil {
		return "", fmt.Errorf("format_timestamp_in_timezone: %w", err)
	}

	f.l1.Add(key, out)
	if f.redis != nil {
		if err := f.redis.Set(ctx, redisKey(key), out, f.ttl).Err(); err != nil {
			f.logger.Warn().Err(err).Msg("format cache write failed")
		}
	}
	return out, nil
}

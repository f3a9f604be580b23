// Package spredis implements spkv's `Store` interface on Redis, which expires
// keys natively so no reaping is needed on our side.
package spredis

import (
	"context"
	"crypto/tls"
	"errors"
	stdlog "log"
	"net"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/brandur/signpost/internal/spkv"
)

// Deletes KEYS[1] only if it still holds ARGV[1]. Returns 1 on delete.
var compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Options struct {
	// Either a plain host like "localhost", or a sentinel address like
	// "mymaster@sentinel1:26379,sentinel2:26379".
	Host     string
	Port     int
	Password string
	DB       int
	TLS      bool
}

type RedisStore struct {
	client *redis.Client
	logger *logrus.Logger
	name   string
}

// NewRedisStore connects to Redis and verifies the connection with a ping.
func NewRedisStore(logger *logrus.Logger, opts *Options) (*RedisStore, error) {
	var tlsConfig *tls.Config
	if opts.TLS {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	var client *redis.Client

	if strings.Contains(opts.Host, "@") && strings.Contains(opts.Host, ",") {
		masterName, sentinels, _ := strings.Cut(opts.Host, "@")
		client = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:      masterName,
			SentinelAddrs:   strings.Split(sentinels, ","),
			Password:        opts.Password,
			DB:              opts.DB,
			MaxRetries:      3,
			MinRetryBackoff: 30 * time.Millisecond,
			MaxRetryBackoff: 100 * time.Millisecond,
			TLSConfig:       tlsConfig,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:            net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port)),
			Password:        opts.Password,
			DB:              opts.DB,
			MaxRetries:      3,
			MinRetryBackoff: 30 * time.Millisecond,
			MaxRetryBackoff: 100 * time.Millisecond,
			TLSConfig:       tlsConfig,
		})
	}

	redis.SetLogger(stdlog.New(logger.WriterLevel(logrus.DebugLevel), "redis: ", 0))

	store := newRedisStoreWithClient(logger, client)

	pong, err := client.Ping().Result()
	if err != nil {
		return nil, xerrors.Errorf("error pinging Redis on %q: %w", opts.Host, err)
	}
	if pong != "PONG" {
		return nil, xerrors.Errorf("unexpected ping response from Redis on %q: %q", opts.Host, pong)
	}

	return store, nil
}

func newRedisStoreWithClient(logger *logrus.Logger, client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		logger: logger,
		name:   reflect.TypeOf(RedisStore{}).Name(),
	}
}

func (s *RedisStore) Close() error {
	return s.client.Close() //nolint:wrapcheck
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	val, err := s.client.WithContext(ctx).Get(key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", spkv.ErrKeyNotFound
		}

		return "", xerrors.Errorf("error getting key %q: %w", key, err)
	}

	return val, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	// An expiration of zero means no TTL, and a plain SET drops any existing
	// TTL on the key.
	if err := s.client.WithContext(ctx).Set(key, value, 0).Err(); err != nil {
		return xerrors.Errorf("error setting key %q: %w", key, err)
	}

	return nil
}

func (s *RedisStore) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.client.WithContext(ctx).Set(key, value, ttl).Err(); err != nil {
		return xerrors.Errorf("error setting key %q with TTL: %w", key, err)
	}

	return nil
}

func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	ttl, err := s.client.WithContext(ctx).TTL(key).Result()
	if err != nil {
		return 0, xerrors.Errorf("error getting TTL of key %q: %w", key, err)
	}

	// Redis answers -2 for a missing key and -1 for a key without a TTL.
	// Depending on client version these come back scaled by the command's
	// precision or not, so check both.
	switch {
	case ttl == -2 || ttl == -2*time.Second:
		return 0, spkv.ErrKeyNotFound
	case ttl < 0:
		return 0, nil
	}

	return ttl, nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.WithContext(ctx).Del(key).Err(); err != nil {
		return xerrors.Errorf("error deleting key %q: %w", key, err)
	}

	return nil
}

func (s *RedisStore) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	res, err := compareAndDeleteScript.Run(s.client.WithContext(ctx), []string{key}, expected).Result()
	if err != nil {
		return false, xerrors.Errorf("error compare-and-deleting key %q: %w", key, err)
	}

	n, ok := res.(int64)
	if !ok {
		return false, xerrors.Errorf("unexpected compare-and-delete result for key %q: %v", key, res)
	}

	if n == 0 {
		s.logger.Infof("%s: Key %q changed since read; not deleting", s.name, key)
	}

	return n > 0, nil
}

// Package spgcpstorage implements spkv's `Store` interface on top of GCP's
// storage service, one object per key. GCS has no per-object TTL, so expiry
// is recorded in the stored envelope and enforced on read. A bucket
// lifecycle rule can be configured out-of-band to clean up old objects.
package spgcpstorage

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"reflect"
	"time"

	"cloud.google.com/go/storage"
	"github.com/googleapis/gax-go/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
	"google.golang.org/api/option"

	"github.com/brandur/signpost/internal/spkv"
)

type GCPStorageStore struct {
	bucket        string
	logger        *logrus.Logger
	name          string
	storageClient *storage.Client

	// All for purposes of testability.
	storageDeleter func(ctx context.Context, bucket, key string) error
	storageReader  func(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	storageWriter  func(ctx context.Context, bucket, key string) io.WriteCloser
	timeNow        func() time.Time
}

func NewGCPStorageStore(ctx context.Context, logger *logrus.Logger, serviceAccountJSON, bucket string) (*GCPStorageStore, error) { //nolint:lll
	storageClient, err := storage.NewClient(ctx, option.WithCredentialsJSON([]byte(serviceAccountJSON)))
	if err != nil {
		return nil, xerrors.Errorf("error creating storage client: %w", err)
	}
	storageClient.SetRetry(
		storage.WithBackoff(gax.Backoff{
			Initial: 1 * time.Second,
			Max:     5 * time.Second,
		}),
		// Writes overwrite the whole object so they're safe to retry.
		storage.WithPolicy(storage.RetryAlways),
	)

	store := newGCPStorageStore(logger, bucket)
	store.storageClient = storageClient
	store.storageDeleter = func(ctx context.Context, bucket, key string) error {
		return storageClient.Bucket(bucket).Object(key).Delete(ctx) //nolint:wrapcheck
	}
	store.storageReader = func(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
		return storageClient.Bucket(bucket).Object(key).NewReader(ctx) //nolint:wrapcheck
	}
	store.storageWriter = func(ctx context.Context, bucket, key string) io.WriteCloser {
		return storageClient.Bucket(bucket).Object(key).NewWriter(ctx)
	}

	return store, nil
}

func newGCPStorageStore(logger *logrus.Logger, bucket string) *GCPStorageStore {
	return &GCPStorageStore{
		bucket:  bucket,
		logger:  logger,
		name:    reflect.TypeOf(GCPStorageStore{}).Name(),
		timeNow: time.Now,
	}
}

func (s *GCPStorageStore) Close() error {
	if s.storageClient == nil {
		return nil
	}

	return s.storageClient.Close() //nolint:wrapcheck
}

func (s *GCPStorageStore) Get(ctx context.Context, key string) (string, error) {
	envelope, err := s.read(ctx, key)
	if err != nil {
		return "", err
	}

	return envelope.Value, nil
}

func (s *GCPStorageStore) Set(ctx context.Context, key, value string) error {
	return s.write(ctx, key, &serializedEntry{Value: value})
}

func (s *GCPStorageStore) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return s.Set(ctx, key, value)
	}

	expiresAt := s.timeNow().Add(ttl)
	return s.write(ctx, key, &serializedEntry{Value: value, ExpiresAt: &expiresAt})
}

func (s *GCPStorageStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	envelope, err := s.read(ctx, key)
	if err != nil {
		return 0, err
	}

	if envelope.ExpiresAt == nil {
		return 0, nil
	}

	return envelope.ExpiresAt.Sub(s.timeNow()), nil
}

func (s *GCPStorageStore) Delete(ctx context.Context, key string) error {
	if err := s.storageDeleter(ctx, s.bucket, key); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil
		}

		return xerrors.Errorf("error deleting key %q: %w", key, err)
	}

	return nil
}

func (s *GCPStorageStore) read(ctx context.Context, key string) (*serializedEntry, error) {
	reader, err := s.storageReader(ctx, s.bucket, key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, spkv.ErrKeyNotFound
		}

		return nil, xerrors.Errorf("error getting key reader: %w", err)
	}
	defer reader.Close()

	var envelope serializedEntry
	if err := json.NewDecoder(reader).Decode(&envelope); err != nil {
		return nil, xerrors.Errorf("error decoding entry: %w", err)
	}

	// Lifecycle rules run at most daily, so expired objects can linger well
	// past their expiry.
	if envelope.ExpiresAt != nil && !s.timeNow().Before(*envelope.ExpiresAt) {
		s.logger.Infof("%s: Returning not found for expired key %q (expired %v)", s.name, key, *envelope.ExpiresAt)
		return nil, spkv.ErrKeyNotFound
	}

	return &envelope, nil
}

func (s *GCPStorageStore) write(ctx context.Context, key string, envelope *serializedEntry) error {
	// Canceling the context before Close aborts the upload.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writer := s.storageWriter(ctx, s.bucket, key)

	if err := json.NewEncoder(writer).Encode(envelope); err != nil {
		cancel()
		_ = writer.Close()
		return xerrors.Errorf("error encoding entry: %w", err)
	}

	if err := writer.Close(); err != nil {
		return xerrors.Errorf("error closing writer: %w", err)
	}

	return nil
}

// The format of each object stored to GCP.
type serializedEntry struct {
	Value     string     `json:"value"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

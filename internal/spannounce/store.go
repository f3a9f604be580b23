// Package spannounce implements announcements: keyed records with a secret
// for mutation, optional read restriction, and optional expiry, stored on an
// spkv backend.
package spannounce

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"reflect"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/brandur/signpost/internal/spkv"
	"github.com/brandur/signpost/internal/sptemplate"
	"github.com/brandur/signpost/internal/util/stringutil"
)

// MaxExpirySeconds is the largest expiry representable as a time.Duration.
const MaxExpirySeconds = math.MaxInt64 / int64(time.Second)

// SetParams are the inputs to Store.Set.
type SetParams struct {
	Key     string
	Content string
	Secret  string

	// Defaults to true when nil.
	Public *bool

	// Nil or non-positive means the announcement never expires. At most
	// MaxExpirySeconds.
	ExpirySeconds *int64

	MasterPassword string
}

type Store struct {
	expander *sptemplate.Expander
	gate     *Gate
	kv       spkv.Store
	logger   *logrus.Logger
	name     string
	timeNow  func() time.Time
}

func NewStore(logger *logrus.Logger, kv spkv.Store, gate *Gate, expander *sptemplate.Expander) *Store {
	return &Store{
		expander: expander,
		gate:     gate,
		kv:       kv,
		logger:   logger,
		name:     reflect.TypeOf(Store{}).Name(),
		timeNow:  time.Now,
	}
}

// Set creates the announcement at params.Key, or replaces whatever was there
// wholesale.
func (s *Store) Set(ctx context.Context, params *SetParams) error {
	if !s.gate.AuthorizeMutation(params.MasterPassword) {
		return ErrUnauthorized
	}

	if params.ExpirySeconds != nil && *params.ExpirySeconds > MaxExpirySeconds {
		return ErrInvalidExpiry
	}

	now := s.now()

	record := &Record{
		Content:   params.Content,
		Secret:    params.Secret,
		Public:    params.Public == nil || *params.Public,
		CreatedAt: now,
	}

	var ttl time.Duration
	if params.ExpirySeconds != nil && *params.ExpirySeconds > 0 {
		ttl = time.Duration(*params.ExpirySeconds) * time.Second
		expiresAt := now.Add(ttl)
		record.ExpiresAt = &expiresAt
	}

	data, err := encodeRecord(record)
	if err != nil {
		return err
	}

	if ttl > 0 {
		err = s.kv.SetWithTTL(ctx, params.Key, data, ttl)
	} else {
		err = s.kv.Set(ctx, params.Key, data)
	}
	if err != nil {
		return &BackendError{Op: "set", Err: err}
	}

	s.logger.WithFields(logrus.Fields{
		"key":         stringutil.SampleLong(params.Key),
		"public":      record.Public,
		"ttl_seconds": int64(ttl / time.Second),
	}).Infof("%s: Set announcement", s.name)

	return nil
}

// Get renders the announcement at key. suppliedSecret is only consulted for
// private announcements.
func (s *Store) Get(ctx context.Context, key, suppliedSecret string) (*View, error) {
	record, _, err := s.load(ctx, key)
	if err != nil {
		return nil, err
	}

	if !s.gate.AuthorizeRead(record, suppliedSecret) {
		return nil, ErrForbidden
	}

	view := &View{
		Content:   s.expander.Expand(record.Content),
		Public:    record.Public,
		CreatedAt: record.CreatedAt,
		ExpiresAt: record.ExpiresAt,
	}

	ttl, err := s.kv.TTL(ctx, key)
	if err != nil {
		// Expired or deleted between the two reads.
		if errors.Is(err, spkv.ErrKeyNotFound) {
			return nil, ErrNotFound
		}

		return nil, &BackendError{Op: "ttl", Err: err}
	}

	// Prefer the backend's live TTL over the expiry written with the record
	// so that the display reflects actual remaining time.
	if ttl > 0 {
		// Rounded up so that a live announcement never shows zero.
		expiresInSeconds := int64((ttl + time.Second - 1) / time.Second)
		expiresAt := s.now().Add(time.Duration(expiresInSeconds) * time.Second)

		view.ExpiresInSeconds = &expiresInSeconds
		view.ExpiresAt = &expiresAt
	}

	return view, nil
}

// Delete removes the announcement at key if suppliedSecret matches its
// secret.
//
// If the backend supports it, the delete only goes through if the record is
// unchanged since it was read. Otherwise there's a window between the read
// and the delete in which a concurrent Set can be lost, which we accept.
func (s *Store) Delete(ctx context.Context, key, suppliedSecret, suppliedMasterPassword string) error {
	if !s.gate.AuthorizeMutation(suppliedMasterPassword) {
		return ErrUnauthorized
	}

	record, raw, err := s.load(ctx, key)
	if err != nil {
		return err
	}

	if !secureEqual(suppliedSecret, record.Secret) {
		return ErrInvalidSecret
	}

	if cad, ok := s.kv.(spkv.CompareAndDeleter); ok {
		deleted, err := cad.CompareAndDelete(ctx, key, raw)
		if err != nil {
			return &BackendError{Op: "delete", Err: err}
		}

		if !deleted {
			// Either someone else deleted it first, or it was replaced.
			if _, _, err := s.load(ctx, key); err != nil {
				return err
			}

			return ErrConflict
		}
	} else {
		if err := s.kv.Delete(ctx, key); err != nil {
			return &BackendError{Op: "delete", Err: err}
		}
	}

	s.logger.WithFields(logrus.Fields{
		"key": stringutil.SampleLong(key),
	}).Infof("%s: Deleted announcement", s.name)

	return nil
}

// SetTimeNow overrides the store's clock. Tests only.
func (s *Store) SetTimeNow(timeNow func() time.Time) {
	s.timeNow = timeNow
}

// Records are stored without HTML escaping so that placeholders like <!r1-6>
// appear in the backend as written.
func encodeRecord(record *Record) (string, error) {
	var buf bytes.Buffer

	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)

	if err := encoder.Encode(record); err != nil {
		return "", xerrors.Errorf("error encoding announcement: %w", err)
	}

	return string(bytes.TrimSuffix(buf.Bytes(), []byte("\n"))), nil
}

// Loads and decodes the record at key, also returning its raw stored form.
func (s *Store) load(ctx context.Context, key string) (*Record, string, error) {
	raw, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, spkv.ErrKeyNotFound) {
			return nil, "", ErrNotFound
		}

		return nil, "", &BackendError{Op: "get", Err: err}
	}

	// Records written without a public flag are public.
	record := &Record{Public: true}
	if err := json.Unmarshal([]byte(raw), record); err != nil {
		return nil, "", xerrors.Errorf("error decoding announcement %q: %w", key, err)
	}

	return record, raw, nil
}

func (s *Store) now() time.Time {
	return s.timeNow().UTC().Truncate(time.Second)
}

package spmemorykv

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/brandur/signpost/internal/spkv"
)

const reapInterval = 10 * time.Second

type entry struct {
	value string

	// Zero if the entry has no TTL.
	expiresAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryStore is a process-local spkv.Store. Contents are lost on restart, so
// it's mostly useful for development and tests.
type MemoryStore struct {
	entries         map[string]*entry
	logger          *logrus.Logger
	mut             sync.RWMutex
	name            string
	reapLoopStarted bool
	timeNow         func() time.Time
}

func NewMemoryStore(logger *logrus.Logger) *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*entry),
		logger:  logger,
		name:    reflect.TypeOf(MemoryStore{}).Name(),
		timeNow: time.Now,
	}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	s.mut.RLock()
	defer s.mut.RUnlock()

	e, err := s.liveEntry(key)
	if err != nil {
		return "", err
	}

	return e.value, nil
}

func (s *MemoryStore) Set(ctx context.Context, key, value string) error {
	s.mut.Lock()
	defer s.mut.Unlock()

	s.entries[key] = &entry{value: value}
	return nil
}

func (s *MemoryStore) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return s.Set(ctx, key, value)
	}

	s.mut.Lock()
	defer s.mut.Unlock()

	s.entries[key] = &entry{value: value, expiresAt: s.timeNow().Add(ttl)}
	return nil
}

func (s *MemoryStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	s.mut.RLock()
	defer s.mut.RUnlock()

	e, err := s.liveEntry(key)
	if err != nil {
		return 0, err
	}

	if e.expiresAt.IsZero() {
		return 0, nil
	}

	return e.expiresAt.Sub(s.timeNow()), nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mut.Lock()
	defer s.mut.Unlock()

	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	s.mut.Lock()
	defer s.mut.Unlock()

	e, err := s.liveEntry(key)
	if err != nil {
		return false, nil //nolint:nilerr
	}

	if e.value != expected {
		return false, nil
	}

	delete(s.entries, key)
	return true, nil
}

// SetTimeNow overrides the store's clock. Tests only.
func (s *MemoryStore) SetTimeNow(timeNow func() time.Time) {
	s.mut.Lock()
	defer s.mut.Unlock()

	s.timeNow = timeNow
}

// ReapLoop periodically removes expired entries until shutdown is closed.
// Reads never return expired entries anyway, so this only bounds memory use.
func (s *MemoryStore) ReapLoop(shutdown <-chan struct{}) {
	if s.reapLoopStarted {
		panic("ReapLoop already started -- should only be run once")
	}

	s.reapLoopStarted = true

	for {
		_ = s.reap()

		select {
		case <-shutdown:
			s.logger.Infof("%s: Received shutdown signal", s.name)
			return

		case <-time.After(reapInterval):
		}
	}
}

// Must be called with at least a read lock held.
func (s *MemoryStore) liveEntry(key string) (*entry, error) {
	e, ok := s.entries[key]
	if !ok || e.expired(s.timeNow()) {
		return nil, spkv.ErrKeyNotFound
	}

	return e, nil
}

func (s *MemoryStore) reap() int {
	s.mut.Lock()
	defer s.mut.Unlock()

	now := s.timeNow()
	var numReaped int

	for key, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, key)
			numReaped++
		}
	}

	s.logger.WithFields(logrus.Fields{
		"num_reaped": numReaped,
	}).Infof("%s: Reaped %d entry(s)", s.name, numReaped)

	return numReaped
}

package keyextract

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Fetcher retrieves a fresh key.
type Fetcher interface {
	Fetch(ctx context.Context) ([]byte, error)
}

// Store caches the key returned by a Fetcher. The first caller needing the
// key pays for the extraction; a Refresh waits for decryptions running under
// Use to finish before replacing it.
type Store struct {
	fetcher Fetcher
	log     logrus.FieldLogger

	mu  sync.RWMutex
	key []byte
}

func NewStore(f Fetcher, log logrus.FieldLogger) *Store {
	if log == nil {
		log = logrus.StandardLogger()
	}

	return &Store{fetcher: f, log: log}
}

// Get returns the cached key, fetching it if needed.
func (s *Store) Get(ctx context.Context) ([]byte, error) {
	s.mu.RLock()
	key := s.key
	s.mu.RUnlock()

	if key != nil {
		return append([]byte(nil), key...), nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.key == nil {
		s.log.Info("Encryption key not loaded, fetching it")

		if err := s.fetchLocked(ctx); err != nil {
			return nil, err
		}
	}

	return append([]byte(nil), s.key...), nil
}

// Refresh discards the cached key and fetches it again. On failure the
// previous key is kept.
func (s *Store) Refresh(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.log.Info("Forcing key refresh")

	if err := s.fetchLocked(ctx); err != nil {
		return nil, err
	}

	return append([]byte(nil), s.key...), nil
}

// Use calls fn with the key, which cannot be refreshed until fn returns.
func (s *Store) Use(ctx context.Context, fn func(key []byte) error) error {
	if _, err := s.Get(ctx); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return fn(s.key)
}

func (s *Store) fetchLocked(ctx context.Context) error {
	key, err := s.fetcher.Fetch(ctx)
	if err != nil {
		return err
	}

	switch len(key) {
	case 16, 24, 32:
	default:
		return &Error{Step: StepKeySize, Err: fmt.Errorf("got %d bytes, want 16, 24 or 32", len(key))}
	}

	s.key = key
	return nil
}

package platform

import (
	"context"
	"sync"

	"github.com/gotd/td/session"
)

// memStorage is an in-memory session.Storage: the platform client always
// starts from a frozen blob loaded out of the session table and ends by
// reading the (possibly rotated) bytes back out on Freeze, never touching
// disk itself — persistence is internal/sessionstore's job.
type memStorage struct {
	mu   sync.RWMutex
	data []byte
}

func newMemStorage(initial []byte) *memStorage {
	s := &memStorage{}
	if len(initial) > 0 {
		s.data = append([]byte(nil), initial...)
	}
	return s
}

func (s *memStorage) LoadSession(ctx context.Context) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.data) == 0 {
		return nil, session.ErrNotFound
	}
	out := make([]byte, len(s.data))
	copy(out, s.data)
	return out, nil
}

func (s *memStorage) StoreSession(ctx context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append(s.data[:0], data...)
	return nil
}

func (s *memStorage) snapshot() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]byte, len(s.data))
	copy(out, s.data)
	return out
}

var _ session.Storage = (*memStorage)(nil)

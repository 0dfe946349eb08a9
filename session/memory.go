package session

import (
	"context"
	"sync"

	"github.com/bitrise-io/go-utils/v2/log"
)

// MemoryStore keeps the record in process memory. It is meant for tests and for embedding the
// uploader where resumability across restarts isn't needed.
type MemoryStore struct {
	mu     sync.Mutex
	data   []byte
	logger log.Logger
}

// NewMemoryStore ...
func NewMemoryStore(logger log.Logger) *MemoryStore {
	return &MemoryStore{logger: logger}
}

// Load ...
func (s *MemoryStore) Load(ctx context.Context, target Target) (*Session, error) {
	data := s.Raw()
	if data == nil {
		return nil, nil
	}
	return resolve(ctx, data, target, s.Clear, s.logger), nil
}

// Save ...
func (s *MemoryStore) Save(_ context.Context, target Target, session Session) error {
	data, err := encodeRecord(target, session)
	if err != nil {
		return err
	}
	s.SetRaw(data)
	return nil
}

// Clear ...
func (s *MemoryStore) Clear(_ context.Context) error {
	s.SetRaw(nil)
	return nil
}

// Raw returns the stored record bytes, nil if the slot is empty.
func (s *MemoryStore) Raw() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

// SetRaw replaces the stored record bytes as they are.
func (s *MemoryStore) SetRaw(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = data
}

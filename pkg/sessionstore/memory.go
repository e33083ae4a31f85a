package sessionstore

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/haivivi/docagent/pkg/chat"
)

// Memory keeps encoded snapshots in a map. Sessions do not survive the
// process.
type Memory struct {
	version string

	mu   sync.RWMutex
	data map[string][]byte
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{version: CacheVersion, data: make(map[string][]byte)}
}

func (m *Memory) Save(_ context.Context, sess *chat.Session) error {
	b, err := encode(sess, m.version)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[Key(sess.ID())] = b
	return nil
}

func (m *Memory) Load(_ context.Context, id string) (*chat.Session, error) {
	m.mu.RLock()
	b, ok := m.data[Key(id)]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return decode(b, m.version)
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, Key(id))
	return nil
}

func (m *Memory) List(context.Context) ([]Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Summary, 0, len(m.data))
	for key, b := range m.data {
		d, err := decodeData(b, m.version)
		if errors.Is(err, ErrStaleSnapshot) {
			slog.Debug("sessionstore: skip stale snapshot", "key", key)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, summarize(d))
	}
	sortSummaries(out)
	return out, nil
}

func (m *Memory) Close() error { return nil }

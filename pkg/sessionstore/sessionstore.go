// Package sessionstore persists conversation snapshots.
//
// A snapshot is the msgpack encoding of chat.Data stored under the key
// "session:<id>". Every snapshot carries the cache version of the store that
// wrote it; a store ignores snapshots written with another version.
package sessionstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/haivivi/docagent/pkg/chat"
)

// CacheVersion is the snapshot shape written by this package.
const CacheVersion = "docagent.session.v1"

// KeyPrefix prefixes every snapshot key.
const KeyPrefix = "session:"

var (
	// ErrNotFound is returned when no snapshot exists for an id.
	ErrNotFound = errors.New("sessionstore: not found")

	// ErrStaleSnapshot is returned when a snapshot was written with a
	// different cache version.
	ErrStaleSnapshot = errors.New("sessionstore: stale snapshot")
)

// Summary describes a stored session without its messages.
type Summary struct {
	ID        string    `json:"id" yaml:"id"`
	Title     string    `json:"title" yaml:"title"`
	Messages  int       `json:"messages" yaml:"messages"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"updated_at"`
}

// Store saves and loads sessions.
type Store interface {
	// Save writes a snapshot of sess, replacing any previous one.
	Save(ctx context.Context, sess *chat.Session) error

	// Load rebuilds the session id. It returns ErrNotFound or
	// ErrStaleSnapshot when there is nothing usable.
	Load(ctx context.Context, id string) (*chat.Session, error)

	// Delete removes the snapshot of id. Deleting a missing id is not an
	// error.
	Delete(ctx context.Context, id string) error

	// List returns summaries of all usable snapshots, most recently
	// updated first.
	List(ctx context.Context) ([]Summary, error)

	Close() error
}

// Key returns the storage key of a session id.
func Key(id string) string {
	return KeyPrefix + id
}

// titleRunes bounds Summary.Title.
const titleRunes = 60

func encode(sess *chat.Session, version string) ([]byte, error) {
	d := sess.Data()
	d.CacheVersion = version
	b, err := msgpack.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("sessionstore: encode %s: %w", d.ID, err)
	}
	return b, nil
}

func decodeData(b []byte, version string) (*chat.Data, error) {
	var d chat.Data
	if err := msgpack.Unmarshal(b, &d); err != nil {
		return nil, fmt.Errorf("sessionstore: decode: %w", err)
	}
	if d.CacheVersion != version {
		return nil, fmt.Errorf("%w: %s has version %q", ErrStaleSnapshot, d.ID, d.CacheVersion)
	}
	return &d, nil
}

func decode(b []byte, version string) (*chat.Session, error) {
	d, err := decodeData(b, version)
	if err != nil {
		return nil, err
	}
	return chat.FromData(d)
}

func summarize(d *chat.Data) Summary {
	s := Summary{ID: d.ID, Messages: len(d.MessageIDs), UpdatedAt: d.UpdatedAt}
	for _, id := range d.MessageIDs {
		m := d.MessagesByID[id]
		if m == nil || m.Role != chat.RoleUser {
			continue
		}
		s.Title = title(m.Content.String())
		break
	}
	return s
}

func title(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	r := []rune(text)
	if len(r) <= titleRunes {
		return text
	}
	return string(r[:titleRunes]) + "…"
}

func sortSummaries(out []Summary) {
	slices.SortStableFunc(out, func(a, b Summary) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
}

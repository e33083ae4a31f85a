package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrMessageNotFound is returned when a mutation targets an unknown id.
	ErrMessageNotFound = errors.New("chat: message not found")

	// ErrMessageRemoved is returned when adding a message whose id was
	// previously replaced away. Removed messages are never resurrected.
	ErrMessageRemoved = errors.New("chat: message was removed")

	// ErrDuplicateID is returned when adding a message whose id is live.
	ErrDuplicateID = errors.New("chat: duplicate message id")
)

// Store is the mutation interface the runtime uses against a conversation
// it does not own. Implementations may defer or batch writes; callers treat
// every method as a suspension point.
type Store interface {
	// AddMessage appends msg and returns the stored copy. An empty ID is
	// assigned.
	AddMessage(ctx context.Context, msg *Message) (*Message, error)

	// UpdateMessage applies a partial update in place.
	UpdateMessage(ctx context.Context, id string, u MessageUpdate) error

	// ReplaceMessage substitutes the message oldID with msg at the same
	// position.
	ReplaceMessage(ctx context.Context, oldID string, msg *Message) (*Message, error)

	// AppendMessageContent appends chunk to the text content of id.
	AppendMessageContent(ctx context.Context, id string, chunk string) error
}

// Conversation is a Store that can also be read back and rebuilt.
type Conversation interface {
	Store

	// Messages returns copies of the messages in order.
	Messages(ctx context.Context) ([]*Message, error)

	// Reset replaces the whole history with msgs.
	Reset(ctx context.Context, msgs []*Message) error
}

// MutationKind names the kind of change recorded by a Mutation.
type MutationKind string

const (
	MutationAdd     MutationKind = "add"
	MutationUpdate  MutationKind = "update"
	MutationReplace MutationKind = "replace"
	MutationAppend  MutationKind = "append"
	MutationReset   MutationKind = "reset"
)

// Mutation describes one change applied to a Session. Message is a copy of
// the affected message after the change; it is nil for resets.
type Mutation struct {
	Kind    MutationKind `json:"kind"`
	OldID   string       `json:"oldId,omitempty"`
	Chunk   string       `json:"chunk,omitempty"`
	Message *Message     `json:"message,omitempty"`
}

// Session is an ordered, in-memory conversation. It is safe for concurrent
// use.
type Session struct {
	id string

	mu           sync.RWMutex
	messageIDs   []string
	messagesByID map[string]*Message
	cacheVersion string
	updatedAt    time.Time
	removed      map[string]struct{}
	observers    []func(Mutation)
}

var _ Conversation = (*Session)(nil)

// NewSession creates an empty session. An empty id is replaced with a fresh
// uuid.
func NewSession(id string) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	return &Session{
		id:           id,
		messagesByID: make(map[string]*Message),
		updatedAt:    time.Now(),
	}
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// Observe registers fn to be called after every mutation. fn runs with the
// session lock released and must not block.
func (s *Session) Observe(fn func(Mutation)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := len(s.observers)
	s.observers = append(s.observers, fn)
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if id < len(s.observers) {
			s.observers[id] = nil
		}
	}
}

func (s *Session) notify(m Mutation) {
	s.mu.RLock()
	obs := slices.Clone(s.observers)
	s.mu.RUnlock()
	for _, fn := range obs {
		if fn != nil {
			fn(m)
		}
	}
}

func (s *Session) touch() {
	s.updatedAt = time.Now()
	if s.messagesByID == nil {
		s.messagesByID = make(map[string]*Message)
	}
}

func (s *Session) AddMessage(_ context.Context, msg *Message) (*Message, error) {
	if msg == nil {
		return nil, errors.New("chat: nil message")
	}
	m := msg.Clone()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}

	s.mu.Lock()
	s.touch()
	if _, ok := s.removed[m.ID]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrMessageRemoved, m.ID)
	}
	if _, ok := s.messagesByID[m.ID]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, m.ID)
	}
	s.messageIDs = append(s.messageIDs, m.ID)
	s.messagesByID[m.ID] = m
	out := m.Clone()
	s.mu.Unlock()

	s.notify(Mutation{Kind: MutationAdd, Message: out.Clone()})
	return out, nil
}

func (s *Session) UpdateMessage(_ context.Context, id string, u MessageUpdate) error {
	s.mu.Lock()
	m, ok := s.messagesByID[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	s.touch()
	u.Apply(m)
	out := m.Clone()
	s.mu.Unlock()

	s.notify(Mutation{Kind: MutationUpdate, Message: out})
	return nil
}

func (s *Session) ReplaceMessage(_ context.Context, oldID string, msg *Message) (*Message, error) {
	if msg == nil {
		return nil, errors.New("chat: nil message")
	}
	m := msg.Clone()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}

	s.mu.Lock()
	idx := slices.Index(s.messageIDs, oldID)
	if idx < 0 {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrMessageNotFound, oldID)
	}
	if _, ok := s.messagesByID[m.ID]; ok && m.ID != oldID {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, m.ID)
	}
	s.touch()
	delete(s.messagesByID, oldID)
	if m.ID != oldID {
		if s.removed == nil {
			s.removed = make(map[string]struct{})
		}
		s.removed[oldID] = struct{}{}
	}
	s.messageIDs[idx] = m.ID
	s.messagesByID[m.ID] = m
	out := m.Clone()
	s.mu.Unlock()

	s.notify(Mutation{Kind: MutationReplace, OldID: oldID, Message: out.Clone()})
	return out, nil
}

func (s *Session) AppendMessageContent(_ context.Context, id string, chunk string) error {
	s.mu.Lock()
	m, ok := s.messagesByID[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrMessageNotFound, id)
	}
	s.touch()
	if n := len(m.Content.Parts); n > 0 && m.Content.Parts[n-1].Kind == PartText {
		m.Content.Parts[n-1].Text += chunk
	} else if n > 0 {
		m.Content.Parts = append(m.Content.Parts, ContentPart{Kind: PartText, Text: chunk})
	} else {
		m.Content.Text += chunk
	}
	out := m.Clone()
	s.mu.Unlock()

	s.notify(Mutation{Kind: MutationAppend, Chunk: chunk, Message: out})
	return nil
}

func (s *Session) Messages(context.Context) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Message, 0, len(s.messageIDs))
	for _, id := range s.messageIDs {
		out = append(out, s.messagesByID[id].Clone())
	}
	return out, nil
}

// Reset replaces the history. Ids that disappear are not tombstoned, so a
// compressed history may be rebuilt from scratch.
func (s *Session) Reset(_ context.Context, msgs []*Message) error {
	ids := make([]string, 0, len(msgs))
	byID := make(map[string]*Message, len(msgs))
	for _, msg := range msgs {
		m := msg.Clone()
		if m.ID == "" {
			m.ID = uuid.NewString()
		}
		if _, ok := byID[m.ID]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateID, m.ID)
		}
		ids = append(ids, m.ID)
		byID[m.ID] = m
	}

	s.mu.Lock()
	s.messageIDs = ids
	s.messagesByID = byID
	s.updatedAt = time.Now()
	s.mu.Unlock()

	s.notify(Mutation{Kind: MutationReset})
	return nil
}

// Get returns a copy of the message with the given id.
func (s *Session) Get(id string) (*Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messagesByID[id]
	return m.Clone(), ok
}

// Len returns the number of messages.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messageIDs)
}

// StreamingCount returns how many messages are currently streaming.
func (s *Session) StreamingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, m := range s.messagesByID {
		if m.Status == StatusStreaming {
			n++
		}
	}
	return n
}

// IDs returns the message ids in order.
func (s *Session) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.messageIDs)
}

// Validate checks that the id list and the message map describe the same
// set of messages.
func (s *Session) Validate() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.messageIDs) != len(s.messagesByID) {
		return fmt.Errorf("chat: %d ids but %d messages", len(s.messageIDs), len(s.messagesByID))
	}
	for _, id := range s.messageIDs {
		m, ok := s.messagesByID[id]
		if !ok {
			return fmt.Errorf("chat: id %s has no message", id)
		}
		if m.ID != id {
			return fmt.Errorf("chat: id %s maps to message %s", id, m.ID)
		}
	}
	return nil
}

// CacheVersion returns the opaque version string of the persisted shape.
func (s *Session) CacheVersion() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cacheVersion
}

// SetCacheVersion sets the opaque version string.
func (s *Session) SetCacheVersion(v string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cacheVersion = v
}

// Data is the serializable shape of a Session.
type Data struct {
	ID           string              `json:"id" msgpack:"id"`
	MessageIDs   []string            `json:"messageIds" msgpack:"message_ids"`
	MessagesByID map[string]*Message `json:"messagesById" msgpack:"messages_by_id"`
	CacheVersion string              `json:"cacheVersion,omitempty" msgpack:"cache_version"`
	UpdatedAt    time.Time           `json:"updatedAt" msgpack:"updated_at"`
}

// Data returns a deep copy of the session contents.
func (s *Session) Data() *Data {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d := &Data{
		ID:           s.id,
		MessageIDs:   slices.Clone(s.messageIDs),
		MessagesByID: make(map[string]*Message, len(s.messagesByID)),
		CacheVersion: s.cacheVersion,
		UpdatedAt:    s.updatedAt,
	}
	for id, m := range s.messagesByID {
		d.MessagesByID[id] = m.Clone()
	}
	return d
}

// FromData rebuilds a session from d. It fails when d breaks the
// id/message bijection.
func FromData(d *Data) (*Session, error) {
	s := NewSession(d.ID)
	s.cacheVersion = d.CacheVersion
	if !d.UpdatedAt.IsZero() {
		s.updatedAt = d.UpdatedAt
	}
	for _, id := range d.MessageIDs {
		m, ok := d.MessagesByID[id]
		if !ok || m == nil {
			return nil, fmt.Errorf("chat: id %s has no message", id)
		}
		if _, ok := s.messagesByID[id]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateID, id)
		}
		m = m.Clone()
		m.ID = id
		s.messageIDs = append(s.messageIDs, id)
		s.messagesByID[id] = m
	}
	if len(s.messageIDs) != len(d.MessagesByID) {
		return nil, fmt.Errorf("chat: %d ids but %d messages", len(s.messageIDs), len(d.MessagesByID))
	}
	return s, nil
}

// MarshalJSON encodes the session as its Data shape.
func (s *Session) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Data())
}

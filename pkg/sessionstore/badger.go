package sessionstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/haivivi/docagent/pkg/chat"
)

// BadgerOptions configures the Badger store.
type BadgerOptions struct {
	// Dir is the directory for BadgerDB data files. Required unless
	// InMemory is set.
	Dir string

	// InMemory runs BadgerDB without disk persistence.
	InMemory bool

	// Logger receives badger's warnings and errors. Nil uses
	// slog.Default().
	Logger *slog.Logger
}

// Badger stores snapshots in BadgerDB.
type Badger struct {
	db      *badger.DB
	version string
	logger  *slog.Logger
}

var _ Store = (*Badger)(nil)

// NewBadger opens a Badger store.
func NewBadger(o BadgerOptions) (*Badger, error) {
	if !o.InMemory && o.Dir == "" {
		return nil, errors.New("sessionstore: BadgerOptions.Dir is required for on-disk mode")
	}
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dbOpts := badger.DefaultOptions(o.Dir).WithLogger(badgerLogger{logger})
	if o.InMemory {
		dbOpts = dbOpts.WithDir("").WithValueDir("").WithInMemory(true)
	}
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("sessionstore: open badger: %w", err)
	}
	return &Badger{db: db, version: CacheVersion, logger: logger}, nil
}

func (b *Badger) Save(_ context.Context, sess *chat.Session) error {
	v, err := encode(sess, b.version)
	if err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(Key(sess.ID())), v)
	})
}

func (b *Badger) Load(_ context.Context, id string) (*chat.Session, error) {
	var val []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(Key(id)))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decode(val, b.version)
}

func (b *Badger) Delete(_ context.Context, id string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(Key(id)))
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil
	}
	return err
}

func (b *Badger) List(context.Context) ([]Summary, error) {
	var out []Summary
	prefix := []byte(KeyPrefix)
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			d, err := decodeData(val, b.version)
			if errors.Is(err, ErrStaleSnapshot) {
				b.logger.Debug("sessionstore: skip stale snapshot", "key", string(item.Key()))
				continue
			}
			if err != nil {
				return err
			}
			out = append(out, summarize(d))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortSummaries(out)
	return out, nil
}

func (b *Badger) Close() error {
	return b.db.Close()
}

// badgerLogger forwards badger warnings and errors to slog and drops the
// rest.
type badgerLogger struct{ l *slog.Logger }

func (g badgerLogger) Errorf(f string, v ...any) {
	g.l.Error(fmt.Sprintf("sessionstore: badger: "+f, v...))
}

func (g badgerLogger) Warningf(f string, v ...any) {
	g.l.Warn(fmt.Sprintf("sessionstore: badger: "+f, v...))
}

func (badgerLogger) Infof(string, ...any)  {}
func (badgerLogger) Debugf(string, ...any) {}

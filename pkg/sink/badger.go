package sink

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ErrNoSession is returned for a session id the store has never seen.
var ErrNoSession = errors.New("sink: no such session")

// SessionInfo is stored in badger for every session sink.
type SessionInfo struct {
	ID      string    `json:"id"`
	Created time.Time `json:"c"`
}

// eventKey returns the badger key for the seq'th event of a session. The
// zero-padded sequence keeps key order equal to append order.
func eventKey(session string, seq uint64) []byte {
	return []byte(fmt.Sprintf("ev:%s:%020d", session, seq))
}

func eventPrefix(session string) []byte {
	return []byte("ev:" + session + ":")
}

func sessionKey(session string) []byte {
	return []byte("session:" + session)
}

// BadgerStore keeps many session logs in one badger database, one key per
// event.
type BadgerStore struct {
	db *badger.DB

	mu     sync.Mutex
	active map[string]bool
}

// OpenBadger opens (or creates) a store in dir.
func OpenBadger(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("sink.OpenBadger: %s: %w", dir, err)
	}
	slog.Info("badger store opened", "component", "sink", "dir", dir)
	return &BadgerStore{db: db, active: make(map[string]bool)}, nil
}

// Session returns a sink appending to the log of session id. The id must be
// non-empty, must not contain ':' and must not already have an open sink.
// An existing log for id is continued rather than replaced.
func (s *BadgerStore) Session(id string) (*BadgerSink, error) {
	if id == "" || strings.Contains(id, ":") {
		return nil, fmt.Errorf("sink.BadgerStore: invalid session id %q", id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[id] {
		return nil, fmt.Errorf("sink.BadgerStore: session %q already open", id)
	}

	var next uint64
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(sessionKey(id)); err == badger.ErrKeyNotFound {
			info, err := json.Marshal(SessionInfo{ID: id, Created: time.Now().UTC()})
			if err != nil {
				return err
			}
			return txn.Set(sessionKey(id), info)
		} else if err != nil {
			return err
		}

		// Continue after the last event of an existing session.
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = eventPrefix(id)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			next++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sink.BadgerStore: open session %q: %w", id, err)
	}

	s.active[id] = true
	return &BadgerSink{store: s, id: id, seq: next}, nil
}

// Sessions lists the stored sessions, oldest first.
func (s *BadgerStore) Sessions() ([]SessionInfo, error) {
	var out []SessionInfo
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("session:")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var info SessionInfo
				if err := json.Unmarshal(val, &info); err != nil {
					return nil // skip corrupt entries
				}
				out = append(out, info)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sink.BadgerStore: list sessions: %w", err)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Created.Before(out[j].Created)
	})
	return out, nil
}

// Export writes the log of session id to w in wire format and returns the
// number of events written.
func (s *BadgerStore) Export(id string, w io.Writer) (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		if err := sessionExists(txn, id); err != nil {
			return err
		}
		opts := badger.DefaultIteratorOptions
		opts.Prefix = eventPrefix(id)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				_, err := w.Write(val)
				return err
			})
			if err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return n, fmt.Errorf("sink.BadgerStore: export %q: %w", id, err)
	}
	return n, nil
}

// Delete removes session id and all of its events. A session with an open
// sink cannot be deleted.
func (s *BadgerStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[id] {
		return fmt.Errorf("sink.BadgerStore: session %q is open", id)
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := sessionExists(txn, id); err != nil {
			return err
		}
		return txn.Delete(sessionKey(id))
	})
	if err != nil {
		return fmt.Errorf("sink.BadgerStore: delete %q: %w", id, err)
	}
	// Session ids never contain ':', so the prefix matches only this session.
	if err := s.db.DropPrefix(eventPrefix(id)); err != nil {
		return fmt.Errorf("sink.BadgerStore: delete %q events: %w", id, err)
	}
	return nil
}

func sessionExists(txn *badger.Txn, id string) error {
	_, err := txn.Get(sessionKey(id))
	if err == badger.ErrKeyNotFound {
		return ErrNoSession
	}
	return err
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("sink.BadgerStore: close: %w", err)
	}
	return nil
}

// BadgerSink appends one session's events to a BadgerStore.
type BadgerSink struct {
	store  *BadgerStore
	id     string
	seq    uint64
	closed bool
}

// ID returns the session id.
func (b *BadgerSink) ID() string { return b.id }

// Write stores p as the next event of the session.
func (b *BadgerSink) Write(p []byte) (int, error) {
	if b.closed {
		return 0, ErrClosed
	}
	key := eventKey(b.id, b.seq)
	val := bytes.Clone(p)
	err := b.store.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	})
	if err != nil {
		return 0, fmt.Errorf("sink.BadgerSink: %s: %w", b.id, err)
	}
	b.seq++
	return len(p), nil
}

// Flush syncs the database to disk.
func (b *BadgerSink) Flush() error {
	if b.closed {
		return ErrClosed
	}
	return b.store.db.Sync()
}

// Close releases the session. The store stays open.
func (b *BadgerSink) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	b.store.mu.Lock()
	delete(b.store.active, b.id)
	b.store.mu.Unlock()
	return nil
}

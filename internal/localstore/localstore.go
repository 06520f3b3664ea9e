// Package localstore mirrors the in-memory document to on-device durable
// storage so edits survive reload and offline periods. One bbolt record per
// document ID, holding the latest serialized CRDT state.
package localstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"
)

var bucketDocuments = []byte("documents")

var ErrClosed = errors.New("localstore: closed")

// Store is a local persistence adapter. Writes are accepted without
// blocking the caller and flushed by a single writer goroutine in apply
// order, so a crash mid-write leaves the record at some prior consistent
// version.
type Store struct {
	db  *bolt.DB
	log zerolog.Logger

	mu      sync.Mutex
	pending map[string][]byte
	dirty   chan struct{}
	closed  bool

	flushCh chan chan struct{}
	done    chan struct{}
	errs    chan error
}

// Open opens (creating if needed) the bbolt file at path.
func Open(path string, log zerolog.Logger) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketDocuments)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}

	s := &Store{
		db:      db,
		log:     log,
		pending: make(map[string][]byte),
		dirty:   make(chan struct{}, 1),
		flushCh: make(chan chan struct{}),
		done:    make(chan struct{}),
		errs:    make(chan error, 8),
	}
	go s.writeLoop()
	return s, nil
}

// Load returns the latest persisted state for a document, with ok=false
// when none exists.
func (s *Store) Load(docID string) ([]byte, bool, error) {
	var blob []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketDocuments).Get([]byte(docID))
		if v != nil {
			blob = make([]byte, len(v))
			copy(blob, v)
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("load %s: %w", docID, err)
	}
	return blob, blob != nil, nil
}

// Save queues the latest state for a document. Fire-and-forget: the write
// happens on the writer goroutine, and since each save carries the full
// state, coalescing to the newest value preserves apply order.
func (s *Store) Save(docID string, state []byte) {
	blob := make([]byte, len(state))
	copy(blob, state)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.pending[docID] = blob
	s.mu.Unlock()

	select {
	case s.dirty <- struct{}{}:
	default:
	}
}

// Delete removes a document's cached state.
func (s *Store) Delete(docID string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDocuments).Delete([]byte(docID))
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", docID, err)
	}
	return nil
}

// Errors exposes persistence failures (e.g. disk full). The in-memory
// document stays authoritative for the session; callers surface a warning
// that changes may not survive a reload.
func (s *Store) Errors() <-chan error {
	return s.errs
}

func (s *Store) writeLoop() {
	defer close(s.done)
	for {
		select {
		case _, ok := <-s.dirty:
			if !ok {
				s.flushPending()
				return
			}
			s.flushPending()
		case ack := <-s.flushCh:
			s.flushPending()
			close(ack)
		}
	}
}

func (s *Store) flushPending() {
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.mu.Unlock()
			return
		}
		batch := s.pending
		s.pending = make(map[string][]byte)
		s.mu.Unlock()

		err := s.db.Update(func(tx *bolt.Tx) error {
			b := tx.Bucket(bucketDocuments)
			for docID, blob := range batch {
				if err := b.Put([]byte(docID), blob); err != nil {
					return fmt.Errorf("put %s: %w", docID, err)
				}
			}
			return nil
		})
		if err != nil {
			s.log.Warn().Err(err).Msg("local persistence write failed")
			select {
			case s.errs <- err:
			default:
			}
		}
	}
}

// Flush blocks until every queued write has been attempted or ctx expires.
func (s *Store) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case s.flushCh <- ack:
	case <-s.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes pending writes and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.closed = true
	s.mu.Unlock()

	close(s.dirty)
	<-s.done
	return s.db.Close()
}

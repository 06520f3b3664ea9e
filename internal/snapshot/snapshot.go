// Package snapshot checkpoints the replicated document into the canonical
// store. Commits are best-effort: the peer mesh and local replicas stay
// authoritative while editors are live, and a failed commit defers to the
// next save instead of blocking editing.
package snapshot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"warmanager/collab/internal/metrics"
	"warmanager/collab/internal/store"
)

// DocumentStore is the slice of the canonical store the syncer needs.
type DocumentStore interface {
	GetDocument(ctx context.Context, id string) (store.Document, error)
	UpsertDocumentState(ctx context.Context, id string, state []byte, updatedBy string) error
}

// Archiver receives a copy of every committed snapshot. Optional.
type Archiver interface {
	Put(ctx context.Context, documentID string, snapshot []byte) error
}

type Syncer struct {
	documents DocumentStore
	archiver  Archiver
	log       zerolog.Logger
	metrics   *metrics.Metrics

	mu      sync.Mutex
	pending map[string]pendingCommit
}

type pendingCommit struct {
	state     []byte
	updatedBy string
}

func NewSyncer(documents DocumentStore, archiver Archiver, log zerolog.Logger, m *metrics.Metrics) *Syncer {
	return &Syncer{
		documents: documents,
		archiver:  archiver,
		log:       log,
		metrics:   m,
		pending:   make(map[string]pendingCommit),
	}
}

// Commit upserts the canonical snapshot. Safe to call concurrently from
// multiple clients: last commit wins at the storage layer. On failure the
// snapshot is kept pending and retried on the next commit or flush.
func (s *Syncer) Commit(ctx context.Context, documentID string, state []byte, updatedBy string) error {
	if err := s.documents.UpsertDocumentState(ctx, documentID, state, updatedBy); err != nil {
		s.mu.Lock()
		s.pending[documentID] = pendingCommit{state: state, updatedBy: updatedBy}
		s.mu.Unlock()
		if s.metrics != nil {
			s.metrics.SnapshotFailures.Inc()
		}
		s.log.Warn().Err(err).Str("doc", documentID).Msg("snapshot commit deferred")
		return fmt.Errorf("commit snapshot %s: %w", documentID, err)
	}

	s.mu.Lock()
	delete(s.pending, documentID)
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.SnapshotCommits.Inc()
	}

	if s.archiver != nil {
		if err := s.archiver.Put(ctx, documentID, state); err != nil {
			// Archive copies are best effort; the canonical row is written.
			s.log.Warn().Err(err).Str("doc", documentID).Msg("snapshot archive failed")
		}
	}
	return nil
}

// RetryPending re-attempts every deferred commit.
func (s *Syncer) RetryPending(ctx context.Context) {
	s.mu.Lock()
	batch := make(map[string]pendingCommit, len(s.pending))
	for id, p := range s.pending {
		batch[id] = p
	}
	s.mu.Unlock()

	for id, p := range batch {
		if err := s.Commit(ctx, id, p.state, p.updatedBy); err == nil {
			s.log.Info().Str("doc", id).Msg("deferred snapshot committed")
		}
	}
}

// HasPending reports whether any commit is waiting on a retry.
func (s *Syncer) HasPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) > 0
}

// Load fetches the latest committed snapshot for seeding a fresh replica
// that has no local cache and no reachable peers.
func (s *Syncer) Load(ctx context.Context, documentID string) ([]byte, error) {
	doc, err := s.documents.GetDocument(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", documentID, err)
	}
	return doc.LiveData, nil
}

// RunInterval commits on a cadence until ctx is canceled. The snapshot
// function captures current state at each tick; ticks with nothing new are
// the snapshot function's problem to short-circuit.
func (s *Syncer) RunInterval(ctx context.Context, documentID string, every time.Duration, snapshotFn func() ([]byte, error), updatedBy string) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			state, err := snapshotFn()
			if err != nil {
				s.log.Warn().Err(err).Str("doc", documentID).Msg("interval snapshot skipped")
				continue
			}
			// Detached from ctx cancellation: a dispatched commit is
			// allowed to finish rather than abort halfway.
			commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			_ = s.Commit(commitCtx, documentID, state, updatedBy)
			cancel()
			s.RetryPending(commitCtx)
		}
	}
}

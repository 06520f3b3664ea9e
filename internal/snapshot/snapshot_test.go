package snapshot

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"warmanager/collab/internal/logger"
	"warmanager/collab/internal/metrics"
	"warmanager/collab/internal/store"
)

type fakeDocuments struct {
	getDocumentFn         func(ctx context.Context, id string) (store.Document, error)
	upsertDocumentStateFn func(ctx context.Context, id string, state []byte, updatedBy string) error
}

func (f *fakeDocuments) GetDocument(ctx context.Context, id string) (store.Document, error) {
	return f.getDocumentFn(ctx, id)
}

func (f *fakeDocuments) UpsertDocumentState(ctx context.Context, id string, state []byte, updatedBy string) error {
	return f.upsertDocumentStateFn(ctx, id, state, updatedBy)
}

type fakeArchiver struct {
	puts [][]byte
	err  error
}

func (f *fakeArchiver) Put(_ context.Context, _ string, snapshot []byte) error {
	if f.err != nil {
		return f.err
	}
	f.puts = append(f.puts, snapshot)
	return nil
}

func newTestSyncer(docs DocumentStore, arch Archiver) *Syncer {
	return NewSyncer(docs, arch, logger.Nop(), metrics.NewTest())
}

func TestCommitUpsertsAndArchives(t *testing.T) {
	var gotID, gotBy string
	var gotState []byte
	docs := &fakeDocuments{
		upsertDocumentStateFn: func(_ context.Context, id string, state []byte, updatedBy string) error {
			gotID, gotState, gotBy = id, state, updatedBy
			return nil
		},
	}
	arch := &fakeArchiver{}
	s := newTestSyncer(docs, arch)

	if err := s.Commit(context.Background(), "bp-1", []byte("snap"), "user-1"); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if gotID != "bp-1" || gotBy != "user-1" || !bytes.Equal(gotState, []byte("snap")) {
		t.Fatalf("upsert saw wrong args: %s %s %q", gotID, gotBy, gotState)
	}
	if len(arch.puts) != 1 {
		t.Fatalf("expected one archive copy, got %d", len(arch.puts))
	}
	if s.HasPending() {
		t.Fatal("successful commit must leave nothing pending")
	}
}

func TestCommitFailureDefersAndRetries(t *testing.T) {
	unreachable := true
	docs := &fakeDocuments{
		upsertDocumentStateFn: func(context.Context, string, []byte, string) error {
			if unreachable {
				return errors.New("canonical store unreachable")
			}
			return nil
		},
	}
	s := newTestSyncer(docs, nil)

	if err := s.Commit(context.Background(), "bp-1", []byte("snap"), "user-1"); err == nil {
		t.Fatal("expected commit error while store is down")
	}
	if !s.HasPending() {
		t.Fatal("failed commit must be kept pending")
	}

	// Store comes back; the deferred commit lands on retry.
	unreachable = false
	s.RetryPending(context.Background())
	if s.HasPending() {
		t.Fatal("retry should have drained the pending commit")
	}
}

func TestArchiveFailureDoesNotFailCommit(t *testing.T) {
	docs := &fakeDocuments{
		upsertDocumentStateFn: func(context.Context, string, []byte, string) error { return nil },
	}
	s := newTestSyncer(docs, &fakeArchiver{err: errors.New("bucket gone")})

	if err := s.Commit(context.Background(), "bp-1", []byte("snap"), "user-1"); err != nil {
		t.Fatalf("archive failure must not fail the commit: %v", err)
	}
}

func TestLoadSeedsFromCanonicalStore(t *testing.T) {
	docs := &fakeDocuments{
		getDocumentFn: func(_ context.Context, id string) (store.Document, error) {
			if id != "bp-1" {
				return store.Document{}, store.ErrNotFound
			}
			return store.Document{ID: id, LiveData: []byte("canonical")}, nil
		},
	}
	s := newTestSyncer(docs, nil)

	blob, err := s.Load(context.Background(), "bp-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !bytes.Equal(blob, []byte("canonical")) {
		t.Fatalf("unexpected blob: %q", blob)
	}

	if _, err := s.Load(context.Background(), "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

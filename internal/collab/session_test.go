package collab

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"warmanager/collab/internal/blueprint"
	"warmanager/collab/internal/crdt"
	"warmanager/collab/internal/identity"
	"warmanager/collab/internal/localstore"
	"warmanager/collab/internal/logger"
	"warmanager/collab/internal/metrics"
	"warmanager/collab/internal/presence"
	"warmanager/collab/internal/session"
	"warmanager/collab/internal/snapshot"
	"warmanager/collab/internal/store"
)

type fakeAuth struct {
	authorize func(ctx context.Context, channelName, connectionNonce string) (session.GrantResponse, error)
}

func (f *fakeAuth) Authorize(ctx context.Context, channelName, connectionNonce string) (session.GrantResponse, error) {
	return f.authorize(ctx, channelName, connectionNonce)
}

func allowAll() *fakeAuth {
	return &fakeAuth{
		authorize: func(_ context.Context, channelName, _ string) (session.GrantResponse, error) {
			return session.GrantResponse{
				Auth:   "grant-for-" + channelName,
				Member: identity.Identity{UserID: "user_1", Name: "Taylor"},
			}, nil
		},
	}
}

type fakeDocs struct {
	get    func(ctx context.Context, id string) (store.Document, error)
	upsert func(ctx context.Context, id string, state []byte, updatedBy string) error
}

func (f *fakeDocs) GetDocument(ctx context.Context, id string) (store.Document, error) {
	return f.get(ctx, id)
}

func (f *fakeDocs) UpsertDocumentState(ctx context.Context, id string, state []byte, updatedBy string) error {
	return f.upsert(ctx, id, state, updatedBy)
}

func openTestStore(t *testing.T) *localstore.Store {
	t.Helper()
	s, err := localstore.Open(filepath.Join(t.TempDir(), "collab.db"), logger.Nop())
	if err != nil {
		t.Fatalf("open local store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func noteNode(id string) blueprint.Node {
	return blueprint.Node{
		ID:       id,
		Type:     blueprint.NodeNote,
		Position: blueprint.Position{X: 10, Y: 20},
		Data:     blueprint.NoteData{Text: "inspect foundation"},
	}
}

func TestOpenSeedsFromLocalCache(t *testing.T) {
	local := openTestStore(t)

	seedDoc := crdt.New("bp-1", "seeder")
	if _, err := seedDoc.AddNode(noteNode("n1")); err != nil {
		t.Fatalf("add node: %v", err)
	}
	blob, err := seedDoc.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	local.Save("bp-1", blob)
	if err := local.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	s, err := Open(context.Background(), "bp-1", Deps{
		Local: local,
		Auth:  allowAll(),
		Log:   logger.Nop(),
		Meter: metrics.NewTest(),
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	nodes := s.Document().Nodes()
	if _, ok := nodes["n1"]; !ok {
		t.Fatalf("expected node n1 seeded from local cache, got %v", nodes)
	}
}

func TestOpenSeedsFromCanonicalStore(t *testing.T) {
	local := openTestStore(t)

	seedDoc := crdt.New("bp-1", "seeder")
	if _, err := seedDoc.AddNode(noteNode("n1")); err != nil {
		t.Fatalf("add node: %v", err)
	}
	blob, err := seedDoc.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	docs := &fakeDocs{
		get: func(_ context.Context, id string) (store.Document, error) {
			return store.Document{ID: id, LiveData: blob}, nil
		},
		upsert: func(context.Context, string, []byte, string) error { return nil },
	}
	syncer := snapshot.NewSyncer(docs, nil, logger.Nop(), metrics.NewTest())

	s, err := Open(context.Background(), "bp-1", Deps{
		Local:     local,
		Auth:      allowAll(),
		Snapshots: syncer,
		Log:       logger.Nop(),
		Meter:     metrics.NewTest(),
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if _, ok := s.Document().Nodes()["n1"]; !ok {
		t.Fatal("expected node n1 seeded from canonical store")
	}
}

func TestOpenIsAllOrNothingAcrossChannels(t *testing.T) {
	cases := []struct {
		name string
		deny string
	}{
		{"document channel denied", session.DocumentChannelPrefix},
		{"presence channel denied", session.PresenceChannelPrefix},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			local := openTestStore(t)
			auth := &fakeAuth{
				authorize: func(_ context.Context, channelName, _ string) (session.GrantResponse, error) {
					if len(channelName) >= len(tc.deny) && channelName[:len(tc.deny)] == tc.deny {
						return session.GrantResponse{}, session.ErrNotAuthorized
					}
					return session.GrantResponse{Auth: "ok", Member: identity.Identity{UserID: "user_1"}}, nil
				},
			}

			_, err := Open(context.Background(), "bp-1", Deps{
				Local: local,
				Auth:  auth,
				Log:   logger.Nop(),
				Meter: metrics.NewTest(),
			})
			if !errors.Is(err, session.ErrNotAuthorized) {
				t.Fatalf("expected ErrNotAuthorized, got %v", err)
			}
		})
	}
}

func TestOpenFailsWhenCanonicalStoreUnreachable(t *testing.T) {
	local := openTestStore(t)
	docs := &fakeDocs{
		get: func(context.Context, string) (store.Document, error) {
			return store.Document{}, errors.New("connection refused")
		},
		upsert: func(context.Context, string, []byte, string) error { return nil },
	}
	syncer := snapshot.NewSyncer(docs, nil, logger.Nop(), metrics.NewTest())

	_, err := Open(context.Background(), "bp-1", Deps{
		Local:     local,
		Auth:      allowAll(),
		Snapshots: syncer,
		Log:       logger.Nop(),
		Meter:     metrics.NewTest(),
	})
	if err == nil {
		t.Fatal("expected open to fail when seeding is unreachable")
	}
}

func TestOpenTreatsUnknownDocumentAsEmpty(t *testing.T) {
	local := openTestStore(t)
	docs := &fakeDocs{
		get: func(context.Context, string) (store.Document, error) {
			return store.Document{}, store.ErrNotFound
		},
		upsert: func(context.Context, string, []byte, string) error { return nil },
	}
	syncer := snapshot.NewSyncer(docs, nil, logger.Nop(), metrics.NewTest())

	s, err := Open(context.Background(), "bp-new", Deps{
		Local:     local,
		Auth:      allowAll(),
		Snapshots: syncer,
		Log:       logger.Nop(),
		Meter:     metrics.NewTest(),
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if got := len(s.Document().Nodes()); got != 0 {
		t.Fatalf("expected empty document, got %d nodes", got)
	}
}

func TestEditsPersistAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "collab.db")

	local, err := localstore.Open(path, logger.Nop())
	if err != nil {
		t.Fatalf("open local store: %v", err)
	}

	s, err := Open(context.Background(), "bp-1", Deps{
		Local: local,
		Auth:  allowAll(),
		Log:   logger.Nop(),
		Meter: metrics.NewTest(),
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.AddNode(noteNode("n1")); err != nil {
		t.Fatalf("add node: %v", err)
	}
	if err := s.MoveNode("n1", blueprint.Position{X: 300, Y: 400}); err != nil {
		t.Fatalf("move node: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close session: %v", err)
	}
	if err := local.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	local2, err := localstore.Open(path, logger.Nop())
	if err != nil {
		t.Fatalf("reopen local store: %v", err)
	}
	defer local2.Close()

	s2, err := Open(context.Background(), "bp-1", Deps{
		Local: local2,
		Auth:  allowAll(),
		Log:   logger.Nop(),
		Meter: metrics.NewTest(),
	})
	if err != nil {
		t.Fatalf("reopen session: %v", err)
	}
	defer s2.Close()

	n, ok := s2.Document().Nodes()["n1"]
	if !ok {
		t.Fatal("expected node n1 to survive restart")
	}
	if n.Position.X != 300 || n.Position.Y != 400 {
		t.Fatalf("expected moved position, got %+v", n.Position)
	}
}

type recordingPresence struct {
	joined []string
	left   []string
	member presence.Member
}

func (p *recordingPresence) Join(_ context.Context, documentID, connectionID string, m presence.Member) error {
	p.joined = append(p.joined, documentID+"/"+connectionID)
	p.member = m
	return nil
}

func (p *recordingPresence) Heartbeat(_ context.Context, documentID, connectionID string) error {
	return nil
}

func (p *recordingPresence) Leave(_ context.Context, documentID, connectionID string) error {
	p.left = append(p.left, documentID+"/"+connectionID)
	return nil
}

func TestSessionJoinsAndLeavesPresence(t *testing.T) {
	local := openTestStore(t)
	roster := &recordingPresence{}

	s, err := Open(context.Background(), "bp-1", Deps{
		Local:    local,
		Auth:     allowAll(),
		Presence: roster,
		Log:      logger.Nop(),
		Meter:    metrics.NewTest(),
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if len(roster.joined) != 1 || roster.joined[0] != "bp-1/"+s.nonce {
		t.Fatalf("expected join under the session nonce, got %v", roster.joined)
	}
	if roster.member.UserID != "user_1" {
		t.Fatalf("expected member from the presence grant, got %+v", roster.member)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if len(roster.left) != 1 || roster.left[0] != "bp-1/"+s.nonce {
		t.Fatalf("expected leave for the same connection, got %v", roster.left)
	}
}

func TestRemoveNodeSweepsDanglingEdges(t *testing.T) {
	local := openTestStore(t)
	s, err := Open(context.Background(), "bp-1", Deps{
		Local: local,
		Auth:  allowAll(),
		Log:   logger.Nop(),
		Meter: metrics.NewTest(),
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if err := s.AddNode(noteNode("n1")); err != nil {
		t.Fatalf("add n1: %v", err)
	}
	if err := s.AddNode(noteNode("n2")); err != nil {
		t.Fatalf("add n2: %v", err)
	}
	if err := s.AddEdge(blueprint.Edge{ID: "e1", Source: "n1", Target: "n2"}); err != nil {
		t.Fatalf("add edge: %v", err)
	}

	if err := s.RemoveNode("n2"); err != nil {
		t.Fatalf("remove node: %v", err)
	}
	if _, ok := s.Document().Edges()["e1"]; ok {
		t.Fatal("expected edge e1 swept after its target was removed")
	}
}

func TestCommitWritesCanonicalState(t *testing.T) {
	local := openTestStore(t)

	var gotID, gotBy string
	var gotState []byte
	docs := &fakeDocs{
		get: func(context.Context, string) (store.Document, error) {
			return store.Document{}, store.ErrNotFound
		},
		upsert: func(_ context.Context, id string, state []byte, updatedBy string) error {
			gotID, gotState, gotBy = id, state, updatedBy
			return nil
		},
	}
	syncer := snapshot.NewSyncer(docs, nil, logger.Nop(), metrics.NewTest())

	s, err := Open(context.Background(), "bp-1", Deps{
		Local:     local,
		Auth:      allowAll(),
		Snapshots: syncer,
		Log:       logger.Nop(),
		Meter:     metrics.NewTest(),
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	if err := s.AddNode(noteNode("n1")); err != nil {
		t.Fatalf("add node: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if gotID != "bp-1" || gotBy != "user_1" {
		t.Fatalf("unexpected commit metadata: id=%q by=%q", gotID, gotBy)
	}
	restored := crdt.New("bp-1", "verifier")
	if err := restored.Restore(gotState); err != nil {
		t.Fatalf("restore committed state: %v", err)
	}
	if _, ok := restored.Nodes()["n1"]; !ok {
		t.Fatal("expected committed state to contain n1")
	}
}

// Package collab owns the lifecycle of one open document: it seeds the
// replica, authorizes both collaboration channels, joins presence, runs
// the peer mesh, and mirrors every change to local persistence. Callers
// hold a *Session and close it on navigate-away; nothing here is a global.
package collab

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"warmanager/collab/internal/blueprint"
	"warmanager/collab/internal/crdt"
	"warmanager/collab/internal/localstore"
	"warmanager/collab/internal/metrics"
	"warmanager/collab/internal/presence"
	"warmanager/collab/internal/session"
	"warmanager/collab/internal/snapshot"
	"warmanager/collab/internal/store"
	"warmanager/collab/internal/transport"
	"warmanager/collab/internal/util"
)

// ChannelAuthorizer requests admission to one channel. Implemented by the
// in-process authorizer on the server and by an HTTP client on agents.
type ChannelAuthorizer interface {
	Authorize(ctx context.Context, channelName, connectionNonce string) (session.GrantResponse, error)
}

// PresenceChannel announces membership on a document. Implemented by the
// redis-backed channel on the server and by an HTTP client on agents.
type PresenceChannel interface {
	Join(ctx context.Context, documentID, connectionID string, m presence.Member) error
	Heartbeat(ctx context.Context, documentID, connectionID string) error
	Leave(ctx context.Context, documentID, connectionID string) error
}

// Deps carries the collaborators a session is composed from. Local and
// Auth are required; the rest degrade gracefully when absent.
type Deps struct {
	Local     *localstore.Store
	Auth      ChannelAuthorizer
	Snapshots *snapshot.Syncer
	Presence  PresenceChannel
	Admit     transport.AdmitFunc

	// SnapshotEvery enables the background commit cadence when positive.
	SnapshotEvery time.Duration

	Log   zerolog.Logger
	Meter *metrics.Metrics
}

// Session is one open document replica with its transport and presence
// attachments.
type Session struct {
	DocumentID string
	ReplicaID  string

	doc   *crdt.Document
	mesh  *transport.Mesh
	deps  Deps
	nonce string
	who   presence.Member

	ctx    context.Context
	cancel context.CancelFunc

	unsubscribe func()
}

// Open loads a document and joins its collaboration session. Both the
// document channel and the presence channel must authorize; if either
// denies, nothing is joined.
func Open(ctx context.Context, documentID string, deps Deps) (*Session, error) {
	if deps.Local == nil || deps.Auth == nil {
		return nil, errors.New("collab: Local and Auth deps are required")
	}

	replicaID := util.NewReplicaID()
	nonce := util.NewNonce()
	doc := crdt.New(documentID, replicaID)

	if err := seed(ctx, doc, documentID, deps); err != nil {
		return nil, err
	}

	// Join-document-session is all or nothing: one operation, two
	// authorization calls, proceed only if both succeed.
	docGrant, err := deps.Auth.Authorize(ctx, session.DocumentChannel(documentID), nonce)
	if err != nil {
		return nil, fmt.Errorf("document channel: %w", err)
	}
	presGrant, err := deps.Auth.Authorize(ctx, session.PresenceChannel(documentID), nonce)
	if err != nil {
		return nil, fmt.Errorf("presence channel: %w", err)
	}

	sessionCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		DocumentID: documentID,
		ReplicaID:  replicaID,
		doc:        doc,
		deps:       deps,
		nonce:      nonce,
		who:        presence.MemberFromIdentity(presGrant.Member),
		ctx:        sessionCtx,
		cancel:     cancel,
	}

	s.mesh = transport.NewMesh(doc, transport.Options{
		DocumentID: documentID,
		ReplicaID:  replicaID,
		Grant:      docGrant.Auth,
		Nonce:      nonce,
		Admit:      deps.Admit,
		Log:        deps.Log,
		Meter:      deps.Meter,
	})

	// On every applied change, local or remote: sweep edges orphaned by a
	// node removal, then mirror the state to local storage in apply order.
	// The sweep itself fires this callback again and finds nothing to do.
	s.unsubscribe = doc.Subscribe(func() {
		if sweep, ok := doc.SweepDanglingEdges(); ok {
			s.mesh.Broadcast(sweep)
		}
		blob, err := doc.Snapshot()
		if err != nil {
			deps.Log.Warn().Err(err).Msg("snapshot for persistence failed")
			return
		}
		deps.Local.Save(documentID, blob)
	})

	if deps.Presence != nil {
		if err := deps.Presence.Join(ctx, documentID, nonce, s.who); err != nil {
			deps.Log.Warn().Err(err).Msg("presence join failed")
		}
		go s.heartbeatLoop()
	}

	if deps.Snapshots != nil && deps.SnapshotEvery > 0 {
		go deps.Snapshots.RunInterval(sessionCtx, documentID, deps.SnapshotEvery, doc.Snapshot, s.who.UserID)
	}

	return s, nil
}

// seed restores the replica before any transport connects, so offline
// edits merge instead of being overwritten: local cache first, canonical
// snapshot as the fallback.
func seed(ctx context.Context, doc *crdt.Document, documentID string, deps Deps) error {
	blob, ok, err := deps.Local.Load(documentID)
	if err == nil && ok {
		if err := doc.Restore(blob); err == nil {
			return nil
		}
		// Corrupt cache: the replica fell back to empty; re-seed below.
		deps.Log.Warn().Str("doc", documentID).Msg("local cache corrupt, re-seeding from canonical store")
	}

	if deps.Snapshots == nil {
		return nil
	}
	canonical, err := deps.Snapshots.Load(ctx, documentID)
	if errors.Is(err, store.ErrNotFound) {
		// Unknown documents are caught by channel authorization.
		return nil
	}
	if err != nil {
		return fmt.Errorf("seed from canonical store: %w", err)
	}
	if len(canonical) == 0 {
		return nil // brand new document
	}
	if err := doc.Restore(canonical); err != nil {
		return fmt.Errorf("restore canonical snapshot: %w", err)
	}
	return nil
}

func (s *Session) heartbeatLoop() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			hbCtx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
			err := s.deps.Presence.Heartbeat(hbCtx, s.DocumentID, s.nonce)
			if errors.Is(err, presence.ErrNotJoined) {
				// Our record expired, e.g. after a long pause or a redis
				// flush. Rejoin rather than letting the roster drop us.
				err = s.deps.Presence.Join(hbCtx, s.DocumentID, s.nonce, s.who)
			}
			if err != nil {
				s.deps.Log.Debug().Err(err).Msg("presence heartbeat failed")
			}
			cancel()
		}
	}
}

// Document exposes the live replica for reads and subscriptions.
func (s *Session) Document() *crdt.Document {
	return s.doc
}

// Mesh exposes the peer transport, e.g. for discovery wiring.
func (s *Session) Mesh() *transport.Mesh {
	return s.mesh
}

// Handler serves inbound peer connections for this session.
func (s *Session) Handler() http.Handler {
	return s.mesh.Handler()
}

// ConnectPeer maintains a connection to an explicitly known peer address.
func (s *Session) ConnectPeer(addr string) {
	s.mesh.Connect(addr)
}

func (s *Session) broadcast(update []byte, err error) error {
	if err != nil {
		return err
	}
	s.mesh.Broadcast(update)
	return nil
}

// AddNode applies a local node creation and broadcasts it.
func (s *Session) AddNode(n blueprint.Node) error {
	return s.broadcast(s.doc.AddNode(n))
}

// MoveNode applies a local position change and broadcasts it.
func (s *Session) MoveNode(id string, pos blueprint.Position) error {
	return s.broadcast(s.doc.MoveNode(id, pos))
}

// SetNodeData applies a local payload change and broadcasts it.
func (s *Session) SetNodeData(id string, data blueprint.NodeData) error {
	return s.broadcast(s.doc.SetNodeData(id, data))
}

// RemoveNode tombstones a node and broadcasts it. Edges left dangling by
// the removal are swept by the change subscription.
func (s *Session) RemoveNode(id string) error {
	return s.broadcast(s.doc.RemoveNode(id))
}

// AddEdge applies a local edge creation and broadcasts it.
func (s *Session) AddEdge(e blueprint.Edge) error {
	return s.broadcast(s.doc.AddEdge(e))
}

// RemoveEdge tombstones an edge and broadcasts it.
func (s *Session) RemoveEdge(id string) error {
	return s.broadcast(s.doc.RemoveEdge(id))
}

// SetEdgeAnimated applies a local animated-flag change and broadcasts it.
func (s *Session) SetEdgeAnimated(id string, animated bool) error {
	return s.broadcast(s.doc.SetEdgeAnimated(id, animated))
}

// SetEdgeStyle applies a local style change and broadcasts it.
func (s *Session) SetEdgeStyle(id string, style blueprint.EdgeStyle) error {
	return s.broadcast(s.doc.SetEdgeStyle(id, style))
}

// Commit checkpoints the document to the canonical store now.
func (s *Session) Commit(ctx context.Context) error {
	if s.deps.Snapshots == nil {
		return errors.New("collab: no snapshot syncer configured")
	}
	blob, err := s.doc.Snapshot()
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	return s.deps.Snapshots.Commit(ctx, s.DocumentID, blob, s.who.UserID)
}

// Close tears the session down: transport connections are canceled, the
// pending local write is flushed, and the presence record is removed. A
// snapshot commit already dispatched is left to finish on its own.
func (s *Session) Close() error {
	s.cancel()
	s.mesh.Close()
	s.unsubscribe()

	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.deps.Local.Flush(flushCtx); err != nil && !errors.Is(err, localstore.ErrClosed) {
		s.deps.Log.Warn().Err(err).Msg("local flush on close failed")
	}

	if s.deps.Presence != nil {
		leaveCtx, cancelLeave := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelLeave()
		if err := s.deps.Presence.Leave(leaveCtx, s.DocumentID, s.nonce); err != nil {
			s.deps.Log.Debug().Err(err).Msg("presence leave failed")
		}
	}
	return nil
}

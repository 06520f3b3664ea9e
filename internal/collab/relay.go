package collab

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"warmanager/collab/internal/session"
)

// RelayDocument is one hosted document replica the relay serves peer
// connections for. *Session satisfies it.
type RelayDocument interface {
	Handler() http.Handler
	Close() error
}

// OpenDocumentFunc opens a hosted document on demand.
type OpenDocumentFunc func(ctx context.Context, documentID string) (RelayDocument, error)

// Relay hosts server-side replicas so every document has an always-on
// peer: agents that come and go sync against the relay's replica, which
// in turn commits snapshots to the canonical store. Documents open lazily
// on the first inbound peer connection and stay open until the relay
// closes.
type Relay struct {
	open OpenDocumentFunc
	log  zerolog.Logger

	mu     sync.Mutex
	docs   map[string]RelayDocument
	closed bool
}

func NewRelay(open OpenDocumentFunc, log zerolog.Logger) *Relay {
	return &Relay{
		open: open,
		log:  log,
		docs: make(map[string]RelayDocument),
	}
}

// ServeHTTP routes an inbound peer connection to the replica named by the
// doc query parameter, opening it first if this is the document's first
// peer.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	documentID := req.URL.Query().Get("doc")
	if _, err := session.ParseChannel(session.DocumentChannel(documentID)); err != nil {
		http.Error(w, "bad document id", http.StatusBadRequest)
		return
	}

	doc, err := r.document(req.Context(), documentID)
	if err != nil {
		r.log.Warn().Err(err).Str("doc", documentID).Msg("relay could not open document")
		http.Error(w, "document unavailable", http.StatusServiceUnavailable)
		return
	}
	doc.Handler().ServeHTTP(w, req)
}

func (r *Relay) document(ctx context.Context, documentID string) (RelayDocument, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, http.ErrServerClosed
	}
	if doc, ok := r.docs[documentID]; ok {
		return doc, nil
	}

	openCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	doc, err := r.open(openCtx, documentID)
	if err != nil {
		return nil, err
	}
	r.docs[documentID] = doc
	r.log.Info().Str("doc", documentID).Msg("relay opened document")
	return doc, nil
}

// Close shuts every hosted document down and rejects further connections.
func (r *Relay) Close() error {
	r.mu.Lock()
	docs := r.docs
	r.docs = make(map[string]RelayDocument)
	r.closed = true
	r.mu.Unlock()

	var firstErr error
	for id, doc := range docs {
		if err := doc.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.log.Debug().Str("doc", id).Msg("relay closed document")
	}
	return firstErr
}

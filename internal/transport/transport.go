// Package transport maintains direct websocket connections between peers
// editing the same document and delivers CRDT updates between them. It
// guarantees delivery, not order: convergence is the CRDT's job. The
// transport never decides document existence or access; admission is a
// grant check injected by the session layer.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	neturl "net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"warmanager/collab/internal/crdt"
	"warmanager/collab/internal/metrics"
)

// ConnState is the lifecycle of one peer connection.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateSignaling    ConnState = "signaling"
	StateConnected    ConnState = "connected"
)

const (
	frameHello  = "hello"
	frameSync   = "sync"
	frameUpdate = "update"
	frameBye    = "bye"

	writeTimeout  = 10 * time.Second
	helloTimeout  = 10 * time.Second
	sendQueueSize = 256
)

var ErrMeshClosed = errors.New("transport: mesh closed")

// Hello introduces a peer: which document, which replica, and the grant
// that admitted it.
type Hello struct {
	DocumentID string `json:"doc"`
	ReplicaID  string `json:"replica"`
	Grant      string `json:"grant"`
	Nonce      string `json:"nonce"`
}

type frame struct {
	Type   string           `json:"type"`
	Hello  *Hello           `json:"hello,omitempty"`
	Vector crdt.StateVector `json:"vector,omitempty"`
	Update json.RawMessage  `json:"update,omitempty"`
}

// Replica is the document interface the transport drives. *crdt.Document
// satisfies it.
type Replica interface {
	ApplyUpdate([]byte) error
	StateVector() crdt.StateVector
	Diff(remote crdt.StateVector) ([]byte, bool)
}

// AdmitFunc validates a counterpart's hello before update exchange begins.
type AdmitFunc func(h Hello) error

type Options struct {
	DocumentID string
	ReplicaID  string
	// Grant and Nonce are this peer's own admission, presented to
	// counterparts in the hello.
	Grant string
	Nonce string
	Admit AdmitFunc
	Log   zerolog.Logger
	Meter *metrics.Metrics
}

// Mesh is the set of live peer connections for one document replica.
type Mesh struct {
	opts    Options
	replica Replica

	upgrader websocket.Upgrader

	mu    sync.Mutex
	peers map[*peer]struct{}
	// Replica IDs whose connection ended with undelivered frames; they
	// get a full-state update on their next connection.
	owedResync map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMesh(replica Replica, opts Options) *Mesh {
	ctx, cancel := context.WithCancel(context.Background())
	if opts.Admit == nil {
		opts.Admit = func(Hello) error { return errors.New("no admission configured") }
	}
	return &Mesh{
		opts:    opts,
		replica: replica,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		peers:      make(map[*peer]struct{}),
		owedResync: make(map[string]struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

type peer struct {
	conn       *websocket.Conn
	send       chan []byte
	mu         sync.Mutex
	state      ConnState
	closed     bool
	needResync bool
	replica    string
}

func (p *peer) markResync() {
	p.needResync = true
}

// takeResync consumes the resync flag once the send queue has drained.
func (p *peer) takeResync() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.needResync || len(p.send) > 0 {
		return false
	}
	p.needResync = false
	return true
}

func (p *peer) setState(s ConnState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *peer) State() ConnState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Handler accepts inbound peer connections.
func (m *Mesh) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := m.upgrader.Upgrade(w, r, nil)
		if err != nil {
			m.opts.Log.Debug().Err(err).Msg("peer upgrade failed")
			return
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.runConn(conn, false)
		}()
	})
}

// Connect maintains an outbound connection to addr (host:port) until the
// mesh closes, retrying with exponential backoff across failures. Local
// edits keep accumulating in the replica while disconnected; catch-up sync
// recovers the gap on every reconnect.
func (m *Mesh) Connect(addr string) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = 500 * time.Millisecond
		policy.MaxInterval = 30 * time.Second
		policy.MaxElapsedTime = 0 // retry until the mesh closes
		attempts := 0

		for {
			if m.ctx.Err() != nil {
				return
			}
			url := fmt.Sprintf("ws://%s/sync?doc=%s", addr, neturl.QueryEscape(m.opts.DocumentID))
			dialer := websocket.Dialer{HandshakeTimeout: helloTimeout}
			conn, _, err := dialer.DialContext(m.ctx, url, nil)
			if err == nil {
				attempts = 0
				policy.Reset()
				m.runConn(conn, true)
				if m.ctx.Err() != nil {
					return
				}
				// Connection ended; fall through to retry.
			} else {
				attempts++
				if attempts > 1 && m.opts.Meter != nil {
					m.opts.Meter.PeerReconnects.Inc()
				}
				m.opts.Log.Debug().Err(err).Str("peer", addr).Msg("peer dial failed")
			}

			select {
			case <-m.ctx.Done():
				return
			case <-time.After(policy.NextBackOff()):
			}
		}
	}()
}

// runConn drives one connection through the state machine:
// connecting -> signaling (hello + admission) -> connected (sync + updates).
func (m *Mesh) runConn(conn *websocket.Conn, outbound bool) {
	p := &peer{
		conn:  conn,
		send:  make(chan []byte, sendQueueSize),
		state: StateConnecting,
	}
	defer func() {
		p.setState(StateDisconnected)
		conn.Close()
		m.removePeer(p)
	}()

	p.setState(StateSignaling)
	remote, err := m.signal(p, outbound)
	if err != nil {
		m.opts.Log.Warn().Err(err).Msg("peer rejected during signaling")
		return
	}
	p.replica = remote.ReplicaID
	p.setState(StateConnected)
	m.addPeer(p)
	if m.opts.Meter != nil {
		m.opts.Meter.PeerConnects.Inc()
	}
	m.opts.Log.Info().Str("peer", remote.ReplicaID).Msg("peer connected")

	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		m.writePump(p)
	}()

	// First act on entering connected: exchange digests so a peer that
	// was offline receives everything it missed in one round.
	m.enqueue(p, frame{Type: frameSync, Vector: m.replica.StateVector()})

	// A peer whose previous connection ended with undelivered frames has
	// a state vector that over-claims; its digest cannot be trusted, so
	// repair it with full state up front.
	if m.takeOwed(remote.ReplicaID) {
		if full, ok := m.replica.Diff(crdt.StateVector{}); ok {
			m.enqueue(p, frame{Type: frameUpdate, Update: full})
		}
	}

	m.readLoop(p)
	m.removePeer(p)
	p.mu.Lock()
	p.closed = true
	undelivered := p.needResync || len(p.send) > 0
	p.mu.Unlock()
	if undelivered {
		m.markOwed(p.replica)
	}
	close(p.send)
	<-writeDone
}

func (m *Mesh) markOwed(replicaID string) {
	if replicaID == "" {
		return
	}
	m.mu.Lock()
	m.owedResync[replicaID] = struct{}{}
	m.mu.Unlock()
}

func (m *Mesh) takeOwed(replicaID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.owedResync[replicaID]; !ok {
		return false
	}
	delete(m.owedResync, replicaID)
	return true
}

func (m *Mesh) signal(p *peer, outbound bool) (Hello, error) {
	ours := frame{Type: frameHello, Hello: &Hello{
		DocumentID: m.opts.DocumentID,
		ReplicaID:  m.opts.ReplicaID,
		Grant:      m.opts.Grant,
		Nonce:      m.opts.Nonce,
	}}

	sendHello := func() error {
		p.conn.SetWriteDeadline(time.Now().Add(helloTimeout))
		return p.conn.WriteJSON(ours)
	}
	recvHello := func() (Hello, error) {
		p.conn.SetReadDeadline(time.Now().Add(helloTimeout))
		var f frame
		if err := p.conn.ReadJSON(&f); err != nil {
			return Hello{}, fmt.Errorf("read hello: %w", err)
		}
		if f.Type != frameHello || f.Hello == nil {
			return Hello{}, fmt.Errorf("expected hello, got %q", f.Type)
		}
		return *f.Hello, nil
	}

	var remote Hello
	var err error
	if outbound {
		if err = sendHello(); err != nil {
			return Hello{}, err
		}
		if remote, err = recvHello(); err != nil {
			return Hello{}, err
		}
	} else {
		if remote, err = recvHello(); err != nil {
			return Hello{}, err
		}
		if err = sendHello(); err != nil {
			return Hello{}, err
		}
	}

	if remote.DocumentID != m.opts.DocumentID {
		return Hello{}, fmt.Errorf("peer is editing %q, not %q", remote.DocumentID, m.opts.DocumentID)
	}
	if err := m.opts.Admit(remote); err != nil {
		return Hello{}, fmt.Errorf("admission denied: %w", err)
	}
	p.conn.SetReadDeadline(time.Time{})
	return remote, nil
}

func (m *Mesh) readLoop(p *peer) {
	for {
		_, raw, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			// Undecodable frames are dropped; the connection survives.
			m.opts.Log.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		switch f.Type {
		case frameSync:
			if delta, ok := m.replica.Diff(f.Vector); ok {
				m.enqueue(p, frame{Type: frameUpdate, Update: delta})
			}
			if m.opts.Meter != nil {
				m.opts.Meter.SyncRounds.Inc()
			}
		case frameUpdate:
			if err := m.replica.ApplyUpdate(f.Update); err != nil {
				// A corrupt or incompatible update never faults the
				// replica; drop it and ask for a full resync if the
				// codec moved on.
				if m.opts.Meter != nil {
					m.opts.Meter.UpdatesDropped.Inc()
				}
				m.opts.Log.Warn().Err(err).Msg("dropping bad update")
				if errors.Is(err, crdt.ErrIncompatibleUpdate) {
					m.enqueue(p, frame{Type: frameSync, Vector: crdt.StateVector{}})
				}
				continue
			}
			if m.opts.Meter != nil {
				m.opts.Meter.UpdatesApplied.Inc()
			}
		case frameBye:
			return
		default:
			m.opts.Log.Debug().Str("type", f.Type).Msg("ignoring unknown frame")
		}
	}
}

func (m *Mesh) writePump(p *peer) {
	for msg := range p.send {
		p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := p.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
		if p.takeResync() {
			if err := m.writeFullState(p); err != nil {
				return
			}
		}
	}
	p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = p.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// writeFullState repairs a peer that had frames dropped on a full queue.
// The peer's state vector cannot be trusted to name the gap: merging a
// later update from the same origin advances the vector past the dropped
// stamps, so a vector-based diff would skip them forever. A full-state
// update re-delivers everything and merges idempotently.
func (m *Mesh) writeFullState(p *peer) error {
	full, ok := m.replica.Diff(crdt.StateVector{})
	if !ok {
		return nil
	}
	raw, err := json.Marshal(frame{Type: frameUpdate, Update: full})
	if err != nil {
		return err
	}
	p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return p.conn.WriteMessage(websocket.TextMessage, raw)
}

func (m *Mesh) enqueue(p *peer, f frame) {
	raw, err := json.Marshal(f)
	if err != nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	select {
	case p.send <- raw:
	default:
		// A dropped frame cannot be recovered through vector-based
		// catch-up once later stamps from the same origin arrive, so the
		// peer is owed a full-state resend when its queue drains.
		p.markResync()
		if m.opts.Meter != nil {
			m.opts.Meter.UpdatesDropped.Inc()
		}
		m.opts.Log.Warn().Str("peer", p.replica).Msg("peer send queue full, scheduling full resync")
	}
}

// Broadcast fans a local update out to every connected peer.
func (m *Mesh) Broadcast(update []byte) {
	f := frame{Type: frameUpdate, Update: update}
	m.mu.Lock()
	targets := make([]*peer, 0, len(m.peers))
	for p := range m.peers {
		targets = append(targets, p)
	}
	m.mu.Unlock()
	for _, p := range targets {
		m.enqueue(p, f)
	}
}

func (m *Mesh) addPeer(p *peer) {
	m.mu.Lock()
	m.peers[p] = struct{}{}
	count := len(m.peers)
	m.mu.Unlock()
	if m.opts.Meter != nil {
		m.opts.Meter.PeersConnected.Set(float64(count))
	}
}

func (m *Mesh) removePeer(p *peer) {
	m.mu.Lock()
	delete(m.peers, p)
	count := len(m.peers)
	m.mu.Unlock()
	if m.opts.Meter != nil {
		m.opts.Meter.PeersConnected.Set(float64(count))
	}
}

// PeerCount returns the number of peers in the connected state.
func (m *Mesh) PeerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.peers)
}

// Close tears down every connection and waits for their goroutines.
func (m *Mesh) Close() {
	m.cancel()
	m.mu.Lock()
	for p := range m.peers {
		p.conn.Close()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

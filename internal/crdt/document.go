// Package crdt implements the replicated blueprint document: two
// last-writer-wins maps (nodes and edges) keyed by ID, with per-field
// registers stamped by a Lamport clock and tombstoned deletion.
//
// Conflict policy: delete wins over a concurrent field edit. A tombstoned
// entry only comes back through an explicit re-add whose stamp is newer
// than the tombstone. Field registers merge independently, so concurrent
// edits to different fields of the same node never clobber each other.
package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"warmanager/collab/internal/blueprint"
)

var ErrNotFound = errors.New("not found")

// Node field register names.
const (
	fieldType     = "type"
	fieldPosition = "position"
	fieldData     = "data"
	fieldSource   = "source"
	fieldTarget   = "target"
	fieldAnimated = "animated"
	fieldStyle    = "style"
)

type register struct {
	raw   json.RawMessage
	stamp Stamp
}

// entry is one replicated map row. It is never physically removed: a delete
// sets the tombstone stamp and the row stays to absorb stale concurrent
// writes, which prevents resurrection when an offline peer replays an old
// create.
type entry struct {
	fields map[string]register
	create Stamp
	del    Stamp
}

func (e *entry) alive() bool {
	if e.create.IsZero() {
		// Field updates can arrive before the create they depend on; the
		// entry stays invisible until the create merges in.
		return false
	}
	if e.del.IsZero() {
		return true
	}
	return e.create.After(e.del)
}

// mergeWire folds a wire entry in. All three parts are join operations
// (per-field LWW, max create stamp, max delete stamp), which is what makes
// application commutative, associative and idempotent.
func (e *entry) mergeWire(w wireEntry, vector StateVector) bool {
	changed := false
	for name, incoming := range w.Fields {
		current, ok := e.fields[name]
		if !ok || incoming.Stamp.After(current.stamp) {
			e.fields[name] = register{raw: incoming.Value, stamp: incoming.Stamp}
			changed = true
		}
		vector.Observe(incoming.Stamp)
	}
	if w.Create != nil {
		if w.Create.After(e.create) {
			e.create = *w.Create
			changed = true
		}
		vector.Observe(*w.Create)
	}
	if w.Delete != nil {
		if w.Delete.After(e.del) {
			e.del = *w.Delete
			changed = true
		}
		vector.Observe(*w.Delete)
	}
	return changed
}

// Document is one replica of a blueprint. All methods are safe for
// concurrent use; mutation application is synchronous so reads interleaved
// between updates always see a complete merge.
type Document struct {
	mu      sync.Mutex
	id      string
	replica string
	clock   uint64
	vector  StateVector
	nodes   map[string]*entry
	edges   map[string]*entry
	subs    map[int]func()
	nextSub int
}

// New creates an empty replica of document id, stamping local edits with
// the given replica ID.
func New(id, replica string) *Document {
	return &Document{
		id:      id,
		replica: replica,
		vector:  StateVector{},
		nodes:   make(map[string]*entry),
		edges:   make(map[string]*entry),
		subs:    make(map[int]func()),
	}
}

// ID returns the document ID this replica belongs to.
func (d *Document) ID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.id
}

// Subscribe registers a callback invoked after any mutation that changed
// visible state. The returned function unsubscribes.
func (d *Document) Subscribe(fn func()) func() {
	d.mu.Lock()
	id := d.nextSub
	d.nextSub++
	d.subs[id] = fn
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.subs, id)
		d.mu.Unlock()
	}
}

func (d *Document) notifyLocked() []func() {
	fns := make([]func(), 0, len(d.subs))
	for _, fn := range d.subs {
		fns = append(fns, fn)
	}
	return fns
}

func runAll(fns []func()) {
	for _, fn := range fns {
		fn()
	}
}

// tick advances the Lamport clock and returns a stamp for a local edit.
func (d *Document) tick() Stamp {
	d.clock++
	s := Stamp{Clock: d.clock, Replica: d.replica}
	d.vector.Observe(s)
	return s
}

func mustRaw(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("crdt: marshal register value: %v", err))
	}
	return b
}

func (d *Document) ensureEntry(m map[string]*entry, id string) *entry {
	e, ok := m[id]
	if !ok {
		e = &entry{fields: make(map[string]register)}
		m[id] = e
	}
	return e
}

// AddNode creates (or explicitly re-creates) a node and returns the encoded
// update to broadcast.
func (d *Document) AddNode(n blueprint.Node) ([]byte, error) {
	if err := n.Validate(); err != nil {
		return nil, err
	}
	dataRaw, err := json.Marshal(n.Data)
	if err != nil {
		return nil, fmt.Errorf("encode node data: %w", err)
	}

	d.mu.Lock()
	stamp := d.tick()
	e := d.ensureEntry(d.nodes, n.ID)
	e.create = stamp
	e.fields[fieldType] = register{raw: mustRaw(n.Type), stamp: stamp}
	e.fields[fieldPosition] = register{raw: mustRaw(n.Position), stamp: stamp}
	e.fields[fieldData] = register{raw: dataRaw, stamp: stamp}
	update := encodeUpdate(updatePayload{
		DocID:  d.id,
		Origin: d.replica,
		Nodes:  map[string]wireEntry{n.ID: d.entryWireFull(e)},
	})
	fns := d.notifyLocked()
	d.mu.Unlock()

	runAll(fns)
	return update, nil
}

// MoveNode updates only the position register of a node.
func (d *Document) MoveNode(id string, pos blueprint.Position) ([]byte, error) {
	return d.setNodeField(id, fieldPosition, mustRaw(pos))
}

// SetNodeData replaces the data payload of a node. The payload kind must
// match the node's existing type.
func (d *Document) SetNodeData(id string, data blueprint.NodeData) ([]byte, error) {
	d.mu.Lock()
	e, ok := d.nodes[id]
	if ok && e.alive() {
		if reg, has := e.fields[fieldType]; has {
			var t blueprint.NodeType
			if err := json.Unmarshal(reg.raw, &t); err == nil && t != data.NodeType() {
				d.mu.Unlock()
				return nil, fmt.Errorf("node %s: cannot set %q data on %q node", id, data.NodeType(), t)
			}
		}
	}
	d.mu.Unlock()
	return d.setNodeField(id, fieldData, mustRaw(data))
}

func (d *Document) setNodeField(id, field string, raw json.RawMessage) ([]byte, error) {
	d.mu.Lock()
	e, ok := d.nodes[id]
	if !ok || !e.alive() {
		d.mu.Unlock()
		return nil, fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	stamp := d.tick()
	e.fields[field] = register{raw: raw, stamp: stamp}
	update := encodeUpdate(updatePayload{
		DocID:  d.id,
		Origin: d.replica,
		Nodes: map[string]wireEntry{id: {
			Fields: map[string]wireRegister{field: {Value: raw, Stamp: stamp}},
		}},
	})
	fns := d.notifyLocked()
	d.mu.Unlock()

	runAll(fns)
	return update, nil
}

// RemoveNode tombstones a node.
func (d *Document) RemoveNode(id string) ([]byte, error) {
	d.mu.Lock()
	e, ok := d.nodes[id]
	if !ok || !e.alive() {
		d.mu.Unlock()
		return nil, fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	stamp := d.tick()
	e.del = stamp
	update := encodeUpdate(updatePayload{
		DocID:  d.id,
		Origin: d.replica,
		Nodes:  map[string]wireEntry{id: {Delete: &stamp}},
	})
	fns := d.notifyLocked()
	d.mu.Unlock()

	runAll(fns)
	return update, nil
}

// AddEdge creates (or re-creates) an edge.
func (d *Document) AddEdge(e blueprint.Edge) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	stamp := d.tick()
	ent := d.ensureEntry(d.edges, e.ID)
	ent.create = stamp
	ent.fields[fieldSource] = register{raw: mustRaw(e.Source), stamp: stamp}
	ent.fields[fieldTarget] = register{raw: mustRaw(e.Target), stamp: stamp}
	ent.fields[fieldType] = register{raw: mustRaw(e.Type), stamp: stamp}
	ent.fields[fieldAnimated] = register{raw: mustRaw(e.Animated), stamp: stamp}
	ent.fields[fieldStyle] = register{raw: mustRaw(e.Style), stamp: stamp}
	update := encodeUpdate(updatePayload{
		DocID:  d.id,
		Origin: d.replica,
		Edges:  map[string]wireEntry{e.ID: d.entryWireFull(ent)},
	})
	fns := d.notifyLocked()
	d.mu.Unlock()

	runAll(fns)
	return update, nil
}

// SetEdgeAnimated updates the animated flag of an edge.
func (d *Document) SetEdgeAnimated(id string, animated bool) ([]byte, error) {
	return d.setEdgeField(id, fieldAnimated, mustRaw(animated))
}

// SetEdgeStyle updates the style register of an edge.
func (d *Document) SetEdgeStyle(id string, style blueprint.EdgeStyle) ([]byte, error) {
	return d.setEdgeField(id, fieldStyle, mustRaw(style))
}

func (d *Document) setEdgeField(id, field string, raw json.RawMessage) ([]byte, error) {
	d.mu.Lock()
	e, ok := d.edges[id]
	if !ok || !e.alive() {
		d.mu.Unlock()
		return nil, fmt.Errorf("edge %s: %w", id, ErrNotFound)
	}
	stamp := d.tick()
	e.fields[field] = register{raw: raw, stamp: stamp}
	update := encodeUpdate(updatePayload{
		DocID:  d.id,
		Origin: d.replica,
		Edges: map[string]wireEntry{id: {
			Fields: map[string]wireRegister{field: {Value: raw, Stamp: stamp}},
		}},
	})
	fns := d.notifyLocked()
	d.mu.Unlock()

	runAll(fns)
	return update, nil
}

// RemoveEdge tombstones an edge.
func (d *Document) RemoveEdge(id string) ([]byte, error) {
	d.mu.Lock()
	e, ok := d.edges[id]
	if !ok || !e.alive() {
		d.mu.Unlock()
		return nil, fmt.Errorf("edge %s: %w", id, ErrNotFound)
	}
	stamp := d.tick()
	e.del = stamp
	update := encodeUpdate(updatePayload{
		DocID:  d.id,
		Origin: d.replica,
		Edges:  map[string]wireEntry{id: {Delete: &stamp}},
	})
	fns := d.notifyLocked()
	d.mu.Unlock()

	runAll(fns)
	return update, nil
}

// SweepDanglingEdges tombstones every live edge whose source or target node
// is no longer alive, and returns one update covering all of them. The
// second return is false when there was nothing to sweep.
func (d *Document) SweepDanglingEdges() ([]byte, bool) {
	d.mu.Lock()
	aliveNodes := make(map[string]bool, len(d.nodes))
	for id, e := range d.nodes {
		if e.alive() {
			aliveNodes[id] = true
		}
	}

	swept := make(map[string]wireEntry)
	for id, e := range d.edges {
		if !e.alive() {
			continue
		}
		if d.edgeDanglingLocked(e, aliveNodes) {
			stamp := d.tick()
			e.del = stamp
			del := stamp
			swept[id] = wireEntry{Delete: &del}
		}
	}
	if len(swept) == 0 {
		d.mu.Unlock()
		return nil, false
	}
	update := encodeUpdate(updatePayload{
		DocID:  d.id,
		Origin: d.replica,
		Edges:  swept,
	})
	fns := d.notifyLocked()
	d.mu.Unlock()

	runAll(fns)
	return update, true
}

func (d *Document) edgeDanglingLocked(e *entry, aliveNodes map[string]bool) bool {
	for _, field := range []string{fieldSource, fieldTarget} {
		reg, ok := e.fields[field]
		if !ok {
			return true
		}
		var nodeID string
		if err := json.Unmarshal(reg.raw, &nodeID); err != nil {
			return true
		}
		if !aliveNodes[nodeID] {
			return true
		}
	}
	return false
}

// ApplyUpdate merges a remote update into the replica. It is idempotent and
// commutative; a malformed or incompatible payload is rejected with an
// error and leaves the replica untouched.
func (d *Document) ApplyUpdate(b []byte) error {
	p, err := decodeUpdate(b)
	if err != nil {
		return err
	}

	d.mu.Lock()
	if p.DocID != "" && p.DocID != d.id {
		d.mu.Unlock()
		return fmt.Errorf("%w: got %q, want %q", ErrWrongDocument, p.DocID, d.id)
	}
	changed := d.mergeLocked(p.Nodes, p.Edges)
	var fns []func()
	if changed {
		fns = d.notifyLocked()
	}
	d.mu.Unlock()

	runAll(fns)
	return nil
}

func (d *Document) mergeLocked(nodes, edges map[string]wireEntry) bool {
	changed := false
	for id, w := range nodes {
		if d.ensureEntry(d.nodes, id).mergeWire(w, d.vector) {
			changed = true
		}
	}
	for id, w := range edges {
		if d.ensureEntry(d.edges, id).mergeWire(w, d.vector) {
			changed = true
		}
	}
	// Lamport receive rule: never issue a stamp that an observed edit
	// could tie with from behind.
	for _, clock := range d.vector {
		if clock > d.clock {
			d.clock = clock
		}
	}
	return changed
}

// StateVector returns a copy of the replica's state vector.
func (d *Document) StateVector() StateVector {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.vector.Clone()
}

// Diff encodes every stamp the remote vector has not seen, as one update.
// The second return is false when the remote is already caught up.
func (d *Document) Diff(remote StateVector) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	nodes := make(map[string]wireEntry)
	for id, e := range d.nodes {
		if w, ok := e.toWire(false, remote); ok {
			nodes[id] = w
		}
	}
	edges := make(map[string]wireEntry)
	for id, e := range d.edges {
		if w, ok := e.toWire(false, remote); ok {
			edges[id] = w
		}
	}
	if len(nodes) == 0 && len(edges) == 0 {
		return nil, false
	}
	return encodeUpdate(updatePayload{
		DocID:  d.id,
		Origin: d.replica,
		Nodes:  nodes,
		Edges:  edges,
	}), true
}

func (d *Document) entryWireFull(e *entry) wireEntry {
	w, _ := e.toWire(true, nil)
	return w
}

// Snapshot serializes the full replica state, tombstones included.
func (d *Document) Snapshot() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	nodes := make(map[string]wireEntry, len(d.nodes))
	for id, e := range d.nodes {
		nodes[id] = d.entryWireFull(e)
	}
	edges := make(map[string]wireEntry, len(d.edges))
	for id, e := range d.edges {
		edges[id] = d.entryWireFull(e)
	}
	return encodeSnapshot(snapshotPayload{
		DocID:  d.id,
		Vector: d.vector.Clone(),
		Nodes:  nodes,
		Edges:  edges,
	})
}

// Restore loads a snapshot as the replica's starting state, discarding
// whatever it currently holds. On a corrupt snapshot the replica is reset
// to empty and ErrCorruptSnapshot is returned so the caller can re-seed
// from the canonical store.
func (d *Document) Restore(b []byte) error {
	p, err := decodeSnapshot(b)

	d.mu.Lock()
	d.nodes = make(map[string]*entry)
	d.edges = make(map[string]*entry)
	d.vector = StateVector{}
	if err != nil {
		d.clock = 0
		fns := d.notifyLocked()
		d.mu.Unlock()
		runAll(fns)
		return err
	}
	for replica, clock := range p.Vector {
		d.vector.Observe(Stamp{Clock: clock, Replica: replica})
	}
	d.mergeLocked(p.Nodes, p.Edges)
	fns := d.notifyLocked()
	d.mu.Unlock()

	runAll(fns)
	return nil
}

// Nodes assembles the live node map from the replicated registers. Entries
// whose registers fail to decode are skipped rather than faulting the
// document.
func (d *Document) Nodes() map[string]blueprint.Node {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[string]blueprint.Node)
	for id, e := range d.nodes {
		if !e.alive() {
			continue
		}
		n, err := d.assembleNodeLocked(id, e)
		if err != nil {
			continue
		}
		out[id] = n
	}
	return out
}

func (d *Document) assembleNodeLocked(id string, e *entry) (blueprint.Node, error) {
	n := blueprint.Node{ID: id}
	if reg, ok := e.fields[fieldType]; ok {
		if err := json.Unmarshal(reg.raw, &n.Type); err != nil {
			return blueprint.Node{}, err
		}
	}
	if reg, ok := e.fields[fieldPosition]; ok {
		if err := json.Unmarshal(reg.raw, &n.Position); err != nil {
			return blueprint.Node{}, err
		}
	}
	if reg, ok := e.fields[fieldData]; ok {
		data, err := blueprint.DecodeNodeData(n.Type, reg.raw)
		if err != nil {
			return blueprint.Node{}, err
		}
		n.Data = data
	}
	return n, nil
}

// Edges assembles the live edge map.
func (d *Document) Edges() map[string]blueprint.Edge {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[string]blueprint.Edge)
	for id, e := range d.edges {
		if !e.alive() {
			continue
		}
		edge := blueprint.Edge{ID: id}
		bad := false
		for field, dst := range map[string]any{
			fieldSource:   &edge.Source,
			fieldTarget:   &edge.Target,
			fieldType:     &edge.Type,
			fieldAnimated: &edge.Animated,
			fieldStyle:    &edge.Style,
		} {
			reg, ok := e.fields[field]
			if !ok {
				continue
			}
			if err := json.Unmarshal(reg.raw, dst); err != nil {
				bad = true
				break
			}
		}
		if bad {
			continue
		}
		out[id] = edge
	}
	return out
}

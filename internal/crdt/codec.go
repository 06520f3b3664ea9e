package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
)

// codecVersion is bumped on incompatible wire changes. A replica that
// receives a payload with a different version drops it and falls back to
// full-state resync through a fresh snapshot exchange.
const codecVersion = 1

var (
	ErrMalformedUpdate    = errors.New("malformed update payload")
	ErrIncompatibleUpdate = errors.New("incompatible update version")
	ErrWrongDocument      = errors.New("update targets a different document")
	ErrCorruptSnapshot    = errors.New("corrupt snapshot")
)

type wireRegister struct {
	Value json.RawMessage `json:"v"`
	Stamp Stamp           `json:"s"`
}

// wireEntry is a full or partial entry: absent fields were not touched by
// the update. Create and Delete stamps merge by max on the receiving side,
// so resending them is harmless.
type wireEntry struct {
	Fields map[string]wireRegister `json:"f,omitempty"`
	Create *Stamp                  `json:"c,omitempty"`
	Delete *Stamp                  `json:"d,omitempty"`
}

type updatePayload struct {
	Version int                  `json:"version"`
	DocID   string               `json:"doc"`
	Origin  string               `json:"origin"`
	Nodes   map[string]wireEntry `json:"nodes,omitempty"`
	Edges   map[string]wireEntry `json:"edges,omitempty"`
}

type snapshotPayload struct {
	Version int                  `json:"version"`
	DocID   string               `json:"doc"`
	Vector  StateVector          `json:"vector"`
	Nodes   map[string]wireEntry `json:"nodes"`
	Edges   map[string]wireEntry `json:"edges"`
}

func encodeUpdate(p updatePayload) []byte {
	p.Version = codecVersion
	b, err := json.Marshal(p)
	if err != nil {
		// Payloads are built from already-marshaled JSON fragments; this
		// cannot fail for well-formed entries.
		panic(fmt.Sprintf("crdt: encode update: %v", err))
	}
	return b
}

func decodeUpdate(b []byte) (updatePayload, error) {
	var p updatePayload
	if err := json.Unmarshal(b, &p); err != nil {
		return updatePayload{}, fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	if p.Version != codecVersion {
		return updatePayload{}, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleUpdate, p.Version, codecVersion)
	}
	return p, nil
}

func encodeSnapshot(p snapshotPayload) ([]byte, error) {
	p.Version = codecVersion
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return b, nil
}

func decodeSnapshot(b []byte) (snapshotPayload, error) {
	var p snapshotPayload
	if err := json.Unmarshal(b, &p); err != nil {
		return snapshotPayload{}, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	if p.Version != codecVersion {
		return snapshotPayload{}, fmt.Errorf("%w: version %d", ErrCorruptSnapshot, p.Version)
	}
	return p, nil
}

func (e *entry) toWire(full bool, since StateVector) (wireEntry, bool) {
	w := wireEntry{}
	include := false
	for name, reg := range e.fields {
		if full || !since.Covers(reg.stamp) {
			if w.Fields == nil {
				w.Fields = make(map[string]wireRegister)
			}
			w.Fields[name] = wireRegister{Value: reg.raw, Stamp: reg.stamp}
			include = true
		}
	}
	if !e.create.IsZero() && (full || !since.Covers(e.create)) {
		create := e.create
		w.Create = &create
		include = true
	}
	if !e.del.IsZero() && (full || !since.Covers(e.del)) {
		del := e.del
		w.Delete = &del
		include = true
	}
	return w, include
}

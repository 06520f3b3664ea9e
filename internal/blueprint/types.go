// Package blueprint defines the typed node and edge model of a blueprint
// canvas. The CRDT layer treats node data as opaque JSON; this package is
// where the polymorphic payloads become concrete types.
package blueprint

import (
	"encoding/json"
	"errors"
	"fmt"
)

type NodeType string

const (
	NodeProject NodeType = "projectNode"
	NodeCrew    NodeType = "crewNode"
	NodeNote    NodeType = "noteNode"
	NodeLabel   NodeType = "labelNode"
)

var ErrUnknownNodeType = errors.New("unknown node type")

// Position is a node's canvas coordinate.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// NodeData is the tagged union of per-kind node payloads. Exactly one
// concrete type exists per NodeType; DecodeNodeData is the total mapping
// from the tag to the payload type.
type NodeData interface {
	NodeType() NodeType
}

// ProjectData carries the project reference shown on a project node.
type ProjectData struct {
	ProjectID string `json:"projectId,omitempty"`
	Name      string `json:"name"`
	JobNumber string `json:"jobNumber,omitempty"`
	Status    string `json:"status,omitempty"`
}

func (ProjectData) NodeType() NodeType { return NodeProject }

// CrewData carries the crew member reference shown on a crew node.
type CrewData struct {
	CrewID string `json:"crewId,omitempty"`
	Name   string `json:"name"`
	Role   string `json:"role,omitempty"`
	Phone  string `json:"phone,omitempty"`
	Email  string `json:"email,omitempty"`
}

func (CrewData) NodeType() NodeType { return NodeCrew }

// NoteData is a free-form annotation.
type NoteData struct {
	Text string `json:"text"`
}

func (NoteData) NodeType() NodeType { return NodeNote }

// LabelData is a resizable text label.
type LabelData struct {
	Text     string  `json:"text"`
	Width    float64 `json:"width,omitempty"`
	Height   float64 `json:"height,omitempty"`
	FontSize int     `json:"fontSize,omitempty"`
}

func (LabelData) NodeType() NodeType { return NodeLabel }

// Node is one element on the canvas.
type Node struct {
	ID       string   `json:"id"`
	Type     NodeType `json:"type"`
	Position Position `json:"position"`
	Data     NodeData `json:"data"`
}

// EdgeStyle holds the renderer hints carried on an edge.
type EdgeStyle struct {
	Stroke      string  `json:"stroke,omitempty"`
	StrokeWidth float64 `json:"strokeWidth,omitempty"`
}

// Edge connects two nodes.
type Edge struct {
	ID       string    `json:"id"`
	Source   string    `json:"source"`
	Target   string    `json:"target"`
	Type     string    `json:"type,omitempty"`
	Animated bool      `json:"animated,omitempty"`
	Style    EdgeStyle `json:"style,omitempty"`
}

// DecodeNodeData decodes a raw payload into the concrete type for t.
func DecodeNodeData(t NodeType, raw []byte) (NodeData, error) {
	switch t {
	case NodeProject:
		var d ProjectData
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("decode project data: %w", err)
		}
		return d, nil
	case NodeCrew:
		var d CrewData
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("decode crew data: %w", err)
		}
		return d, nil
	case NodeNote:
		var d NoteData
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("decode note data: %w", err)
		}
		return d, nil
	case NodeLabel:
		var d LabelData
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("decode label data: %w", err)
		}
		return d, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownNodeType, t)
	}
}

type nodeWire struct {
	ID       string          `json:"id"`
	Type     NodeType        `json:"type"`
	Position Position        `json:"position"`
	Data     json.RawMessage `json:"data"`
}

func (n Node) MarshalJSON() ([]byte, error) {
	raw, err := json.Marshal(n.Data)
	if err != nil {
		return nil, fmt.Errorf("encode node data: %w", err)
	}
	return json.Marshal(nodeWire{
		ID:       n.ID,
		Type:     n.Type,
		Position: n.Position,
		Data:     raw,
	})
}

func (n *Node) UnmarshalJSON(b []byte) error {
	var w nodeWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	data, err := DecodeNodeData(w.Type, w.Data)
	if err != nil {
		return err
	}
	n.ID = w.ID
	n.Type = w.Type
	n.Position = w.Position
	n.Data = data
	return nil
}

// Validate checks the structural invariants of a node independent of the
// document it belongs to.
func (n Node) Validate() error {
	if n.ID == "" {
		return errors.New("node id is required")
	}
	if n.Data == nil {
		return errors.New("node data is required")
	}
	if n.Data.NodeType() != n.Type {
		return fmt.Errorf("node %s: data kind %q does not match type %q", n.ID, n.Data.NodeType(), n.Type)
	}
	return nil
}

// Validate checks the structural invariants of an edge.
func (e Edge) Validate() error {
	if e.ID == "" {
		return errors.New("edge id is required")
	}
	if e.Source == "" || e.Target == "" {
		return fmt.Errorf("edge %s: source and target are required", e.ID)
	}
	return nil
}

// DanglingEdges returns the IDs of edges whose source or target node is
// absent. Dangling edges are legal transient state during concurrent
// delete/create races; callers sweep them by emitting edge deletions.
func DanglingEdges(nodes map[string]Node, edges map[string]Edge) []string {
	var dangling []string
	for id, e := range edges {
		if _, ok := nodes[e.Source]; !ok {
			dangling = append(dangling, id)
			continue
		}
		if _, ok := nodes[e.Target]; !ok {
			dangling = append(dangling, id)
		}
	}
	return dangling
}

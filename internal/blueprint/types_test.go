package blueprint

import (
	"encoding/json"
	"errors"
	"sort"
	"testing"
)

func TestNodeJSONRoundTrip(t *testing.T) {
	cases := []Node{
		{
			ID:       "n1",
			Type:     NodeProject,
			Position: Position{X: 12.5, Y: -3},
			Data:     ProjectData{ProjectID: "p-77", Name: "Job A", JobNumber: "2024-114", Status: "active"},
		},
		{
			ID:       "n2",
			Type:     NodeCrew,
			Position: Position{X: 10, Y: 10},
			Data:     CrewData{CrewID: "c-9", Name: "Alice", Role: "foreman"},
		},
		{
			ID:       "n3",
			Type:     NodeNote,
			Position: Position{},
			Data:     NoteData{Text: "pour footing first"},
		},
		{
			ID:       "n4",
			Type:     NodeLabel,
			Position: Position{X: 1, Y: 2},
			Data:     LabelData{Text: "Phase 2", Width: 220, Height: 40, FontSize: 18},
		},
	}

	for _, original := range cases {
		encoded, err := json.Marshal(original)
		if err != nil {
			t.Fatalf("marshal %s: %v", original.ID, err)
		}
		var decoded Node
		if err := json.Unmarshal(encoded, &decoded); err != nil {
			t.Fatalf("unmarshal %s: %v", original.ID, err)
		}
		if decoded.ID != original.ID || decoded.Type != original.Type {
			t.Fatalf("round trip changed identity: %+v -> %+v", original, decoded)
		}
		if decoded.Position != original.Position {
			t.Fatalf("round trip changed position: %+v -> %+v", original.Position, decoded.Position)
		}
		if decoded.Data != original.Data {
			t.Fatalf("round trip changed data: %#v -> %#v", original.Data, decoded.Data)
		}
	}
}

func TestDecodeNodeDataRejectsUnknownType(t *testing.T) {
	_, err := DecodeNodeData("mysteryNode", []byte(`{}`))
	if !errors.Is(err, ErrUnknownNodeType) {
		t.Fatalf("expected ErrUnknownNodeType, got %v", err)
	}

	var n Node
	err = json.Unmarshal([]byte(`{"id":"x","type":"mysteryNode","position":{"x":0,"y":0},"data":{}}`), &n)
	if !errors.Is(err, ErrUnknownNodeType) {
		t.Fatalf("expected ErrUnknownNodeType from node decode, got %v", err)
	}
}

func TestNodeValidate(t *testing.T) {
	valid := Node{ID: "n1", Type: NodeNote, Data: NoteData{Text: "ok"}}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid node rejected: %v", err)
	}

	missingID := Node{Type: NodeNote, Data: NoteData{}}
	if err := missingID.Validate(); err == nil {
		t.Fatal("expected error for missing id")
	}

	mismatched := Node{ID: "n2", Type: NodeCrew, Data: NoteData{}}
	if err := mismatched.Validate(); err == nil {
		t.Fatal("expected error for data/type mismatch")
	}
}

func TestEdgeValidate(t *testing.T) {
	if err := (Edge{ID: "e1", Source: "a", Target: "b"}).Validate(); err != nil {
		t.Fatalf("valid edge rejected: %v", err)
	}
	if err := (Edge{ID: "e2", Source: "a"}).Validate(); err == nil {
		t.Fatal("expected error for missing target")
	}
}

func TestDanglingEdges(t *testing.T) {
	nodes := map[string]Node{
		"a": {ID: "a", Type: NodeNote, Data: NoteData{}},
		"b": {ID: "b", Type: NodeNote, Data: NoteData{}},
	}
	edges := map[string]Edge{
		"ok":        {ID: "ok", Source: "a", Target: "b"},
		"no-source": {ID: "no-source", Source: "gone", Target: "b"},
		"no-target": {ID: "no-target", Source: "a", Target: "gone"},
		"both-gone": {ID: "both-gone", Source: "x", Target: "y"},
	}

	got := DanglingEdges(nodes, edges)
	sort.Strings(got)
	want := []string{"both-gone", "no-source", "no-target"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

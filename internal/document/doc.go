package document

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/example/workspace-sync/internal/types"
)

// Viewport is the camera over the canvas. Zoom must be strictly positive.
type Viewport struct {
	CenterX float64 `json:"centerX"`
	CenterY float64 `json:"centerY"`
	Zoom    float64 `json:"zoom"`
}

// NodeType enumerates the node variants that can live on a canvas.
type NodeType string

const (
	NodeFrame  NodeType = "frame"
	NodeWidget NodeType = "widget"
	NodeGuide  NodeType = "guide"
	NodeText   NodeType = "text"
)

// Node is a single canvas element. Props carry the variant-specific payload
// and are kept as a generic object so unknown keys survive a round trip.
type Node struct {
	ID        string         `json:"id"`
	Type      NodeType       `json:"type"`
	X         float64        `json:"x"`
	Y         float64        `json:"y"`
	W         float64        `json:"w"`
	H         float64        `json:"h"`
	Rotation  *float64       `json:"rotation,omitempty"`
	Props     map[string]any `json:"props"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// MarshalJSON emits an empty object for nil props.
func (n Node) MarshalJSON() ([]byte, error) {
	type alias Node
	a := alias(n)
	if a.Props == nil {
		a.Props = map[string]any{}
	}
	return json.Marshal(a)
}

// Clone returns a copy of the node whose props map is not shared.
func (n Node) Clone() Node {
	n.Props = maps.Clone(n.Props)
	if n.Rotation != nil {
		r := *n.Rotation
		n.Rotation = &r
	}
	return n
}

// Doc is the materialized state of a workspace.
//
// Version is issued by the server and equals the serverSeq of the last
// operation applied to the document. Selection is per-client UI state: it is
// carried in the document shape but never synchronized.
type Doc struct {
	WorkspaceID types.WorkspaceID `json:"workspaceId"`
	Version     int64             `json:"version"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
	Viewport    Viewport          `json:"viewport"`
	Nodes       map[string]Node   `json:"nodes"`
	NodeOrder   []string          `json:"nodeOrder"`
	Selection   []string          `json:"selection"`
}

// DefaultViewport is the camera of a freshly created workspace.
var DefaultViewport = Viewport{CenterX: 0, CenterY: 0, Zoom: 1}

// NewEmpty returns the version-0 document for a new workspace.
func NewEmpty(id types.WorkspaceID, now time.Time) Doc {
	now = now.UTC()
	return Doc{
		WorkspaceID: id,
		Version:     0,
		CreatedAt:   now,
		UpdatedAt:   now,
		Viewport:    DefaultViewport,
		Nodes:       map[string]Node{},
		NodeOrder:   []string{},
		Selection:   []string{},
	}
}

// MarshalJSON emits empty collections instead of null. Map keys are sorted by
// encoding/json, so the same document always serializes to the same bytes.
func (d Doc) MarshalJSON() ([]byte, error) {
	type alias Doc
	a := alias(d)
	if a.Nodes == nil {
		a.Nodes = map[string]Node{}
	}
	if a.NodeOrder == nil {
		a.NodeOrder = []string{}
	}
	if a.Selection == nil {
		a.Selection = []string{}
	}
	return json.Marshal(a)
}

// Clone returns a deep copy of the document.
func (d Doc) Clone() Doc {
	out := d
	out.Nodes = make(map[string]Node, len(d.Nodes))
	for id, n := range d.Nodes {
		out.Nodes[id] = n.Clone()
	}
	out.NodeOrder = slices.Clone(d.NodeOrder)
	if out.NodeOrder == nil {
		out.NodeOrder = []string{}
	}
	out.Selection = slices.Clone(d.Selection)
	if out.Selection == nil {
		out.Selection = []string{}
	}
	return out
}

// Reseed turns d into the initial state of another workspace: new id,
// version 0, fresh timestamps and an empty selection. Content is preserved.
func (d Doc) Reseed(id types.WorkspaceID, now time.Time) Doc {
	out := d.Clone()
	now = now.UTC()
	out.WorkspaceID = id
	out.Version = 0
	out.CreatedAt = now
	out.UpdatedAt = now
	out.Selection = []string{}
	return out
}

// CheckInvariants reports structural problems with the document: nodeOrder
// must hold every node id exactly once and nothing else.
func (d Doc) CheckInvariants() error {
	if d.Viewport.Zoom <= 0 {
		return fmt.Errorf("viewport zoom must be positive, got %v", d.Viewport.Zoom)
	}
	seen := make(map[string]struct{}, len(d.NodeOrder))
	for _, id := range d.NodeOrder {
		if _, dup := seen[id]; dup {
			return fmt.Errorf("node %q appears more than once in nodeOrder", id)
		}
		if _, ok := d.Nodes[id]; !ok {
			return fmt.Errorf("nodeOrder references unknown node %q", id)
		}
		seen[id] = struct{}{}
	}
	for id, n := range d.Nodes {
		if n.ID != id {
			return fmt.Errorf("node keyed %q carries id %q", id, n.ID)
		}
		if _, ok := seen[id]; !ok {
			return fmt.Errorf("node %q missing from nodeOrder", id)
		}
	}
	return nil
}

package document

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/example/workspace-sync/internal/types"
)

// OpType is the discriminator carried in the "type" field of every operation.
type OpType string

const (
	OpSetViewport     OpType = "setViewport"
	OpAddNode         OpType = "addNode"
	OpUpdateNodeProps OpType = "updateNodeProps"
	OpMoveNodes       OpType = "moveNodes"
	OpResizeNode      OpType = "resizeNode"
	OpDeleteNodes     OpType = "deleteNodes"
	OpSetNodeOrder    OpType = "setNodeOrder"
)

// ErrInvalidOp is returned when an operation fails to decode or validate.
var ErrInvalidOp = errors.New("invalid operation")

// OpMeta is the header shared by every operation.
type OpMeta struct {
	OpID     types.OpID     `json:"opId"`
	ClientID types.ClientID `json:"clientId"`
	Now      time.Time      `json:"now"`
}

// Header returns the operation header.
func (m OpMeta) Header() OpMeta { return m }

// Op is a single document mutation. The set of implementations is closed; use
// a type switch over the concrete types to inspect the payload.
type Op interface {
	Header() OpMeta
	Type() OpType
	withMeta(OpMeta) Op
	validate() error
}

// SetViewport replaces the viewport.
type SetViewport struct {
	OpMeta
	Viewport Viewport `json:"viewport"`
}

// AddNode inserts a node and appends it to the paint order.
type AddNode struct {
	OpMeta
	Node Node `json:"node"`
}

// UpdateNodeProps shallow-merges Props into the props of an existing node.
type UpdateNodeProps struct {
	OpMeta
	NodeID string         `json:"nodeId"`
	Props  map[string]any `json:"props"`
}

// MoveNodes translates every listed node by (DX, DY).
type MoveNodes struct {
	OpMeta
	NodeIDs []string `json:"nodeIds"`
	DX      float64  `json:"dx"`
	DY      float64  `json:"dy"`
}

// ResizeNode sets absolute geometry on a node.
type ResizeNode struct {
	OpMeta
	NodeID string  `json:"nodeId"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	W      float64 `json:"w"`
	H      float64 `json:"h"`
}

// DeleteNodes removes nodes from the document, the paint order and the selection.
type DeleteNodes struct {
	OpMeta
	NodeIDs []string `json:"nodeIds"`
}

// SetNodeOrder replaces the paint order wholesale.
type SetNodeOrder struct {
	OpMeta
	NodeOrder []string `json:"nodeOrder"`
}

// Type implements Op.
func (SetViewport) Type() OpType { return OpSetViewport }

// Type implements Op.
func (AddNode) Type() OpType { return OpAddNode }

// Type implements Op.
func (UpdateNodeProps) Type() OpType { return OpUpdateNodeProps }

// Type implements Op.
func (MoveNodes) Type() OpType { return OpMoveNodes }

// Type implements Op.
func (ResizeNode) Type() OpType { return OpResizeNode }

// Type implements Op.
func (DeleteNodes) Type() OpType { return OpDeleteNodes }

// Type implements Op.
func (SetNodeOrder) Type() OpType { return OpSetNodeOrder }

func (op SetViewport) withMeta(m OpMeta) Op {
	op.OpMeta = m
	return op
}

func (op AddNode) withMeta(m OpMeta) Op {
	op.OpMeta = m
	return op
}

func (op UpdateNodeProps) withMeta(m OpMeta) Op {
	op.OpMeta = m
	return op
}

func (op MoveNodes) withMeta(m OpMeta) Op {
	op.OpMeta = m
	return op
}

func (op ResizeNode) withMeta(m OpMeta) Op {
	op.OpMeta = m
	return op
}

func (op DeleteNodes) withMeta(m OpMeta) Op {
	op.OpMeta = m
	return op
}

func (op SetNodeOrder) withMeta(m OpMeta) Op {
	op.OpMeta = m
	return op
}

// WithMeta returns a copy of op carrying the given header.
func WithMeta(op Op, meta OpMeta) Op {
	return op.withMeta(meta)
}

// MarshalJSON writes the op with its "type" discriminator.
func (op SetViewport) MarshalJSON() ([]byte, error) {
	type alias SetViewport
	return json.Marshal(struct {
		Type OpType `json:"type"`
		alias
	}{op.Type(), alias(op)})
}

// MarshalJSON writes the op with its "type" discriminator.
func (op AddNode) MarshalJSON() ([]byte, error) {
	type alias AddNode
	return json.Marshal(struct {
		Type OpType `json:"type"`
		alias
	}{op.Type(), alias(op)})
}

// MarshalJSON writes the op with its "type" discriminator.
func (op UpdateNodeProps) MarshalJSON() ([]byte, error) {
	type alias UpdateNodeProps
	if op.Props == nil {
		op.Props = map[string]any{}
	}
	return json.Marshal(struct {
		Type OpType `json:"type"`
		alias
	}{op.Type(), alias(op)})
}

// MarshalJSON writes the op with its "type" discriminator.
func (op MoveNodes) MarshalJSON() ([]byte, error) {
	type alias MoveNodes
	if op.NodeIDs == nil {
		op.NodeIDs = []string{}
	}
	return json.Marshal(struct {
		Type OpType `json:"type"`
		alias
	}{op.Type(), alias(op)})
}

// MarshalJSON writes the op with its "type" discriminator.
func (op ResizeNode) MarshalJSON() ([]byte, error) {
	type alias ResizeNode
	return json.Marshal(struct {
		Type OpType `json:"type"`
		alias
	}{op.Type(), alias(op)})
}

// MarshalJSON writes the op with its "type" discriminator.
func (op DeleteNodes) MarshalJSON() ([]byte, error) {
	type alias DeleteNodes
	if op.NodeIDs == nil {
		op.NodeIDs = []string{}
	}
	return json.Marshal(struct {
		Type OpType `json:"type"`
		alias
	}{op.Type(), alias(op)})
}

// MarshalJSON writes the op with its "type" discriminator.
func (op SetNodeOrder) MarshalJSON() ([]byte, error) {
	type alias SetNodeOrder
	if op.NodeOrder == nil {
		op.NodeOrder = []string{}
	}
	return json.Marshal(struct {
		Type OpType `json:"type"`
		alias
	}{op.Type(), alias(op)})
}

// DecodeOp parses and validates a JSON-encoded operation.
func DecodeOp(data []byte) (Op, error) {
	var head struct {
		Type OpType `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOp, err)
	}

	var (
		op  Op
		err error
	)
	switch head.Type {
	case OpSetViewport:
		op, err = decodeAs[SetViewport](data)
	case OpAddNode:
		op, err = decodeAs[AddNode](data)
	case OpUpdateNodeProps:
		op, err = decodeAs[UpdateNodeProps](data)
	case OpMoveNodes:
		op, err = decodeAs[MoveNodes](data)
	case OpResizeNode:
		op, err = decodeAs[ResizeNode](data)
	case OpDeleteNodes:
		op, err = decodeAs[DeleteNodes](data)
	case OpSetNodeOrder:
		op, err = decodeAs[SetNodeOrder](data)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidOp, head.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOp, err)
	}
	if err := Validate(op); err != nil {
		return nil, err
	}
	return op, nil
}

func decodeAs[T Op](data []byte) (Op, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// SequencedOp pairs an operation with the serverSeq it was assigned.
type SequencedOp struct {
	ServerSeq int64 `json:"serverSeq"`
	Op        Op    `json:"op"`
}

// UnmarshalJSON decodes the embedded operation through DecodeOp.
func (s *SequencedOp) UnmarshalJSON(data []byte) error {
	var raw struct {
		ServerSeq int64           `json:"serverSeq"`
		Op        json.RawMessage `json:"op"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	op, err := DecodeOp(raw.Op)
	if err != nil {
		return err
	}
	s.ServerSeq = raw.ServerSeq
	s.Op = op
	return nil
}

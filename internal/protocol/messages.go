// Package protocol defines the JSON messages exchanged over the sync socket.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/example/workspace-sync/internal/document"
	"github.com/example/workspace-sync/internal/types"
)

// ErrMalformed is returned for frames that do not decode into a known,
// valid message.
var ErrMalformed = errors.New("malformed message")

// Message type discriminators.
const (
	TypeHello    = "hello"
	TypeOp       = "op"
	TypeSnapshot = "snapshot"
	TypeOps      = "ops"
	TypeAck      = "ack"
)

// ClientMessage is a frame sent by a client: *Hello or *OpRequest.
type ClientMessage interface {
	clientMessage()
}

// ServerMessage is a frame sent by the server: *Snapshot, *Ops, *Ack or *OpBroadcast.
type ServerMessage interface {
	serverMessage()
}

// Hello joins a workspace. AfterSeq is the last serverSeq the client has
// applied; zero asks for a full snapshot.
type Hello struct {
	ClientID    types.ClientID    `json:"clientId"`
	ViewerID    types.ViewerID    `json:"viewerId"`
	WorkspaceID types.WorkspaceID `json:"workspaceId"`
	AfterSeq    int64             `json:"afterSeq"`
}

// OpRequest submits an operation.
type OpRequest struct {
	Op document.Op `json:"op"`
}

// Snapshot carries the full document and the latest serverSeq.
type Snapshot struct {
	Doc       document.Doc `json:"doc"`
	ServerSeq int64        `json:"serverSeq"`
}

// Ops carries the catch-up entries after the client's afterSeq.
type Ops struct {
	Ops       []document.SequencedOp `json:"ops"`
	ServerSeq int64                  `json:"serverSeq"`
}

// Ack confirms the sender's operation privately.
type Ack struct {
	ServerSeq int64      `json:"serverSeq"`
	OpID      types.OpID `json:"opId"`
}

// OpBroadcast announces a sequenced operation to every subscriber.
type OpBroadcast struct {
	ServerSeq int64       `json:"serverSeq"`
	Op        document.Op `json:"op"`
}

func (*Hello) clientMessage()     {}
func (*OpRequest) clientMessage() {}

func (*Snapshot) serverMessage()    {}
func (*Ops) serverMessage()         {}
func (*Ack) serverMessage()         {}
func (*OpBroadcast) serverMessage() {}

// MarshalJSON tags the hello with type "hello".
func (m Hello) MarshalJSON() ([]byte, error) {
	type alias Hello
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypeHello, alias(m)})
}

// MarshalJSON tags the request with type "op".
func (m OpRequest) MarshalJSON() ([]byte, error) {
	type alias OpRequest
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypeOp, alias(m)})
}

// MarshalJSON tags the snapshot with type "snapshot".
func (m Snapshot) MarshalJSON() ([]byte, error) {
	type alias Snapshot
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypeSnapshot, alias(m)})
}

// MarshalJSON tags the catch-up with type "ops" and never writes a null list.
func (m Ops) MarshalJSON() ([]byte, error) {
	type alias Ops
	if m.Ops == nil {
		m.Ops = []document.SequencedOp{}
	}
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypeOps, alias(m)})
}

// MarshalJSON tags the ack with type "ack".
func (m Ack) MarshalJSON() ([]byte, error) {
	type alias Ack
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypeAck, alias(m)})
}

// MarshalJSON tags the broadcast with type "op", the same tag a client request uses.
func (m OpBroadcast) MarshalJSON() ([]byte, error) {
	type alias OpBroadcast
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{TypeOp, alias(m)})
}

// Encode serializes a message for the wire.
func Encode(msg any) ([]byte, error) {
	return json.Marshal(msg)
}

type envelope struct {
	Type string `json:"type"`
}

// DecodeClient parses a client frame. Every failure wraps ErrMalformed.
func DecodeClient(data []byte) (ClientMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch env.Type {
	case TypeHello:
		var h Hello
		if err := json.Unmarshal(data, &h); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if h.ClientID == "" || h.ViewerID == "" || h.WorkspaceID == "" {
			return nil, fmt.Errorf("%w: hello requires clientId, viewerId and workspaceId", ErrMalformed)
		}
		if h.AfterSeq < 0 {
			return nil, fmt.Errorf("%w: afterSeq must be non-negative", ErrMalformed)
		}
		return &h, nil
	case TypeOp:
		var raw struct {
			Op json.RawMessage `json:"op"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		op, err := document.DecodeOp(raw.Op)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return &OpRequest{Op: op}, nil
	default:
		return nil, fmt.Errorf("%w: unknown client message %q", ErrMalformed, env.Type)
	}
}

// DecodeServer parses a server frame.
func DecodeServer(data []byte) (ServerMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch env.Type {
	case TypeSnapshot:
		var s Snapshot
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return &s, nil
	case TypeOps:
		var o Ops
		if err := json.Unmarshal(data, &o); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return &o, nil
	case TypeAck:
		var a Ack
		if err := json.Unmarshal(data, &a); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return &a, nil
	case TypeOp:
		var raw struct {
			ServerSeq int64           `json:"serverSeq"`
			Op        json.RawMessage `json:"op"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		op, err := document.DecodeOp(raw.Op)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return &OpBroadcast{ServerSeq: raw.ServerSeq, Op: op}, nil
	default:
		return nil, fmt.Errorf("%w: unknown server message %q", ErrMalformed, env.Type)
	}
}

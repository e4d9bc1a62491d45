package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// WorkspaceID identifies a collaborative workspace document.
type WorkspaceID string

// ClientID identifies one client session (a browser tab, a CLI process).
type ClientID string

// ViewerID is the resolved identity of the person behind a connection.
type ViewerID string

// OpID is the client-generated unique identifier of an operation.
type OpID string

// LogRecord is the durable, transport-neutral form of a sequenced operation.
// Payload holds the JSON encoding of the operation itself.
type LogRecord struct {
	Workspace WorkspaceID `json:"workspace_id"`
	ServerSeq int64       `json:"server_seq"`
	Operation OpID        `json:"op_id"`
	Client    ClientID    `json:"client_id"`
	Payload   []byte      `json:"payload"`
	Origin    string      `json:"origin,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// MarshalBinary serializes a LogRecord to JSON so it can be handed directly to
// byte-oriented transports such as Redis pub/sub.
func (r LogRecord) MarshalBinary() ([]byte, error) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	payload := struct {
		Workspace WorkspaceID     `json:"workspace_id"`
		ServerSeq int64           `json:"server_seq"`
		Operation OpID            `json:"op_id"`
		Client    ClientID        `json:"client_id"`
		Payload   json.RawMessage `json:"payload"`
		Origin    string          `json:"origin,omitempty"`
		CreatedAt time.Time       `json:"created_at"`
	}{
		Workspace: r.Workspace,
		ServerSeq: r.ServerSeq,
		Operation: r.Operation,
		Client:    r.Client,
		Payload:   json.RawMessage(r.Payload),
		Origin:    r.Origin,
		CreatedAt: r.CreatedAt,
	}
	if len(payload.Payload) == 0 {
		payload.Payload = json.RawMessage("null")
	}
	return json.Marshal(payload)
}

// UnmarshalBinary deserializes a LogRecord from the JSON representation.
func (r *LogRecord) UnmarshalBinary(data []byte) error {
	var payload struct {
		Workspace WorkspaceID     `json:"workspace_id"`
		ServerSeq int64           `json:"server_seq"`
		Operation OpID            `json:"op_id"`
		Client    ClientID        `json:"client_id"`
		Payload   json.RawMessage `json:"payload"`
		Origin    string          `json:"origin,omitempty"`
		CreatedAt time.Time       `json:"created_at"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("decode log record: %w", err)
	}
	r.Workspace = payload.Workspace
	r.ServerSeq = payload.ServerSeq
	r.Operation = payload.Operation
	r.Client = payload.Client
	r.Payload = []byte(payload.Payload)
	r.Origin = payload.Origin
	r.CreatedAt = payload.CreatedAt
	return nil
}

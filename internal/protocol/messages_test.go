package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/example/workspace-sync/internal/document"
)

func TestDecodeClientHello(t *testing.T) {
	msg, err := DecodeClient([]byte(`{"type":"hello","clientId":"c1","viewerId":"userA","workspaceId":"ws-1","afterSeq":4}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	hello, ok := msg.(*Hello)
	if !ok {
		t.Fatalf("expected *Hello, got %T", msg)
	}
	if hello.ClientID != "c1" || hello.ViewerID != "userA" || hello.WorkspaceID != "ws-1" || hello.AfterSeq != 4 {
		t.Fatalf("unexpected hello %+v", hello)
	}
}

func TestDecodeClientRejectsMalformed(t *testing.T) {
	frames := []string{
		`not json`,
		`{"type":"hello","clientId":"c1","viewerId":"userA","afterSeq":0}`,
		`{"type":"hello","clientId":"c1","viewerId":"userA","workspaceId":"ws-1","afterSeq":-1}`,
		`{"type":"op","op":{"type":"setViewport","opId":"a","clientId":"c","now":"2024-05-01T12:00:00Z","viewport":{"centerX":0,"centerY":0,"zoom":-1}}}`,
		`{"type":"subscribe"}`,
	}
	for _, f := range frames {
		if _, err := DecodeClient([]byte(f)); !errors.Is(err, ErrMalformed) {
			t.Fatalf("expected ErrMalformed for %s, got %v", f, err)
		}
	}
}

func TestServerMessagesCarryTypeDiscriminator(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	op := document.DeleteNodes{OpMeta: document.OpMeta{OpID: "op-1", ClientID: "c1", Now: now}, NodeIDs: []string{"n1"}}

	cases := []struct {
		msg  ServerMessage
		want string
	}{
		{&Snapshot{Doc: document.NewEmpty("ws-1", now), ServerSeq: 3}, TypeSnapshot},
		{&Ops{ServerSeq: 3}, TypeOps},
		{&Ack{ServerSeq: 3, OpID: "op-1"}, TypeAck},
		{&OpBroadcast{ServerSeq: 3, Op: op}, TypeOp},
	}
	for _, tc := range cases {
		data, err := Encode(tc.msg)
		if err != nil {
			t.Fatalf("encode %T: %v", tc.msg, err)
		}
		var env struct {
			Type      string `json:"type"`
			ServerSeq int64  `json:"serverSeq"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("unmarshal %s: %v", data, err)
		}
		if env.Type != tc.want || env.ServerSeq != 3 {
			t.Fatalf("unexpected envelope %s", data)
		}

		back, err := DecodeServer(data)
		if err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
		if _, ok := back.(interface{ serverMessage() }); !ok {
			t.Fatalf("decoded %T is not a server message", back)
		}
	}
}

func TestDecodeServerOps(t *testing.T) {
	raw := `{"type":"ops","serverSeq":2,"ops":[{"serverSeq":2,"op":{"type":"deleteNodes","opId":"op-2","clientId":"c1","now":"2024-05-01T12:00:00Z","nodeIds":["n1"]}}]}`
	msg, err := DecodeServer([]byte(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	ops := msg.(*Ops)
	if len(ops.Ops) != 1 || ops.Ops[0].ServerSeq != 2 || ops.Ops[0].Op.Type() != document.OpDeleteNodes {
		t.Fatalf("unexpected ops %+v", ops)
	}

	empty, _ := Encode(&Ops{ServerSeq: 0})
	if string(empty) != `{"type":"ops","ops":[],"serverSeq":0}` {
		t.Fatalf("unexpected empty ops encoding %s", empty)
	}
}

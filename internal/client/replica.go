// Package client implements the sync client: a local replica that applies
// edits optimistically and reconciles them with the server's sequenced
// stream, and a connection loop that keeps it attached to a workspace.
package client

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/example/workspace-sync/internal/document"
	"github.com/example/workspace-sync/internal/protocol"
	"github.com/example/workspace-sync/internal/types"
)

// ErrGap is returned by Receive when a broadcast skips serverSeqs the
// replica has not seen. The caller resynchronizes by reconnecting.
var ErrGap = errors.New("sequence gap")

// ErrBehind is returned by Receive when a catch-up ends below the replica's
// version. The replica forgets its document so the next hello asks for a
// fresh snapshot.
var ErrBehind = errors.New("server log behind replica")

type pendingOp struct {
	op     document.Op
	ackSeq int64
}

// Replica holds a client's view of one workspace. The confirmed document is
// the server state at Version; the view is the confirmed document with every
// pending local operation applied on top, so an operation reaches the
// confirmed document exactly once whether its ack or its echo arrives first.
type Replica struct {
	mu        sync.Mutex
	workspace types.WorkspaceID
	hasDoc    bool
	confirmed document.Doc
	version   int64
	pending   []pendingOp
	selection []string
	view      document.Doc
}

// NewReplica creates an empty replica for a workspace.
func NewReplica(ws types.WorkspaceID) *Replica {
	return &Replica{workspace: ws}
}

// HasDoc reports whether a snapshot or catch-up has been received.
func (r *Replica) HasDoc() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hasDoc
}

// Version returns the serverSeq of the last operation in the confirmed document.
func (r *Replica) Version() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version
}

// Doc returns the optimistic view.
func (r *Replica) Doc() document.Doc {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.view.Clone()
}

// Confirmed returns the server-confirmed document and its version.
func (r *Replica) Confirmed() (document.Doc, int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.confirmed.Clone(), r.version
}

// Pending returns the local operations the server has not acknowledged, in
// submission order.
func (r *Replica) Pending() []document.Op {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []document.Op
	for _, p := range r.pending {
		if p.ackSeq == 0 {
			out = append(out, p.op)
		}
	}
	return out
}

// Local applies an edit optimistically and records it as pending.
func (r *Replica) Local(op document.Op) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(r.pending, pendingOp{op: op})
	r.view = document.Apply(r.view, op)
}

// Select replaces the local selection. Selection never leaves the client.
func (r *Replica) Select(ids []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.selection = slices.Clone(ids)
	r.rebuild()
}

// DropPending discards every pending operation and rebuilds the view from
// the confirmed document.
func (r *Replica) DropPending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.pending)
	r.pending = nil
	r.rebuild()
	return n
}

// Receive reconciles one server message.
func (r *Replica) Receive(msg protocol.ServerMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch m := msg.(type) {
	case *protocol.Snapshot:
		r.confirmed = m.Doc.Clone()
		r.version = m.ServerSeq
		r.selection = nil
		r.hasDoc = true
	case *protocol.Ops:
		if !r.hasDoc {
			return fmt.Errorf("catch-up before snapshot for %s", r.workspace)
		}
		if m.ServerSeq < r.version {
			r.hasDoc = false
			return fmt.Errorf("%w: catch-up ends at %d, replica at %d", ErrBehind, m.ServerSeq, r.version)
		}
		for _, e := range m.Ops {
			if e.ServerSeq <= r.version {
				continue
			}
			if e.ServerSeq != r.version+1 {
				return fmt.Errorf("%w: catch-up entry %d after %d", ErrGap, e.ServerSeq, r.version)
			}
			r.commit(e.ServerSeq, e.Op)
		}
		r.version = m.ServerSeq
	case *protocol.OpBroadcast:
		if m.ServerSeq <= r.version {
			r.forget(m.Op.Header().OpID)
			break
		}
		if m.ServerSeq != r.version+1 {
			return fmt.Errorf("%w: op %d after %d", ErrGap, m.ServerSeq, r.version)
		}
		r.commit(m.ServerSeq, m.Op)
	case *protocol.Ack:
		idx := r.indexOf(m.OpID)
		if idx < 0 {
			return nil
		}
		if m.ServerSeq == r.version+1 {
			r.commit(m.ServerSeq, r.pending[idx].op)
		} else if m.ServerSeq > r.version {
			r.pending[idx].ackSeq = m.ServerSeq
			return nil
		} else {
			r.forget(m.OpID)
		}
	default:
		return fmt.Errorf("unexpected server message %T", msg)
	}
	r.rebuild()
	return nil
}

// commit applies a sequenced op to the confirmed document and retires the
// matching pending entry. Callers hold r.mu.
func (r *Replica) commit(seq int64, op document.Op) {
	r.confirmed = document.Apply(r.confirmed, op)
	r.version = seq
	r.forget(op.Header().OpID)

	// An early ack may now be next in line.
	for {
		idx := slices.IndexFunc(r.pending, func(p pendingOp) bool { return p.ackSeq == r.version+1 })
		if idx < 0 {
			return
		}
		next := r.pending[idx]
		r.confirmed = document.Apply(r.confirmed, next.op)
		r.version = next.ackSeq
		r.pending = slices.Delete(r.pending, idx, idx+1)
	}
}

func (r *Replica) forget(id types.OpID) {
	if idx := r.indexOf(id); idx >= 0 {
		r.pending = slices.Delete(r.pending, idx, idx+1)
	}
}

func (r *Replica) indexOf(id types.OpID) int {
	return slices.IndexFunc(r.pending, func(p pendingOp) bool { return p.op.Header().OpID == id })
}

func (r *Replica) rebuild() {
	r.confirmed.Version = r.version
	view := r.confirmed
	for _, p := range r.pending {
		view = document.Apply(view, p.op)
	}
	view.Selection = make([]string, 0, len(r.selection))
	for _, id := range r.selection {
		if _, ok := view.Nodes[id]; ok {
			view.Selection = append(view.Selection, id)
		}
	}
	r.view = view
}

package session

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/example/workspace-sync/internal/protocol"
	"github.com/example/workspace-sync/internal/storage"
	"github.com/example/workspace-sync/internal/types"
)

// AnonymousViewer is the identity of a request that named nobody.
const AnonymousViewer types.ViewerID = "anon"

type peerState int

const (
	stateUnauthenticated peerState = iota
	stateJoined
	stateClosed
)

func (s peerState) String() string {
	switch s {
	case stateUnauthenticated:
		return "unauthenticated"
	case stateJoined:
		return "joined"
	default:
		return "closed"
	}
}

// Peer is the coordinator-side state of one sync connection. Handle is
// expected to be called from a single goroutine (the connection's read loop).
type Peer struct {
	coord    *Coordinator
	sub      Subscriber
	identity types.ViewerID

	mu        sync.Mutex
	state     peerState
	session   *session
	workspace types.WorkspaceID
	viewer    types.ViewerID
	logger    zerolog.Logger

	// floor is the serverSeq covered by the peer's catch-up. Guarded by the
	// session's subMu.
	floor int64
}

// Workspace returns the joined workspace, if any.
func (p *Peer) Workspace() types.WorkspaceID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workspace
}

// Handle processes one inbound frame. Malformed frames are dropped and
// return nil. A non-nil error means the connection must be closed:
// ErrUnavailable for persistence failures, any other error for policy
// violations.
func (p *Peer) Handle(ctx context.Context, data []byte) error {
	p.mu.Lock()
	closed := p.state == stateClosed
	p.mu.Unlock()
	if closed {
		return ErrClosed
	}

	msg, err := protocol.DecodeClient(data)
	if err != nil {
		p.logger.Debug().Err(err).Msg("dropping malformed message")
		return nil
	}

	switch m := msg.(type) {
	case *protocol.Hello:
		return p.hello(ctx, m)
	case *protocol.OpRequest:
		return p.op(ctx, m)
	}
	return nil
}

func (p *Peer) hello(ctx context.Context, h *protocol.Hello) error {
	if p.identity != "" && p.identity != AnonymousViewer && h.ViewerID != p.identity {
		p.logger.Warn().
			Str("identity", string(p.identity)).
			Str("viewer", string(h.ViewerID)).
			Msg("dropping hello for a different viewer")
		return nil
	}

	p.mu.Lock()
	previous := p.session
	p.session = nil
	p.state = stateUnauthenticated
	p.mu.Unlock()
	if previous != nil {
		p.coord.leave(previous, p)
	}

	logger := p.coord.logger.With().
		Str("workspace", string(h.WorkspaceID)).
		Str("client", string(h.ClientID)).
		Str("viewer", string(h.ViewerID)).
		Logger()

	s := p.coord.acquire(h.WorkspaceID)
	if err := p.coord.join(ctx, s, p, h.AfterSeq); err != nil {
		p.coord.release(s)
		if errors.Is(err, ErrWorkspaceNotFound) {
			logger.Warn().Msg("hello for missing workspace")
		} else {
			logger.Error().Err(err).Msg("hello failed")
		}
		return err
	}

	p.mu.Lock()
	if p.state == stateClosed {
		// Close ran while join was loading and had no session to leave.
		p.mu.Unlock()
		p.coord.leave(s, p)
		return ErrClosed
	}
	p.session = s
	p.workspace = h.WorkspaceID
	p.viewer = h.ViewerID
	p.logger = logger
	p.state = stateJoined
	p.mu.Unlock()

	logger.Info().Int64("after_seq", h.AfterSeq).Msg("peer joined")
	return nil
}

func (p *Peer) op(ctx context.Context, req *protocol.OpRequest) error {
	p.mu.Lock()
	s, state, viewer, logger := p.session, p.state, p.viewer, p.logger
	p.mu.Unlock()

	if state != stateJoined || s == nil {
		logger.Warn().Stringer("state", state).Msg("operation before hello")
		return ErrNotJoined
	}

	acl, err := p.coord.store.ACL(ctx, s.id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrWorkspaceNotFound
		}
		logger.Error().Err(err).Msg("acl lookup failed")
		return ErrUnavailable
	}
	if !acl.CanEdit(viewer) {
		logger.Warn().Str("op_id", string(req.Op.Header().OpID)).Msg("operation from read-only viewer")
		return ErrForbidden
	}

	if err := p.coord.submit(ctx, s, p, req.Op); err != nil {
		if !errors.Is(err, ErrWorkspaceNotFound) {
			logger.Error().Err(err).Msg("operation failed")
		}
		return err
	}
	logger.Debug().Str("op_id", string(req.Op.Header().OpID)).Str("type", string(req.Op.Type())).Msg("operation sequenced")
	return nil
}

// Close removes the peer from its session. It is safe to call more than once.
func (p *Peer) Close() {
	p.mu.Lock()
	if p.state == stateClosed {
		p.mu.Unlock()
		return
	}
	s := p.session
	p.session = nil
	p.state = stateClosed
	p.mu.Unlock()

	if s != nil {
		p.coord.leave(s, p)
	}
}

func (p *Peer) deliver(msg protocol.ServerMessage) {
	if err := p.sub.Send(msg); err != nil {
		deliveryFailures.Inc()
		p.mu.Lock()
		logger := p.logger
		p.mu.Unlock()
		logger.Debug().Err(err).Msg("delivery failed")
	}
}

package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/workspace-sync/internal/document"
	"github.com/example/workspace-sync/internal/protocol"
	"github.com/example/workspace-sync/internal/storage"
	"github.com/example/workspace-sync/internal/types"
)

var (
	// ErrWorkspaceNotFound terminates a peer that joined or edited a missing workspace.
	ErrWorkspaceNotFound = errors.New("workspace not found")
	// ErrForbidden terminates a peer that submitted an operation without edit rights.
	ErrForbidden = errors.New("forbidden")
	// ErrNotJoined terminates a peer that submitted an operation before hello.
	ErrNotJoined = errors.New("operation before hello")
	// ErrUnavailable terminates a peer when persistence failed.
	ErrUnavailable = errors.New("store unavailable")
	// ErrClosed is returned when a closed peer receives input.
	ErrClosed = errors.New("peer closed")
)

// Store is the persistence surface the coordinator depends on.
type Store interface {
	Load(ctx context.Context, ws types.WorkspaceID) (document.Doc, int64, error)
	ACL(ctx context.Context, ws types.WorkspaceID) (storage.ACL, error)
	ApplyAndPersist(ctx context.Context, ws types.WorkspaceID, op document.Op, now time.Time) (int64, document.Doc, error)
	ReadSince(ctx context.Context, ws types.WorkspaceID, afterSeq int64) ([]document.SequencedOp, error)
}

// Subscriber receives server messages for one connection. Send must not
// block; implementations queue the message or fail.
type Subscriber interface {
	Send(msg protocol.ServerMessage) error
}

// Publisher fans sequenced operations out to other server instances.
// Publish must not block.
type Publisher interface {
	Publish(rec types.LogRecord)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithPublisher enables cross-instance fan-out.
func WithPublisher(p Publisher) Option {
	return func(c *Coordinator) {
		c.publisher = p
	}
}

// WithClock overrides the time source used for log timestamps.
func WithClock(clock func() time.Time) Option {
	return func(c *Coordinator) {
		c.clock = clock
	}
}

// WithDedupeWindow sets how many recent operation ids each session remembers.
func WithDedupeWindow(n int) Option {
	return func(c *Coordinator) {
		c.dedupeWindow = n
	}
}

// WithOrigin names this instance in published records so that it can ignore
// its own records when they come back through the relay.
func WithOrigin(origin string) Option {
	return func(c *Coordinator) {
		c.origin = origin
	}
}

// Coordinator owns one session per workspace with joined peers. Operations
// for a workspace are applied, persisted and broadcast one at a time; distinct
// workspaces never wait on each other.
type Coordinator struct {
	store        Store
	logger       zerolog.Logger
	publisher    Publisher
	clock        func() time.Time
	dedupeWindow int
	origin       string

	mu       sync.Mutex
	sessions map[types.WorkspaceID]*session
}

type session struct {
	id   types.WorkspaceID
	refs int // guarded by Coordinator.mu

	// opMu serializes apply, broadcast, catch-up and relay delivery.
	opMu    sync.Mutex
	lastSeq int64
	recent  *recentOps

	subMu sync.RWMutex
	subs  map[*Peer]struct{}
}

// New constructs a Coordinator.
func New(store Store, logger zerolog.Logger, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:        store,
		logger:       logger,
		clock:        time.Now,
		dedupeWindow: 1024,
		sessions:     make(map[types.WorkspaceID]*session),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect creates a peer for a new connection. identity is the viewer
// resolved from the upgrade request; an empty or anonymous identity lets
// the hello message name the viewer.
func (c *Coordinator) Connect(sub Subscriber, identity types.ViewerID) *Peer {
	return &Peer{
		coord:    c,
		sub:      sub,
		identity: identity,
		logger:   c.logger,
	}
}

// Workspaces lists the workspaces with live sessions.
func (c *Coordinator) Workspaces() []types.WorkspaceID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.WorkspaceID, 0, len(c.sessions))
	for id := range c.sessions {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Subscribers returns the number of joined peers for a workspace.
func (c *Coordinator) Subscribers(ws types.WorkspaceID) int {
	c.mu.Lock()
	s := c.sessions[ws]
	c.mu.Unlock()
	if s == nil {
		return 0
	}
	s.subMu.RLock()
	defer s.subMu.RUnlock()
	return len(s.subs)
}

func (c *Coordinator) acquire(ws types.WorkspaceID) *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[ws]
	if !ok {
		s = &session{
			id:     ws,
			recent: newRecentOps(c.dedupeWindow),
			subs:   make(map[*Peer]struct{}),
		}
		c.sessions[ws] = s
		activeSessions.Set(float64(len(c.sessions)))
	}
	s.refs++
	return s
}

func (c *Coordinator) release(s *session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s.refs--
	if s.refs <= 0 && c.sessions[s.id] == s {
		delete(c.sessions, s.id)
		sessionSubscribers.DeleteLabelValues(string(s.id))
		activeSessions.Set(float64(len(c.sessions)))
	}
}

// join loads the workspace, sends the snapshot or catch-up to p and adds it
// to the subscriber set. The session lock is held so no broadcast can slip
// between the catch-up and the registration.
func (c *Coordinator) join(ctx context.Context, s *session, p *Peer, afterSeq int64) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	doc, latest, err := c.store.Load(ctx, s.id)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrWorkspaceNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: load: %v", ErrUnavailable, err)
	}

	var msg protocol.ServerMessage
	if afterSeq <= 0 {
		doc.Selection = []string{}
		msg = &protocol.Snapshot{Doc: doc, ServerSeq: latest}
	} else {
		entries, err := c.store.ReadSince(ctx, s.id, afterSeq)
		if err != nil {
			return fmt.Errorf("%w: read since %d: %v", ErrUnavailable, afterSeq, err)
		}
		if len(entries) > 0 && entries[len(entries)-1].ServerSeq > latest {
			latest = entries[len(entries)-1].ServerSeq
		}
		msg = &protocol.Ops{Ops: entries, ServerSeq: latest}
	}
	if err := p.sub.Send(msg); err != nil {
		deliveryFailures.Inc()
		p.logger.Debug().Err(err).Msg("failed to send catch-up")
	}

	s.subMu.Lock()
	if len(s.subs) == 0 && latest > s.lastSeq {
		s.lastSeq = latest
	}
	p.floor = latest
	s.subs[p] = struct{}{}
	sessionSubscribers.WithLabelValues(string(s.id)).Set(float64(len(s.subs)))
	s.subMu.Unlock()
	return nil
}

func (c *Coordinator) leave(s *session, p *Peer) {
	s.subMu.Lock()
	delete(s.subs, p)
	remaining := len(s.subs)
	s.subMu.Unlock()
	if remaining > 0 {
		sessionSubscribers.WithLabelValues(string(s.id)).Set(float64(remaining))
	}
	c.release(s)
}

// submit runs the accepted-operation path for a joined peer.
func (c *Coordinator) submit(ctx context.Context, s *session, p *Peer, op document.Op) error {
	ctx, span := tracer.Start(ctx, "session.submit")
	defer span.End()
	start := time.Now()
	meta := op.Header()

	s.opMu.Lock()
	defer s.opMu.Unlock()

	if seq, dup := s.recent.lookup(meta.OpID); dup {
		opLatency.WithLabelValues("duplicate").Observe(time.Since(start).Seconds())
		p.deliver(&protocol.Ack{ServerSeq: seq, OpID: meta.OpID})
		return nil
	}

	now := c.clock().UTC()
	seq, _, err := c.store.ApplyAndPersist(ctx, s.id, op, now)
	if errors.Is(err, storage.ErrNotFound) {
		opLatency.WithLabelValues("not_found").Observe(time.Since(start).Seconds())
		return ErrWorkspaceNotFound
	}
	if err != nil {
		opLatency.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return fmt.Errorf("%w: apply: %v", ErrUnavailable, err)
	}

	if seq > s.lastSeq+1 {
		// Another instance sequenced ops the relay has not delivered yet.
		if err := c.fillGap(ctx, s, seq-1); err != nil {
			// Subscribers see seq jump past lastSeq+1 and resync from the log.
			relayDelivered.WithLabelValues("gap_failed").Inc()
		}
	}

	p.deliver(&protocol.Ack{ServerSeq: seq, OpID: meta.OpID})
	c.broadcast(s, seq, op)
	s.recent.remember(meta.OpID, seq)

	if c.publisher != nil {
		payload, err := protocol.Encode(op)
		if err == nil {
			c.publisher.Publish(types.LogRecord{
				Workspace: s.id,
				ServerSeq: seq,
				Operation: meta.OpID,
				Client:    meta.ClientID,
				Payload:   payload,
				Origin:    c.origin,
				CreatedAt: now,
			})
		} else {
			c.logger.Error().Err(err).Str("workspace", string(s.id)).Msg("failed to encode operation for relay")
		}
	}

	opLatency.WithLabelValues("ok").Observe(time.Since(start).Seconds())
	return nil
}

// Deliver hands a record sequenced by another instance to the local session.
// Records at or below the last delivered seq are dropped; a gap is filled
// from the log so subscribers see a gapless ascending stream.
func (c *Coordinator) Deliver(ctx context.Context, rec types.LogRecord) error {
	c.mu.Lock()
	s := c.sessions[rec.Workspace]
	c.mu.Unlock()
	if s == nil {
		relayDelivered.WithLabelValues("no_session").Inc()
		return nil
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	switch {
	case rec.ServerSeq <= s.lastSeq:
		relayDelivered.WithLabelValues("stale").Inc()
		return nil
	case rec.ServerSeq == s.lastSeq+1:
		op, err := document.DecodeOp(rec.Payload)
		if err != nil {
			relayDelivered.WithLabelValues("invalid").Inc()
			return fmt.Errorf("decode relayed op %d: %w", rec.ServerSeq, err)
		}
		c.broadcast(s, rec.ServerSeq, op)
		s.recent.remember(rec.Operation, rec.ServerSeq)
		relayDelivered.WithLabelValues("delivered").Inc()
		return nil
	default:
		relayDelivered.WithLabelValues("gap").Inc()
		return c.fillGap(ctx, s, rec.ServerSeq)
	}
}

// fillGap reads the log after the session's last seq and broadcasts entries
// up to and including through. Callers hold s.opMu.
func (c *Coordinator) fillGap(ctx context.Context, s *session, through int64) error {
	entries, err := c.store.ReadSince(ctx, s.id, s.lastSeq)
	if err != nil {
		c.logger.Error().Err(err).Str("workspace", string(s.id)).Int64("after", s.lastSeq).Msg("failed to read log gap")
		return err
	}
	for _, e := range entries {
		if e.ServerSeq > through {
			break
		}
		c.broadcast(s, e.ServerSeq, e.Op)
		s.recent.remember(e.Op.Header().OpID, e.ServerSeq)
	}
	return nil
}

// broadcast sends op to every joined peer whose catch-up did not already
// include it and advances the session's last seq. Callers hold s.opMu.
func (c *Coordinator) broadcast(s *session, seq int64, op document.Op) {
	s.subMu.RLock()
	recipients := make([]*Peer, 0, len(s.subs))
	for p := range s.subs {
		if seq > p.floor {
			recipients = append(recipients, p)
		}
	}
	s.subMu.RUnlock()

	msg := &protocol.OpBroadcast{ServerSeq: seq, Op: op}
	for _, p := range recipients {
		p.deliver(msg)
	}
	if seq > s.lastSeq {
		s.lastSeq = seq
	}
}

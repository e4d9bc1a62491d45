package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/example/workspace-sync/internal/document"
	"github.com/example/workspace-sync/internal/protocol"
	"github.com/example/workspace-sync/internal/storage"
	"github.com/example/workspace-sync/internal/types"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeSub struct {
	mu   sync.Mutex
	msgs []protocol.ServerMessage
	fail bool
}

func (f *fakeSub) Send(msg protocol.ServerMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("broken pipe")
	}
	f.msgs = append(f.msgs, msg)
	return nil
}

func (f *fakeSub) messages() []protocol.ServerMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.ServerMessage, len(f.msgs))
	copy(out, f.msgs)
	return out
}

func (f *fakeSub) broadcastSeqs() []int64 {
	var seqs []int64
	for _, m := range f.messages() {
		if b, ok := m.(*protocol.OpBroadcast); ok {
			seqs = append(seqs, b.ServerSeq)
		}
	}
	return seqs
}

type fakePublisher struct {
	mu      sync.Mutex
	records []types.LogRecord
}

func (f *fakePublisher) Publish(rec types.LogRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
}

func zeroLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func newFixture(t *testing.T, opts ...Option) (*Coordinator, *storage.Memory) {
	t.Helper()
	store := storage.NewMemory()
	if _, err := store.Create(context.Background(), "ws-1", "userA", document.NewEmpty("ws-1", base)); err != nil {
		t.Fatalf("create: %v", err)
	}
	opts = append([]Option{WithClock(func() time.Time { return base })}, opts...)
	return New(store, zeroLogger(), opts...), store
}

func helloFrame(client, viewer string, afterSeq int64) []byte {
	data, _ := json.Marshal(protocol.Hello{
		ClientID:    types.ClientID(client),
		ViewerID:    types.ViewerID(viewer),
		WorkspaceID: "ws-1",
		AfterSeq:    afterSeq,
	})
	return data
}

func viewportOp(id string, zoom float64) document.Op {
	return document.SetViewport{
		OpMeta:   document.OpMeta{OpID: types.OpID(id), ClientID: "c", Now: base},
		Viewport: document.Viewport{Zoom: zoom},
	}
}

func opFrame(op document.Op) []byte {
	data, _ := json.Marshal(protocol.OpRequest{Op: op})
	return data
}

func join(t *testing.T, c *Coordinator, client, viewer string, afterSeq int64) (*Peer, *fakeSub) {
	t.Helper()
	sub := &fakeSub{}
	p := c.Connect(sub, "")
	if err := p.Handle(context.Background(), helloFrame(client, viewer, afterSeq)); err != nil {
		t.Fatalf("hello: %v", err)
	}
	return p, sub
}

func TestHelloSendsSnapshotThenBroadcastsIncludeSender(t *testing.T) {
	c, _ := newFixture(t)
	ctx := context.Background()

	alice, aliceSub := join(t, c, "c-alice", "userA", 0)
	_, bobSub := join(t, c, "c-bob", "userB", 0)

	snap, ok := aliceSub.messages()[0].(*protocol.Snapshot)
	if !ok || snap.ServerSeq != 0 || snap.Doc.WorkspaceID != "ws-1" {
		t.Fatalf("expected snapshot at seq 0, got %#v", aliceSub.messages()[0])
	}

	if err := alice.Handle(ctx, opFrame(viewportOp("op-1", 2))); err != nil {
		t.Fatalf("op: %v", err)
	}

	msgs := aliceSub.messages()
	if len(msgs) != 3 {
		t.Fatalf("expected snapshot, ack and op for sender, got %d messages", len(msgs))
	}
	ack, ok := msgs[1].(*protocol.Ack)
	if !ok || ack.ServerSeq != 1 || ack.OpID != "op-1" {
		t.Fatalf("expected ack first, got %#v", msgs[1])
	}
	if b, ok := msgs[2].(*protocol.OpBroadcast); !ok || b.ServerSeq != 1 {
		t.Fatalf("expected op echo to sender, got %#v", msgs[2])
	}

	bobMsgs := bobSub.messages()
	if len(bobMsgs) != 2 {
		t.Fatalf("expected snapshot and op for bob, got %d", len(bobMsgs))
	}
	if _, isAck := bobMsgs[1].(*protocol.Ack); isAck {
		t.Fatalf("ack must be private to the sender")
	}
}

func TestHelloCatchUpReturnsOpsAfterSeq(t *testing.T) {
	c, store := newFixture(t)
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		if _, _, err := store.ApplyAndPersist(ctx, "ws-1", viewportOp(fmt.Sprintf("op-%d", i), float64(i)), base); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	_, sub := join(t, c, "c-1", "userA", 2)
	ops, ok := sub.messages()[0].(*protocol.Ops)
	if !ok {
		t.Fatalf("expected ops catch-up, got %#v", sub.messages()[0])
	}
	if ops.ServerSeq != 5 || len(ops.Ops) != 3 {
		t.Fatalf("expected 3 ops up to seq 5, got %d ops / seq %d", len(ops.Ops), ops.ServerSeq)
	}
	for i, e := range ops.Ops {
		if e.ServerSeq != int64(i+3) {
			t.Fatalf("unexpected seq %d at %d", e.ServerSeq, i)
		}
	}

	snapAt2 := document.NewEmpty("ws-1", base)
	early, _ := store.ReadSince(ctx, "ws-1", 0)
	for _, e := range early[:2] {
		snapAt2 = document.Apply(snapAt2, e.Op)
	}
	for _, e := range ops.Ops {
		snapAt2 = document.Apply(snapAt2, e.Op)
	}
	server, _ := store.Get(ctx, "ws-1")
	if snapAt2.Viewport != server.Viewport || !snapAt2.UpdatedAt.Equal(server.UpdatedAt) {
		t.Fatalf("replay from seq 2 does not reproduce the server document")
	}
}

func TestOpFromReadOnlyViewerClosesWithoutMutation(t *testing.T) {
	c, store := newFixture(t)
	ctx := context.Background()

	bob, bobSub := join(t, c, "c-bob", "userB", 0)
	err := bob.Handle(ctx, opFrame(viewportOp("op-1", 3)))
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if seq, _ := store.LatestSeq(ctx, "ws-1"); seq != 0 {
		t.Fatalf("latest seq changed to %d", seq)
	}
	doc, _ := store.Get(ctx, "ws-1")
	if doc.Version != 0 || doc.Viewport.Zoom != 1 {
		t.Fatalf("document mutated: %+v", doc)
	}
	if len(bobSub.messages()) != 1 {
		t.Fatalf("rejected peer must receive no payload beyond its snapshot")
	}

	if err := store.SetACL(ctx, storage.ACL{WorkspaceID: "ws-1", Editors: []types.ViewerID{"userB"}}); err != nil {
		t.Fatalf("set acl: %v", err)
	}
	if err := bob.Handle(ctx, opFrame(viewportOp("op-2", 3))); err != nil {
		t.Fatalf("editor op rejected: %v", err)
	}
}

func TestOpBeforeHelloAndMissingWorkspace(t *testing.T) {
	c, _ := newFixture(t)
	ctx := context.Background()

	p := c.Connect(&fakeSub{}, "")
	if err := p.Handle(ctx, opFrame(viewportOp("op-1", 2))); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("expected ErrNotJoined, got %v", err)
	}

	missing, _ := json.Marshal(protocol.Hello{ClientID: "c", ViewerID: "userA", WorkspaceID: "nope"})
	if err := p.Handle(ctx, missing); !errors.Is(err, ErrWorkspaceNotFound) {
		t.Fatalf("expected ErrWorkspaceNotFound, got %v", err)
	}
	if len(c.Workspaces()) != 0 {
		t.Fatalf("failed hello must not leave a session behind: %v", c.Workspaces())
	}
}

func TestMalformedAndMismatchedHelloAreDropped(t *testing.T) {
	c, _ := newFixture(t)
	ctx := context.Background()

	sub := &fakeSub{}
	p := c.Connect(sub, "userA")
	if err := p.Handle(ctx, []byte(`{"type":"hello"`)); err != nil {
		t.Fatalf("malformed frame must be dropped, got %v", err)
	}
	if err := p.Handle(ctx, helloFrame("c", "userB", 0)); err != nil {
		t.Fatalf("mismatched hello must be dropped, got %v", err)
	}
	if len(sub.messages()) != 0 || c.Subscribers("ws-1") != 0 {
		t.Fatalf("dropped hello must not join")
	}
	if err := p.Handle(ctx, helloFrame("c", "userA", 0)); err != nil {
		t.Fatalf("matching hello: %v", err)
	}
	if c.Subscribers("ws-1") != 1 {
		t.Fatalf("expected one subscriber")
	}
}

func TestConcurrentOpsAreSequencedAndBroadcastInOrder(t *testing.T) {
	c, store := newFixture(t)
	ctx := context.Background()

	const peers, perPeer = 4, 16
	subs := make([]*fakeSub, peers)
	handles := make([]*Peer, peers)
	for i := range handles {
		handles[i], subs[i] = join(t, c, fmt.Sprintf("c-%d", i), "userA", 0)
	}

	var wg sync.WaitGroup
	for i, p := range handles {
		wg.Add(1)
		go func(i int, p *Peer) {
			defer wg.Done()
			for j := 0; j < perPeer; j++ {
				if err := p.Handle(ctx, opFrame(viewportOp(fmt.Sprintf("op-%d-%d", i, j), float64(j+1)))); err != nil {
					t.Errorf("op: %v", err)
				}
			}
		}(i, p)
	}
	wg.Wait()

	total := int64(peers * perPeer)
	if seq, _ := store.LatestSeq(ctx, "ws-1"); seq != total {
		t.Fatalf("expected latest seq %d, got %d", total, seq)
	}
	for i, sub := range subs {
		seqs := sub.broadcastSeqs()
		if int64(len(seqs)) != total {
			t.Fatalf("peer %d saw %d broadcasts, want %d", i, len(seqs), total)
		}
		for k, seq := range seqs {
			if seq != int64(k+1) {
				t.Fatalf("peer %d saw seq %d at position %d", i, seq, k)
			}
		}
	}
}

func TestBrokenSubscriberDoesNotAffectOthers(t *testing.T) {
	c, _ := newFixture(t)
	ctx := context.Background()

	alice, aliceSub := join(t, c, "c-alice", "userA", 0)
	_, brokenSub := join(t, c, "c-broken", "userA", 0)
	brokenSub.mu.Lock()
	brokenSub.fail = true
	brokenSub.mu.Unlock()

	if err := alice.Handle(ctx, opFrame(viewportOp("op-1", 2))); err != nil {
		t.Fatalf("op: %v", err)
	}
	if got := aliceSub.broadcastSeqs(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("healthy subscriber missed the broadcast: %v", got)
	}
}

func TestDuplicateOpIsReackedNotReapplied(t *testing.T) {
	c, store := newFixture(t)
	ctx := context.Background()

	alice, aliceSub := join(t, c, "c-alice", "userA", 0)
	op := viewportOp("op-1", 2)
	if err := alice.Handle(ctx, opFrame(op)); err != nil {
		t.Fatalf("op: %v", err)
	}
	if err := alice.Handle(ctx, opFrame(op)); err != nil {
		t.Fatalf("duplicate op: %v", err)
	}
	if seq, _ := store.LatestSeq(ctx, "ws-1"); seq != 1 {
		t.Fatalf("duplicate applied: latest seq %d", seq)
	}
	msgs := aliceSub.messages()
	last, ok := msgs[len(msgs)-1].(*protocol.Ack)
	if !ok || last.ServerSeq != 1 || last.OpID != "op-1" {
		t.Fatalf("expected re-ack with original seq, got %#v", msgs[len(msgs)-1])
	}
}

func TestSessionDroppedWhenLastPeerLeaves(t *testing.T) {
	c, _ := newFixture(t)
	a, _ := join(t, c, "c-1", "userA", 0)
	b, _ := join(t, c, "c-2", "userA", 0)

	a.Close()
	if got := c.Workspaces(); len(got) != 1 {
		t.Fatalf("session dropped while a peer remains: %v", got)
	}
	b.Close()
	b.Close()
	if got := c.Workspaces(); len(got) != 0 {
		t.Fatalf("expected no sessions, got %v", got)
	}
	if err := b.Handle(context.Background(), helloFrame("c-2", "userA", 0)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

// gatedStore holds Load until release is closed.
type gatedStore struct {
	*storage.Memory
	loading chan struct{}
	release chan struct{}
}

func (g *gatedStore) Load(ctx context.Context, ws types.WorkspaceID) (document.Doc, int64, error) {
	close(g.loading)
	<-g.release
	return g.Memory.Load(ctx, ws)
}

func TestCloseDuringHelloLeavesNoSubscriber(t *testing.T) {
	mem := storage.NewMemory()
	if _, err := mem.Create(context.Background(), "ws-1", "userA", document.NewEmpty("ws-1", base)); err != nil {
		t.Fatalf("create: %v", err)
	}
	store := &gatedStore{Memory: mem, loading: make(chan struct{}), release: make(chan struct{})}
	c := New(store, zeroLogger())
	p := c.Connect(&fakeSub{}, "")

	done := make(chan error, 1)
	go func() {
		done <- p.Handle(context.Background(), helloFrame("c-1", "userA", 0))
	}()

	<-store.loading
	p.Close()
	close(store.release)

	if err := <-done; !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed from hello on a closed peer, got %v", err)
	}
	if n := c.Subscribers("ws-1"); n != 0 {
		t.Fatalf("closed peer still subscribed: %d", n)
	}
	if got := c.Workspaces(); len(got) != 0 {
		t.Fatalf("expected session to be dropped, got %v", got)
	}
}

// failingLogStore fails every ReadSince once broken is set.
type failingLogStore struct {
	*storage.Memory
	broken bool
}

func (f *failingLogStore) ReadSince(ctx context.Context, ws types.WorkspaceID, afterSeq int64) ([]document.SequencedOp, error) {
	if f.broken {
		return nil, errors.New("log unavailable")
	}
	return f.Memory.ReadSince(ctx, ws, afterSeq)
}

func TestFailedGapFillIsCountedAndExposesTheJump(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	if _, err := mem.Create(ctx, "ws-1", "userA", document.NewEmpty("ws-1", base)); err != nil {
		t.Fatalf("create: %v", err)
	}
	store := &failingLogStore{Memory: mem}
	c := New(store, zeroLogger(), WithClock(func() time.Time { return base }))
	alice, sub := join(t, c, "c-alice", "userA", 0)

	// Another instance sequences seq 1 and the relay never delivers it.
	if _, _, err := mem.ApplyAndPersist(ctx, "ws-1", viewportOp("remote-1", 3), base); err != nil {
		t.Fatalf("remote apply: %v", err)
	}
	store.broken = true
	failed := testutil.ToFloat64(relayDelivered.WithLabelValues("gap_failed"))

	if err := alice.Handle(ctx, opFrame(viewportOp("op-2", 2))); err != nil {
		t.Fatalf("op: %v", err)
	}
	if got := testutil.ToFloat64(relayDelivered.WithLabelValues("gap_failed")); got != failed+1 {
		t.Fatalf("expected gap_failed to grow by one, got %v -> %v", failed, got)
	}
	if seqs := sub.broadcastSeqs(); len(seqs) != 1 || seqs[0] != 2 {
		t.Fatalf("expected only seq 2 broadcast so the client detects the gap, got %v", seqs)
	}
}

func TestPublishesAcceptedOps(t *testing.T) {
	pub := &fakePublisher{}
	c, _ := newFixture(t, WithPublisher(pub), WithOrigin("node-a"))
	alice, _ := join(t, c, "c-alice", "userA", 0)

	if err := alice.Handle(context.Background(), opFrame(viewportOp("op-1", 2))); err != nil {
		t.Fatalf("op: %v", err)
	}
	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.records) != 1 {
		t.Fatalf("expected one published record, got %d", len(pub.records))
	}
	rec := pub.records[0]
	if rec.ServerSeq != 1 || rec.Origin != "node-a" || rec.Operation != "op-1" || rec.Workspace != "ws-1" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if _, err := document.DecodeOp(rec.Payload); err != nil {
		t.Fatalf("payload does not decode: %v", err)
	}
}

func TestDeliverDropsStaleAndFillsGaps(t *testing.T) {
	c, store := newFixture(t)
	ctx := context.Background()
	_, sub := join(t, c, "c-1", "userA", 0)

	// Another instance sequences three ops against the shared store.
	var recs []types.LogRecord
	for i := 1; i <= 3; i++ {
		op := viewportOp(fmt.Sprintf("remote-%d", i), float64(i))
		seq, _, err := store.ApplyAndPersist(ctx, "ws-1", op, base)
		if err != nil {
			t.Fatalf("remote apply: %v", err)
		}
		payload, _ := json.Marshal(op)
		recs = append(recs, types.LogRecord{Workspace: "ws-1", ServerSeq: seq, Operation: op.Header().OpID, Payload: payload})
	}

	if err := c.Deliver(ctx, recs[0]); err != nil {
		t.Fatalf("deliver 1: %v", err)
	}
	if err := c.Deliver(ctx, recs[2]); err != nil {
		t.Fatalf("deliver 3: %v", err)
	}
	if err := c.Deliver(ctx, recs[1]); err != nil {
		t.Fatalf("deliver stale 2: %v", err)
	}

	seqs := sub.broadcastSeqs()
	if len(seqs) != 3 || seqs[0] != 1 || seqs[1] != 2 || seqs[2] != 3 {
		t.Fatalf("expected gapless 1,2,3, got %v", seqs)
	}

	if err := c.Deliver(ctx, types.LogRecord{Workspace: "elsewhere", ServerSeq: 1}); err != nil {
		t.Fatalf("deliver without session: %v", err)
	}
}

package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/example/workspace-sync/internal/document"
	"github.com/example/workspace-sync/internal/protocol"
	"github.com/example/workspace-sync/internal/types"
)

// ErrRejected is returned by Run when the server closed the connection for a
// policy violation (missing workspace or missing edit rights).
var ErrRejected = errors.New("rejected by server")

// Status is the connection state of a Client.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusRejected:
		return "rejected"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Config describes the workspace a Client attaches to.
type Config struct {
	URL         string
	Header      http.Header
	WorkspaceID types.WorkspaceID
	ClientID    types.ClientID
	ViewerID    types.ViewerID

	Dialer     *websocket.Dialer
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Clock      func() time.Time
	Logger     zerolog.Logger
}

// Client keeps a Replica attached to the server. Edits submitted while
// disconnected are queued and sent once the reconnect catch-up has been
// applied.
type Client struct {
	cfg     Config
	replica *Replica
	logger  zerolog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	status  Status
	ready   bool
	changed chan struct{}
}

// New creates a Client. Run must be called to connect.
func New(cfg Config) *Client {
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	}
	if cfg.MinBackoff == 0 {
		cfg.MinBackoff = 250 * time.Millisecond
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 10 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.ClientID == "" {
		cfg.ClientID = types.ClientID(ulid.Make().String())
	}
	return &Client{
		cfg:     cfg,
		replica: NewReplica(cfg.WorkspaceID),
		logger: cfg.Logger.With().
			Str("workspace", string(cfg.WorkspaceID)).
			Str("client", string(cfg.ClientID)).
			Logger(),
		changed: make(chan struct{}),
	}
}

// Replica exposes the local state.
func (c *Client) Replica() *Replica { return c.replica }

// Doc returns the optimistic view of the workspace.
func (c *Client) Doc() document.Doc { return c.replica.Doc() }

// Version returns the last serverSeq applied to the confirmed document.
func (c *Client) Version() int64 { return c.replica.Version() }

// Status returns the connection state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Changed returns a channel that is closed on the next state change.
func (c *Client) Changed() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changed
}

// WaitFor blocks until cond holds for the client or ctx is done.
func (c *Client) WaitFor(ctx context.Context, cond func(*Client) bool) error {
	for {
		ch := c.Changed()
		if cond(c) {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Submit stamps op with a fresh opId, the client id and the current time,
// applies it optimistically and sends it when connected. The stamped op is
// returned.
func (c *Client) Submit(op document.Op) (document.Op, error) {
	op = document.WithMeta(op, document.OpMeta{
		OpID:     types.OpID(ulid.Make().String()),
		ClientID: c.cfg.ClientID,
		Now:      c.cfg.Clock().UTC(),
	})
	if err := document.Validate(op); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusRejected {
		return nil, ErrRejected
	}
	c.replica.Local(op)
	if c.ready {
		if err := c.writeLocked(protocol.OpRequest{Op: op}); err != nil {
			c.logger.Debug().Err(err).Msg("send failed; op stays queued")
		}
	}
	c.notifyLocked()
	return op, nil
}

// Select sets the local selection.
func (c *Client) Select(ids []string) {
	c.replica.Select(ids)
	c.mu.Lock()
	c.notifyLocked()
	c.mu.Unlock()
}

// Run connects, reconnects with exponential backoff on failure and returns
// when ctx is done or the server rejects the client.
func (c *Client) Run(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.MinBackoff
	b.MaxInterval = c.cfg.MaxBackoff

	defer c.setStatus(StatusDisconnected)
	for {
		c.setStatus(StatusConnecting)
		conn, err := backoff.Retry(ctx, func() (*websocket.Conn, error) {
			return c.dial(ctx)
		},
			backoff.WithBackOff(b),
			backoff.WithMaxElapsedTime(0),
			backoff.WithNotify(func(err error, next time.Duration) {
				c.logger.Debug().Err(err).Dur("retry_in", next).Msg("dial failed")
			}),
		)
		if err != nil {
			return err
		}
		b.Reset()

		err = c.serve(ctx, conn)
		if errors.Is(err, ErrRejected) {
			dropped := c.replica.DropPending()
			c.setStatus(StatusRejected)
			c.logger.Warn().Int("dropped", dropped).Msg("server rejected the connection")
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Debug().Err(err).Msg("connection lost; reconnecting")
		c.setStatus(StatusDisconnected)
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, backoff.Permanent(fmt.Errorf("dial %s: %s: %w", c.cfg.URL, resp.Status, err))
		}
		return nil, err
	}
	return conn, nil
}

// serve runs one connection: hello, catch-up, flush, then the read loop.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.ready = false
		c.mu.Unlock()
		_ = conn.Close()
	}()

	var afterSeq int64
	if c.replica.HasDoc() {
		afterSeq = c.replica.Version()
	}
	c.mu.Lock()
	c.conn = conn
	err := c.writeLocked(protocol.Hello{
		ClientID:    c.cfg.ClientID,
		ViewerID:    c.cfg.ViewerID,
		WorkspaceID: c.cfg.WorkspaceID,
		AfterSeq:    afterSeq,
	})
	c.mu.Unlock()
	if err != nil {
		return err
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && closeErr.Code == websocket.ClosePolicyViolation {
				return ErrRejected
			}
			return err
		}
		msg, err := protocol.DecodeServer(data)
		if err != nil {
			c.logger.Debug().Err(err).Msg("dropping malformed message")
			continue
		}
		if err := c.replica.Receive(msg); err != nil {
			return err
		}

		c.mu.Lock()
		if !c.ready {
			switch msg.(type) {
			case *protocol.Snapshot, *protocol.Ops:
				c.ready = true
				c.status = StatusConnected
				if err := c.flushLocked(); err != nil {
					c.mu.Unlock()
					return err
				}
				c.logger.Debug().Int64("version", c.replica.Version()).Msg("caught up")
			}
		}
		c.notifyLocked()
		c.mu.Unlock()
	}
}

func (c *Client) flushLocked() error {
	for _, op := range c.replica.Pending() {
		if err := c.writeLocked(protocol.OpRequest{Op: op}); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) writeLocked(msg any) error {
	if c.conn == nil {
		return errors.New("not connected")
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) setStatus(s Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status == StatusRejected {
		return
	}
	c.status = s
	c.notifyLocked()
}

func (c *Client) notifyLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

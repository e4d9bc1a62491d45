package ws

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/example/workspace-sync/internal/protocol"
	"github.com/example/workspace-sync/internal/session"
	"github.com/example/workspace-sync/internal/types"
)

const (
	closeNormalClosure       = websocket.CloseNormalClosure
	closeGoingAway           = websocket.CloseGoingAway
	closeUnsupportedData     = websocket.CloseUnsupportedData
	closePolicyViolation     = websocket.ClosePolicyViolation
	closeInternalServerError = websocket.CloseInternalServerErr
	closeTryAgainLater       = websocket.CloseTryAgainLater
)

var (
	errSendBufferFull = errors.New("send buffer full")
	errClosed         = errors.New("connection closed")
)

type connectionOptions struct {
	heartbeatInterval  time.Duration
	heartbeatTolerance int
	sendBufferSize     int
	writeTimeout       time.Duration
	readLimit          int64
	rateLimit          rate.Limit
	rateBurst          int
}

// Connection is an upgraded sync socket. It implements session.Subscriber;
// the session's peer consumes every inbound frame from the read loop.
type Connection struct {
	conn      *websocket.Conn
	peer      *session.Peer
	viewer    types.ViewerID
	logger    zerolog.Logger
	send      chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	closed    chan struct{}

	opts    connectionOptions
	limiter *rate.Limiter

	lastPong atomic.Int64
	onClose  func()
}

func newConnection(wsConn *websocket.Conn, viewer types.ViewerID, logger zerolog.Logger, opts connectionOptions, onClose func()) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:    wsConn,
		viewer:  viewer,
		logger:  logger,
		send:    make(chan []byte, opts.sendBufferSize),
		ctx:     ctx,
		cancel:  cancel,
		closed:  make(chan struct{}),
		opts:    opts,
		limiter: rate.NewLimiter(opts.rateLimit, opts.rateBurst),
		onClose: onClose,
	}
	c.lastPong.Store(time.Now().UnixNano())
	return c
}

// Viewer returns the identity resolved from the upgrade request.
func (c *Connection) Viewer() types.ViewerID { return c.viewer }

// Done is closed once the connection has been torn down.
func (c *Connection) Done() <-chan struct{} { return c.closed }

// Send encodes msg and enqueues it for the writer goroutine. It never
// blocks; a full buffer closes the connection with 1013.
func (c *Connection) Send(msg protocol.ServerMessage) error {
	if c.ctx.Err() != nil {
		return errClosed
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		gatewaySendQueueDepth.Observe(float64(len(c.send)))
		return nil
	case <-c.ctx.Done():
		return errClosed
	default:
		c.logger.Warn().Msg("send buffer full; closing connection")
		go c.closeWith(closeTryAgainLater, "backpressure")
		return errSendBufferFull
	}
}

// Run starts the write and heartbeat pumps and consumes inbound frames until
// the connection is closed.
func (c *Connection) Run() {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()
	go func() {
		defer wg.Done()
		c.heartbeatLoop()
	}()

	if err := c.readLoop(); err != nil {
		c.logger.Debug().Err(err).Msg("read loop exited")
	}
	c.Close()
	wg.Wait()
}

// Close tears the connection down without a close frame. It is idempotent.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.conn.Close()
		close(c.closed)
		if c.peer != nil {
			c.peer.Close()
		}
		if c.onClose != nil {
			c.onClose()
		}
	})
}

func (c *Connection) readLoop() error {
	if c.opts.readLimit > 0 {
		c.conn.SetReadLimit(c.opts.readLimit)
	}
	c.conn.SetPongHandler(func(string) error {
		c.lastPong.Store(time.Now().UnixNano())
		return nil
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, closeNormalClosure, closeGoingAway) {
				return nil
			}
			return err
		}
		if messageType != websocket.TextMessage {
			c.closeWith(closeUnsupportedData, "text frames only")
			return errors.New("binary frame received")
		}
		if err := c.limiter.Wait(c.ctx); err != nil {
			return err
		}

		if err := c.peer.Handle(c.ctx, data); err != nil {
			code := closePolicyViolation
			if errors.Is(err, session.ErrUnavailable) {
				code = closeInternalServerError
			}
			c.closeWith(code, "")
			return err
		}
	}
}

func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug().Err(err).Msg("write loop error")
				c.closeWith(closeInternalServerError, "write error")
				return
			}
		}
	}
}

func (c *Connection) heartbeatLoop() {
	if c.opts.heartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.opts.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(c.opts.writeTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Debug().Err(err).Msg("heartbeat ping failed")
				c.closeWith(closeGoingAway, "ping failed")
				return
			}
			if c.opts.heartbeatTolerance > 0 {
				last := time.Unix(0, c.lastPong.Load())
				allowed := c.opts.heartbeatInterval * time.Duration(c.opts.heartbeatTolerance)
				if time.Since(last) > allowed {
					c.logger.Debug().Msg("heartbeat tolerance exceeded")
					c.closeWith(closeGoingAway, "missed heartbeats")
					return
				}
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// closeWith sends a close frame and tears the connection down. WriteControl
// may run concurrently with the writer goroutine.
func (c *Connection) closeWith(code int, reason string) {
	if c.ctx.Err() != nil {
		return
	}
	gatewayClosures.WithLabelValues(strconv.Itoa(code)).Inc()
	deadline := time.Now().Add(c.opts.writeTimeout)
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	c.Close()
}

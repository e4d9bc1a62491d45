// Package broadcast relays sequenced operations between server instances
// that share one operation log.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/workspace-sync/internal/types"
)

const (
	defaultTopicPrefix = "ws:"
	defaultDedupeTTL   = 2 * time.Minute
	defaultQueueSize   = 1024
	maxBackoffDelay    = 30 * time.Second
)

// Deliverer receives records sequenced by other instances.
type Deliverer interface {
	Deliver(ctx context.Context, rec types.LogRecord) error
}

type publishFunc func(ctx context.Context, channel string, payload []byte) error

// RedisRelay publishes log records to a per-workspace Redis channel and hands
// records published by other instances to the local coordinator.
type RedisRelay struct {
	client  *redis.Client
	publish publishFunc
	sink    Deliverer
	origin  string
	logger  zerolog.Logger

	topicPrefix string
	dedupeTTL   time.Duration
	queue       chan types.LogRecord

	seenMu sync.Mutex
	seen   map[string]time.Time
}

// NewRedisRelay constructs a relay. origin must be unique per instance.
func NewRedisRelay(client *redis.Client, sink Deliverer, origin string, logger zerolog.Logger) *RedisRelay {
	r := &RedisRelay{
		client:      client,
		sink:        sink,
		origin:      origin,
		logger:      logger,
		topicPrefix: defaultTopicPrefix,
		dedupeTTL:   defaultDedupeTTL,
		queue:       make(chan types.LogRecord, defaultQueueSize),
		seen:        make(map[string]time.Time),
	}
	if client != nil {
		r.publish = func(ctx context.Context, channel string, payload []byte) error {
			return client.Publish(ctx, channel, payload).Err()
		}
	}
	return r
}

// Attach sets the sink that receives remote records. The coordinator takes
// the relay as its publisher, so the sink is bound after construction and
// before Start.
func (r *RedisRelay) Attach(sink Deliverer) {
	r.sink = sink
}

// Publish queues rec for publishing. It never blocks; records are dropped
// when the queue is full and other instances recover them from the log on
// the next gap.
func (r *RedisRelay) Publish(rec types.LogRecord) {
	if rec.Origin == "" {
		rec.Origin = r.origin
	}
	select {
	case r.queue <- rec:
		relayPublished.WithLabelValues("queued").Inc()
	default:
		relayPublished.WithLabelValues("dropped").Inc()
		r.logger.Warn().Str("workspace", string(rec.Workspace)).Int64("server_seq", rec.ServerSeq).Msg("relay queue full; dropping record")
	}
}

// Start begins publishing queued records and consuming records from other
// instances until ctx is done.
func (r *RedisRelay) Start(ctx context.Context) {
	go r.publishLoop(ctx)
	if r.client != nil {
		go r.run(ctx)
	}
}

func (r *RedisRelay) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-r.queue:
			if err := r.send(ctx, rec); err != nil {
				relayPublished.WithLabelValues("failed").Inc()
				r.logger.Error().Err(err).Str("workspace", string(rec.Workspace)).Int64("server_seq", rec.ServerSeq).Msg("redis publish failed")
				continue
			}
			relayPublished.WithLabelValues("sent").Inc()
		}
	}
}

func (r *RedisRelay) send(ctx context.Context, rec types.LogRecord) error {
	if r.publish == nil {
		return errors.New("nil relay client")
	}
	payload, err := rec.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	topic := r.topic(rec.Workspace)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = maxBackoffDelay
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, r.publish(ctx, topic, payload)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(maxBackoffDelay),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.Warn().Err(err).Str("topic", topic).Dur("backoff", next).Msg("redis publish failed; retrying")
		}),
	)
	return err
}

func (r *RedisRelay) run(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = maxBackoffDelay
	for {
		if ctx.Err() != nil {
			return
		}

		pubsub := r.client.PSubscribe(ctx, r.topicPrefix+"*")
		if err := r.consume(ctx, pubsub); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Warn().Err(err).Msg("redis subscription interrupted; retrying")
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(b.NextBackOff()):
		}
	}
}

func (r *RedisRelay) consume(ctx context.Context, pubsub *redis.PubSub) error {
	defer pubsub.Close()

	ch := pubsub.Channel(redis.WithChannelSize(256))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("pubsub channel closed")
			}
			if err := r.process(ctx, []byte(msg.Payload)); err != nil {
				r.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("failed to process relayed record")
			}
		}
	}
}

func (r *RedisRelay) process(ctx context.Context, data []byte) error {
	var rec types.LogRecord
	if err := rec.UnmarshalBinary(data); err != nil {
		relayMessages.WithLabelValues("invalid").Inc()
		return err
	}
	if rec.Workspace == "" || rec.ServerSeq <= 0 {
		relayMessages.WithLabelValues("invalid").Inc()
		return errors.New("incomplete record")
	}
	if rec.Origin == r.origin {
		relayMessages.WithLabelValues("own").Inc()
		return nil
	}
	if r.isDuplicate(rec.Workspace, rec.ServerSeq) {
		relayMessages.WithLabelValues("duplicate").Inc()
		return nil
	}

	if !rec.CreatedAt.IsZero() {
		relayLatency.Observe(time.Since(rec.CreatedAt).Seconds())
	}
	relayMessages.WithLabelValues("delivered").Inc()
	return r.sink.Deliver(ctx, rec)
}

func (r *RedisRelay) topic(ws types.WorkspaceID) string {
	return r.topicPrefix + string(ws)
}

func (r *RedisRelay) isDuplicate(ws types.WorkspaceID, seq int64) bool {
	key := string(ws) + ":" + strconv.FormatInt(seq, 10)

	r.seenMu.Lock()
	defer r.seenMu.Unlock()

	if ts, ok := r.seen[key]; ok {
		if time.Since(ts) < r.dedupeTTL {
			return true
		}
	}

	r.seen[key] = time.Now()
	cutoff := time.Now().Add(-r.dedupeTTL)
	for k, ts := range r.seen {
		if ts.Before(cutoff) {
			delete(r.seen, k)
		}
	}
	return false
}

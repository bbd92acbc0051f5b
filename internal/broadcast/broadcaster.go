package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/tinytelemetry/aiemu/internal/logger"
	"github.com/tinytelemetry/aiemu/internal/metrics"
	"github.com/tinytelemetry/aiemu/internal/model"
	"go.uber.org/zap"
)

var (
	// ErrClosed is returned by Publish after Close.
	ErrClosed = errors.New("broadcast: closed")
	// ErrBackpressure is returned by a Conn that cannot take another message
	// right now. The message is dropped for that subscriber only and the
	// subscriber stays connected.
	ErrBackpressure = errors.New("broadcast: subscriber backpressure")
)

// Conn is the transport behind a subscriber. Send must not block for long;
// transports that queue should report ErrBackpressure when full.
type Conn interface {
	Send(ctx context.Context, msg []byte) error
	Close() error
}

// State is the lifecycle state of a subscriber.
type State int32

const (
	StateOpen State = iota
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Subscriber is a live-stream client registered with a Broadcaster.
type Subscriber struct {
	id    string
	conn  Conn
	state atomic.Int32
}

func (s *Subscriber) ID() string { return s.id }

func (s *Subscriber) State() State { return State(s.state.Load()) }

// close moves the subscriber to CLOSED. Only the first caller wins.
func (s *Subscriber) close() bool {
	return s.state.CompareAndSwap(int32(StateOpen), int32(StateClosed))
}

// Config tunes a Broadcaster.
type Config struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Broadcaster fans accepted envelopes out to every open subscriber. It keeps
// no history: a subscriber only sees envelopes published after it joined.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[string]*Subscriber
	closed bool

	logger  *zap.Logger
	metrics *metrics.Metrics
}

// New creates an empty broadcaster.
func New(cfgs ...Config) *Broadcaster {
	var cfg Config
	if len(cfgs) > 0 {
		cfg = cfgs[0]
	}
	return &Broadcaster{
		subs:    make(map[string]*Subscriber),
		logger:  logger.OrNop(cfg.Logger),
		metrics: cfg.Metrics,
	}
}

// Subscribe registers conn and returns its subscriber in the OPEN state. If
// the broadcaster is already closed, conn is closed and the returned
// subscriber is CLOSED.
func (b *Broadcaster) Subscribe(conn Conn) *Subscriber {
	sub := &Subscriber{id: uuid.NewString(), conn: conn}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.state.Store(int32(StateClosed))
		_ = conn.Close()
		return sub
	}
	b.subs[sub.id] = sub
	n := len(b.subs)
	b.mu.Unlock()

	b.metrics.SetSubscribers(n)
	b.logger.Debug("subscriber added", zap.String("subscriber", sub.id), zap.Int("subscribers", n))
	return sub
}

// Unsubscribe closes sub and removes it. Calling it more than once, or
// concurrently with a failing Publish, is safe.
func (b *Broadcaster) Unsubscribe(sub *Subscriber) {
	if sub == nil || !sub.close() {
		return
	}

	b.mu.Lock()
	delete(b.subs, sub.id)
	n := len(b.subs)
	b.mu.Unlock()

	if err := sub.conn.Close(); err != nil {
		b.logger.Debug("subscriber close", zap.String("subscriber", sub.id), zap.Error(err))
	}
	b.metrics.SetSubscribers(n)
	b.logger.Debug("subscriber removed", zap.String("subscriber", sub.id), zap.Int("subscribers", n))
}

// Publish sends the envelope's JSON to every open subscriber. Delivery
// failures are handled per subscriber and never returned.
func (b *Broadcaster) Publish(ctx context.Context, env *model.Envelope) error {
	msg, err := env.MarshalJSON()
	if err != nil {
		return fmt.Errorf("broadcast: encode envelope: %w", err)
	}
	return b.Broadcast(ctx, msg)
}

// Broadcast sends msg as-is to every open subscriber.
func (b *Broadcaster) Broadcast(ctx context.Context, msg []byte) error {
	subs, err := b.snapshot()
	if err != nil {
		return err
	}

	for _, sub := range subs {
		if sub.State() != StateOpen {
			continue
		}
		err := b.send(ctx, sub, msg)
		switch {
		case err == nil:
			b.metrics.LiveMessage(metrics.ResultSent)
		case errors.Is(err, ErrBackpressure):
			b.metrics.LiveMessage(metrics.ResultDropped)
			b.logger.Debug("message dropped for slow subscriber", zap.String("subscriber", sub.id))
		default:
			b.metrics.LiveMessage(metrics.ResultFailed)
			b.logger.Debug("send failed, dropping subscriber", zap.String("subscriber", sub.id), zap.Error(err))
			b.Unsubscribe(sub)
		}
	}
	return nil
}

func (b *Broadcaster) snapshot() ([]*Subscriber, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, ErrClosed
	}
	subs := make([]*Subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	return subs, nil
}

// send isolates a misbehaving transport: a panic counts as a send failure.
func (b *Broadcaster) send(ctx context.Context, sub *Subscriber, msg []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("broadcast: send panic: %v", r)
		}
	}()
	return sub.conn.Send(ctx, msg)
}

// Len returns the number of registered subscribers.
func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close unsubscribes everyone. Later publishes return ErrClosed.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*Subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		b.Unsubscribe(sub)
	}
	return nil
}

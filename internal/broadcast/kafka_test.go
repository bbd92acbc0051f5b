package broadcast

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinytelemetry/aiemu/internal/metrics"
	"github.com/tinytelemetry/aiemu/internal/model"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []string
	err    error
	block  chan struct{}
	closed bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.block != nil {
		select {
		case <-w.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	for _, m := range msgs {
		w.msgs = append(w.msgs, string(m.Value))
	}
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *fakeWriter) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

func (w *fakeWriter) written() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.msgs...)
}

func bigEnvelope(n int) *model.Envelope {
	return env(`{"name":"` + strings.Repeat("x", n) + `"}`)
}

func TestNewKafkaSink_Validation(t *testing.T) {
	t.Parallel()
	_, err := NewKafkaSink(KafkaConfig{Topic: "telemetry"})
	assert.Error(t, err)

	_, err = NewKafkaSink(KafkaConfig{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)
}

func TestNewKafkaSink(t *testing.T) {
	t.Parallel()
	s, err := NewKafkaSink(KafkaConfig{
		Brokers:         []string{"localhost:9092"},
		Topic:           "telemetry",
		MaxMessageBytes: 4 << 20,
	})
	require.NoError(t, err)
	assert.Equal(t, "telemetry", s.Topic())

	w, ok := s.writer.(*kafka.Writer)
	require.True(t, ok)
	assert.True(t, w.Async)
	assert.Equal(t, int64(4<<20), w.BatchBytes)
	assert.NoError(t, s.Close())
}

func TestKafkaSinkIsConn(t *testing.T) {
	t.Parallel()
	var _ Conn = (*KafkaSink)(nil)
	var _ Conn = (*WSConn)(nil)
}

func TestKafkaSink_MirrorsPublishedEnvelopesInOrder(t *testing.T) {
	t.Parallel()
	w := &fakeWriter{}
	sink := newKafkaSink(w, KafkaConfig{Topic: "telemetry"}, nil)
	b := New()
	sub := b.Subscribe(sink)

	for _, raw := range []string{`{"a":1}`, `{"b":2}`, `{"c":3}`} {
		require.NoError(t, b.Publish(context.Background(), env(raw)))
	}

	require.Eventually(t, func() bool { return len(w.written()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{`{"a":1}`, `{"b":2}`, `{"c":3}`}, w.written())
	assert.Equal(t, StateOpen, sub.State())

	require.NoError(t, b.Close())
	assert.True(t, w.isClosed())
}

func TestKafkaSink_OversizedEnvelopeKeepsSubscription(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	w := &fakeWriter{}
	sink := newKafkaSink(w, KafkaConfig{Topic: "telemetry", MaxMessageBytes: 1024}, nil)
	b := New(Config{Metrics: m})
	sub := b.Subscribe(sink)
	t.Cleanup(func() { _ = b.Close() })

	require.NoError(t, b.Publish(context.Background(), bigEnvelope(2048)))
	require.NoError(t, b.Publish(context.Background(), env(`{"ok":true}`)))

	assert.Equal(t, StateOpen, sub.State())
	assert.Equal(t, 1, b.Len())
	require.Eventually(t, func() bool { return len(w.written()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{`{"ok":true}`}, w.written())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LiveMessagesTotal.WithLabelValues(metrics.ResultDropped)))
}

func TestKafkaSink_UnreachableBrokerKeepsSubscription(t *testing.T) {
	t.Parallel()
	sink, err := NewKafkaSink(KafkaConfig{Brokers: []string{"127.0.0.1:1"}, Topic: "telemetry"})
	require.NoError(t, err)
	b := New()
	sub := b.Subscribe(sink)
	t.Cleanup(func() { _ = b.Close() })

	require.NoError(t, b.Publish(context.Background(), bigEnvelope(2<<20)))
	require.NoError(t, b.Publish(context.Background(), env(`{"ok":true}`)))

	assert.Equal(t, StateOpen, sub.State())
	assert.Equal(t, 1, b.Len())
}

func TestKafkaSink_WriteErrorsAreNotFatal(t *testing.T) {
	t.Parallel()
	w := &fakeWriter{err: errors.New("leader not available")}
	sink := newKafkaSink(w, KafkaConfig{Topic: "telemetry"}, nil)
	t.Cleanup(func() { _ = sink.Close() })

	require.NoError(t, sink.Send(context.Background(), []byte(`{"a":1}`)))
	require.NoError(t, sink.Send(context.Background(), []byte(`{"b":2}`)))
}

func TestKafkaSink_FullOutboxIsBackpressure(t *testing.T) {
	t.Parallel()
	w := &fakeWriter{block: make(chan struct{})}
	sink := newKafkaSink(w, KafkaConfig{Topic: "telemetry", OutboxSize: 1}, nil)
	t.Cleanup(func() { _ = sink.Close() })

	// The pump holds one message in WriteMessages, the outbox holds one more.
	var err error
	for i := 0; i < 3 && err == nil; i++ {
		err = sink.Send(context.Background(), []byte(`{}`))
	}
	assert.ErrorIs(t, err, ErrBackpressure)
}

func TestKafkaSink_SendAfterCloseUnsubscribes(t *testing.T) {
	t.Parallel()
	w := &fakeWriter{}
	sink := newKafkaSink(w, KafkaConfig{Topic: "telemetry"}, nil)
	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())
	assert.ErrorIs(t, sink.Send(context.Background(), []byte(`{}`)), ErrConnClosed)

	b := New()
	sub := b.Subscribe(sink)
	require.NoError(t, b.Publish(context.Background(), env(`{}`)))
	assert.Equal(t, StateClosed, sub.State())
	assert.Equal(t, 0, b.Len())
}

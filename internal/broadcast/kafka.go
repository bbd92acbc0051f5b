package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/tinytelemetry/aiemu/internal/logger"
	"go.uber.org/zap"
)

const (
	defaultKafkaOutboxSize      = 1024
	defaultKafkaMaxMessageBytes = 1 << 20 // kafka-go and broker default
)

// KafkaConfig configures the Kafka mirror.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	// MaxMessageBytes caps a single envelope; larger ones are dropped
	// from the mirror. It also sizes the writer's batches.
	MaxMessageBytes int64
	OutboxSize      int
	Logger          *zap.Logger
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink mirrors every published envelope to a Kafka topic. It is
// registered as an ordinary subscriber. Send only queues; a pump goroutine
// owns the writer so a slow or unreachable broker never holds up publishing.
type KafkaSink struct {
	writer   messageWriter
	topic    string
	maxBytes int64
	logger   *zap.Logger

	outbox    chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// NewKafkaSink creates the producer and starts its pump. No connection is
// made until the first message is written.
func NewKafkaSink(cfg KafkaConfig) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka: topic is required")
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultKafkaMaxMessageBytes
	}
	log := logger.OrNop(cfg.Logger)

	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchSize:    100,
		BatchBytes:   cfg.MaxMessageBytes,
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				log.Warn("kafka write failed", zap.Int("messages", len(messages)), zap.Error(err))
			}
		},
	}
	return newKafkaSink(w, cfg, log), nil
}

func newKafkaSink(w messageWriter, cfg KafkaConfig, log *zap.Logger) *KafkaSink {
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = defaultKafkaOutboxSize
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultKafkaMaxMessageBytes
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &KafkaSink{
		writer:   w,
		topic:    cfg.Topic,
		maxBytes: cfg.MaxMessageBytes,
		logger:   logger.OrNop(log),
		outbox:   make(chan []byte, cfg.OutboxSize),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.wg.Add(1)
	go s.pump()
	return s
}

// Send queues msg without blocking. Oversized messages and a full outbox
// report ErrBackpressure so the sink stays subscribed; only a closed sink
// returns ErrConnClosed.
func (s *KafkaSink) Send(_ context.Context, msg []byte) error {
	if s.ctx.Err() != nil {
		return ErrConnClosed
	}
	if int64(len(msg)) > s.maxBytes {
		s.logger.Warn("envelope too large for kafka mirror",
			zap.Int("bytes", len(msg)), zap.Int64("max_bytes", s.maxBytes))
		return fmt.Errorf("kafka: message of %d bytes exceeds %d: %w", len(msg), s.maxBytes, ErrBackpressure)
	}
	select {
	case s.outbox <- msg:
		return nil
	case <-s.ctx.Done():
		return ErrConnClosed
	default:
		return fmt.Errorf("kafka: outbox full: %w", ErrBackpressure)
	}
}

// pump is the only caller of the writer. Write errors are per message:
// they are logged and the mirror keeps running.
func (s *KafkaSink) pump() {
	defer s.wg.Done()
	for {
		select {
		case msg := <-s.outbox:
			err := s.writer.WriteMessages(s.ctx, kafka.Message{Value: msg})
			if err == nil || s.ctx.Err() != nil {
				continue
			}
			var tooLarge kafka.MessageTooLargeError
			if errors.As(err, &tooLarge) {
				s.logger.Warn("kafka rejected oversized message", zap.Int("bytes", len(msg)))
				continue
			}
			s.logger.Warn("kafka write failed", zap.Error(err))
		case <-s.ctx.Done():
			return
		}
	}
}

// Close stops the pump, then flushes pending messages and closes the
// writer. Messages still queued in the outbox are discarded.
func (s *KafkaSink) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		s.closeErr = s.writer.Close()
	})
	return s.closeErr
}

// Topic returns the destination topic.
func (s *KafkaSink) Topic() string { return s.topic }

package tcpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/tinytelemetry/aiemu/internal/ingest"
	"github.com/tinytelemetry/aiemu/internal/logger"
	"github.com/tinytelemetry/aiemu/internal/model"
	"go.uber.org/zap"
)

const (
	// DefaultLineChannelSize is the default buffer size for received lines.
	DefaultLineChannelSize = 10_000

	// DefaultMaxLineSize is the default maximum size (in bytes) of a single line.
	DefaultMaxLineSize = 1024 * 1024 // 1MB
)

// RecordIngester accepts already parsed JSON records.
type RecordIngester interface {
	IngestRecords(ctx context.Context, source string, records []ingest.Record) model.IngestionResult
}

// ServerConfig holds tunable parameters for the TCP server.
type ServerConfig struct {
	LineChannelSize int
	MaxLineSize     int
	Logger          *zap.Logger
}

type line struct {
	remote string
	data   []byte
}

// Server accepts newline-delimited JSON telemetry over TCP. Every line is
// one record; a single worker feeds them to the pipeline so lines from one
// connection are ingested in the order they arrived.
type Server struct {
	listener    net.Listener
	addr        string
	ingester    RecordIngester
	lineChan    chan line
	maxLineSize int
	logger      *zap.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	connWg      sync.WaitGroup
	workerWg    sync.WaitGroup
	mu          sync.Mutex
	stopped     bool
	stopOnce    sync.Once
}

// NewServer creates a new TCP server. Default addr is "127.0.0.1:4000".
func NewServer(addr string, ing RecordIngester, conf ...ServerConfig) *Server {
	if addr == "" {
		addr = "127.0.0.1:4000"
	}
	lineChannelSize := DefaultLineChannelSize
	maxLineSize := DefaultMaxLineSize
	var log *zap.Logger
	if len(conf) > 0 {
		if conf[0].LineChannelSize > 0 {
			lineChannelSize = conf[0].LineChannelSize
		}
		if conf[0].MaxLineSize > 0 {
			maxLineSize = conf[0].MaxLineSize
		}
		log = conf[0].Logger
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:        addr,
		ingester:    ing,
		lineChan:    make(chan line, lineChannelSize),
		maxLineSize: maxLineSize,
		logger:      logger.OrNop(log),
		ctx:         ctx,
		cancel:      cancel,
	}
}

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// Listen binds the configured address and starts the ingest worker.
// Serve must be called afterwards.
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener

	s.workerWg.Add(1)
	go s.worker()
	return nil
}

// Serve blocks accepting connections. It returns nil once Stop has been
// called. Temporary accept errors such as running out of file descriptors
// are retried with backoff; any other accept error is returned.
func (s *Server) Serve() error {
	if s.listener == nil {
		return errors.New("tcpserver: Serve called before Listen")
	}
	var delay time.Duration
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Temporary() {
				delay = nextAcceptDelay(delay)
				s.logger.Warn("accept failed, retrying", zap.Duration("delay", delay), zap.Error(err))
				select {
				case <-time.After(delay):
					continue
				case <-s.ctx.Done():
					return nil
				}
			}
			return fmt.Errorf("tcpserver: accept: %w", err)
		}
		delay = 0

		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		s.connWg.Add(1)
		s.mu.Unlock()
		go s.handleConnection(conn)
	}
}

func nextAcceptDelay(d time.Duration) time.Duration {
	if d == 0 {
		return minAcceptDelay
	}
	if d *= 2; d > maxAcceptDelay {
		d = maxAcceptDelay
	}
	return d
}

// Start binds and accepts connections in the background.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	go func() {
		if err := s.Serve(); err != nil {
			s.logger.Error("serve failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.connWg.Done()
	defer conn.Close()

	// Unblock the scanner on shutdown.
	connDone := make(chan struct{})
	defer close(connDone)
	go func() {
		select {
		case <-s.ctx.Done():
			conn.Close()
		case <-connDone:
		}
	}()

	remote := conn.RemoteAddr().String()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), s.maxLineSize)

	for scanner.Scan() {
		data := scanner.Bytes()
		if len(data) == 0 {
			continue
		}
		// The scanner reuses its buffer.
		owned := append([]byte(nil), data...)
		select {
		case s.lineChan <- line{remote: remote, data: owned}:
		case <-s.ctx.Done():
			return
		}
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			s.logger.Warn("dropped connection: line exceeds max size",
				zap.String("remote", remote), zap.Int("max_line_size", s.maxLineSize))
			return
		}
		select {
		case <-s.ctx.Done():
		default:
			s.logger.Debug("scanner error", zap.String("remote", remote), zap.Error(err))
		}
	}
}

func (s *Server) worker() {
	defer s.workerWg.Done()
	for l := range s.lineChan {
		res := s.ingester.IngestRecords(context.Background(), ingest.SourceTCP, []ingest.Record{toRecord(l.data)})
		for _, e := range res.Errors {
			s.logger.Debug("line rejected", zap.String("remote", l.remote), zap.String("error", e.Message))
		}
	}
}

func toRecord(data []byte) ingest.Record {
	if !json.Valid(data) {
		return ingest.Record{Err: fmt.Errorf("invalid JSON line (%d bytes)", len(data))}
	}
	return ingest.Record{Value: json.RawMessage(data)}
}

// Stop closes the listener and open connections, then waits for queued
// lines to be ingested.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		s.cancel()
		if s.listener != nil {
			s.listener.Close()
		}
		s.connWg.Wait()
		close(s.lineChan)
		s.workerWg.Wait()
	})
	return nil
}

// Addr returns the active listen address.
// Before Start, it returns the configured address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

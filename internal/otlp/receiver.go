package otlp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/tinytelemetry/aiemu/internal/ingest"
	"github.com/tinytelemetry/aiemu/internal/logger"
	"github.com/tinytelemetry/aiemu/internal/model"
	collogs "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	colmetrics "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	coltrace "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

const defaultMaxRecvMsgSize = 16 << 20

// RecordIngester accepts already parsed JSON records.
type RecordIngester interface {
	IngestRecords(ctx context.Context, source string, records []ingest.Record) model.IngestionResult
}

// Config tunes the receiver.
type Config struct {
	MaxRecvMsgSize int
	Logger         *zap.Logger
}

// Receiver accepts OTLP/gRPC exports. Every Resource* entry of a request
// becomes one envelope holding its protojson form.
type Receiver struct {
	addr     string
	ingester RecordIngester
	server   *grpc.Server
	listener net.Listener
	logger   *zap.Logger
	stopOnce sync.Once
}

// NewReceiver creates a receiver that listens on addr once started.
func NewReceiver(addr string, ing RecordIngester, cfgs ...Config) *Receiver {
	var cfg Config
	if len(cfgs) > 0 {
		cfg = cfgs[0]
	}
	if cfg.MaxRecvMsgSize <= 0 {
		cfg.MaxRecvMsgSize = defaultMaxRecvMsgSize
	}

	r := &Receiver{
		addr:     addr,
		ingester: ing,
		logger:   logger.OrNop(cfg.Logger),
	}
	r.server = grpc.NewServer(grpc.MaxRecvMsgSize(cfg.MaxRecvMsgSize))
	collogs.RegisterLogsServiceServer(r.server, &logsService{r: r})
	coltrace.RegisterTraceServiceServer(r.server, &traceService{r: r})
	colmetrics.RegisterMetricsServiceServer(r.server, &metricsService{r: r})
	return r
}

// Listen binds the configured address. Serve must be called afterwards.
func (r *Receiver) Listen() error {
	lis, err := net.Listen("tcp", r.addr)
	if err != nil {
		return err
	}
	r.listener = lis
	return nil
}

// Serve blocks serving exports on the bound listener. It returns nil once
// Stop has been called.
func (r *Receiver) Serve() error {
	if r.listener == nil {
		return errors.New("otlp: Serve called before Listen")
	}
	return r.ServeListener(r.listener)
}

// ServeListener blocks serving exports on lis.
func (r *Receiver) ServeListener(lis net.Listener) error {
	r.listener = lis
	if err := r.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("otlp: serve: %w", err)
	}
	return nil
}

// Start binds and serves in the background.
func (r *Receiver) Start() error {
	if err := r.Listen(); err != nil {
		return err
	}
	go func() {
		if err := r.Serve(); err != nil {
			r.logger.Error("serve failed", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address once started, or the configured one.
func (r *Receiver) Addr() string {
	if r.listener != nil {
		return r.listener.Addr().String()
	}
	return r.addr
}

// Stop drains in-flight exports, forcing the stop after five seconds.
func (r *Receiver) Stop() {
	r.stopOnce.Do(func() {
		done := make(chan struct{})
		go func() {
			r.server.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			r.server.Stop()
		}
	})
}

var jsonOptions = protojson.MarshalOptions{UseEnumNumbers: true}

func toRecord(m proto.Message) ingest.Record {
	data, err := jsonOptions.Marshal(m)
	if err != nil {
		return ingest.Record{Err: err}
	}
	return ingest.Record{Value: data}
}

// ingest runs the records through the pipeline and returns, per record
// index, whether it was rejected, plus the first error message.
func (r *Receiver) ingest(ctx context.Context, signal string, records []ingest.Record) (map[int]bool, string) {
	res := r.ingester.IngestRecords(ctx, ingest.SourceOTLP, records)
	if len(res.Errors) == 0 {
		r.logger.Debug("export accepted", zap.String("signal", signal), zap.Int("resources", res.ItemsAccepted))
		return nil, ""
	}
	rejected := make(map[int]bool, len(res.Errors))
	for _, e := range res.Errors {
		rejected[e.Index] = true
	}
	r.logger.Warn("export partially rejected",
		zap.String("signal", signal),
		zap.Int("received", res.ItemsReceived),
		zap.Int("accepted", res.ItemsAccepted),
		zap.String("first_error", res.Errors[0].Message))
	return rejected, res.Errors[0].Message
}

type logsService struct {
	collogs.UnimplementedLogsServiceServer
	r *Receiver
}

func (s *logsService) Export(ctx context.Context, req *collogs.ExportLogsServiceRequest) (*collogs.ExportLogsServiceResponse, error) {
	resources := req.GetResourceLogs()
	records := make([]ingest.Record, 0, len(resources))
	for _, rl := range resources {
		records = append(records, toRecord(rl))
	}

	rejected, msg := s.r.ingest(ctx, "logs", records)
	resp := &collogs.ExportLogsServiceResponse{}
	if len(rejected) == 0 {
		return resp, nil
	}
	var n int64
	for i, rl := range resources {
		if !rejected[i] {
			continue
		}
		for _, sl := range rl.GetScopeLogs() {
			n += int64(len(sl.GetLogRecords()))
		}
	}
	resp.PartialSuccess = &collogs.ExportLogsPartialSuccess{RejectedLogRecords: n, ErrorMessage: msg}
	return resp, nil
}

type traceService struct {
	coltrace.UnimplementedTraceServiceServer
	r *Receiver
}

func (s *traceService) Export(ctx context.Context, req *coltrace.ExportTraceServiceRequest) (*coltrace.ExportTraceServiceResponse, error) {
	resources := req.GetResourceSpans()
	records := make([]ingest.Record, 0, len(resources))
	for _, rs := range resources {
		records = append(records, toRecord(rs))
	}

	rejected, msg := s.r.ingest(ctx, "traces", records)
	resp := &coltrace.ExportTraceServiceResponse{}
	if len(rejected) == 0 {
		return resp, nil
	}
	var n int64
	for i, rs := range resources {
		if !rejected[i] {
			continue
		}
		for _, ss := range rs.GetScopeSpans() {
			n += int64(len(ss.GetSpans()))
		}
	}
	resp.PartialSuccess = &coltrace.ExportTracePartialSuccess{RejectedSpans: n, ErrorMessage: msg}
	return resp, nil
}

type metricsService struct {
	colmetrics.UnimplementedMetricsServiceServer
	r *Receiver
}

func (s *metricsService) Export(ctx context.Context, req *colmetrics.ExportMetricsServiceRequest) (*colmetrics.ExportMetricsServiceResponse, error) {
	resources := req.GetResourceMetrics()
	records := make([]ingest.Record, 0, len(resources))
	for _, rm := range resources {
		records = append(records, toRecord(rm))
	}

	rejected, msg := s.r.ingest(ctx, "metrics", records)
	resp := &colmetrics.ExportMetricsServiceResponse{}
	if len(rejected) == 0 {
		return resp, nil
	}
	var n int64
	for i, rm := range resources {
		if !rejected[i] {
			continue
		}
		for _, sm := range rm.GetScopeMetrics() {
			for _, m := range sm.GetMetrics() {
				n += dataPointCount(m)
			}
		}
	}
	resp.PartialSuccess = &colmetrics.ExportMetricsPartialSuccess{RejectedDataPoints: n, ErrorMessage: msg}
	return resp, nil
}

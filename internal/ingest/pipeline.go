package ingest

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/tinytelemetry/aiemu/internal/logger"
	"github.com/tinytelemetry/aiemu/internal/metrics"
	"github.com/tinytelemetry/aiemu/internal/model"
	"go.uber.org/zap"
)

// Sources recorded on envelopes.
const (
	SourceHTTP = "http"
	SourceOTLP = "otlp"
	SourceTCP  = "tcp"
)

// Config tunes a Pipeline. Zero values select defaults.
type Config struct {
	MaxDecodedBytes int64
	Logger          *zap.Logger
	Metrics         *metrics.Metrics
	Now             func() time.Time
}

// Request is one raw ingestion payload.
type Request struct {
	Body            []byte
	ContentEncoding string
	Source          string
}

// Pipeline decodes payloads, normalizes them into envelopes, appends each
// envelope to the store and then publishes it to live subscribers.
type Pipeline struct {
	decoder   *Decoder
	store     model.EnvelopeWriter
	publisher model.Publisher
	logger    *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewPipeline creates a pipeline. publisher may be nil, in which case accepted
// envelopes are only stored.
func NewPipeline(store model.EnvelopeWriter, publisher model.Publisher, cfgs ...Config) *Pipeline {
	var cfg Config
	if len(cfgs) > 0 {
		cfg = cfgs[0]
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Pipeline{
		decoder:   NewDecoder(cfg.MaxDecodedBytes),
		store:     store,
		publisher: publisher,
		logger:    logger.OrNop(cfg.Logger),
		metrics:   cfg.Metrics,
		now:       now,
	}
}

// Ingest runs a raw payload through the pipeline. A non-nil error is always a
// *DecodeError; the returned result then already describes the failure and
// nothing was stored or published.
func (p *Pipeline) Ingest(ctx context.Context, req Request) (model.IngestionResult, error) {
	records, err := p.decoder.Decode(req.Body, req.ContentEncoding)
	if err != nil {
		var de *DecodeError
		status := http.StatusBadRequest
		if errors.As(err, &de) {
			status = de.StatusCode()
		}
		p.logger.Debug("decode failed",
			zap.String("source", req.Source),
			zap.String("content_encoding", req.ContentEncoding),
			zap.Int("bytes", len(req.Body)),
			zap.Error(err))
		return model.RejectAll(status, err.Error()), err
	}
	return p.IngestRecords(ctx, req.Source, records), nil
}

// IngestRecords normalizes already parsed records and processes every item in
// payload order. Item failures are reported in the result and never stop the
// remaining items.
func (p *Pipeline) IngestRecords(ctx context.Context, source string, records []Record) model.IngestionResult {
	items := Normalize(records)
	result := model.NewIngestionResult()
	result.ItemsReceived = len(items)

	for i, item := range items {
		if item.Err != nil {
			result.Errors = append(result.Errors, model.ItemError{
				Index:      i,
				StatusCode: http.StatusBadRequest,
				Message:    item.Err.Error(),
			})
			p.metrics.AddItems(metrics.OutcomeRejected, 1)
			continue
		}

		env := item.Envelope
		env.ReceivedAt = p.now().UTC()
		env.Source = source

		start := time.Now()
		err := p.store.Append(ctx, env)
		p.metrics.ObserveAppend(time.Since(start))
		if err != nil {
			p.logger.Warn("append failed", zap.Int("index", i), zap.Error(err))
			result.Errors = append(result.Errors, model.ItemError{
				Index:      i,
				StatusCode: http.StatusInternalServerError,
				Message:    err.Error(),
			})
			p.metrics.AddItems(metrics.OutcomeStoreFailed, 1)
			continue
		}

		if p.publisher != nil {
			if err := p.publisher.Publish(ctx, env); err != nil {
				p.logger.Warn("publish failed", zap.Int("index", i), zap.Error(err))
				result.Errors = append(result.Errors, model.ItemError{
					Index:      i,
					StatusCode: http.StatusInternalServerError,
					Message:    err.Error(),
				})
				p.metrics.AddItems(metrics.OutcomePublishFailed, 1)
				continue
			}
		}

		result.ItemsAccepted++
		p.metrics.AddItems(metrics.OutcomeAccepted, 1)
	}

	if len(result.Errors) > 0 {
		p.logger.Debug("ingested with item errors",
			zap.String("source", source),
			zap.Int("received", result.ItemsReceived),
			zap.Int("accepted", result.ItemsAccepted))
	}
	return result
}

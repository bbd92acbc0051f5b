package httpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tinytelemetry/aiemu/internal/ingest"
	"github.com/tinytelemetry/aiemu/internal/model"
	"go.uber.org/zap"
)

// handleIngest reads the whole body, runs it through the pipeline and
// answers with the IngestionResult. Only a request-level decode failure
// changes the status away from 200.
func (s *Server) handleIngest(c *gin.Context) {
	start := time.Now()
	status, result := s.ingest(c)
	s.cfg.Metrics.ObserveRequest(status, time.Since(start))
	c.JSON(status, result)
}

func (s *Server) ingest(c *gin.Context) (int, model.IngestionResult) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			msg := fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit)
			return http.StatusRequestEntityTooLarge, model.RejectAll(http.StatusRequestEntityTooLarge, msg)
		}
		return http.StatusBadRequest, model.RejectAll(http.StatusBadRequest, "failed to read request body")
	}

	// The pipeline runs to completion even if the client goes away, so an
	// item is never left stored but unpublished.
	ctx := context.WithoutCancel(c.Request.Context())
	result, err := s.ingester.Ingest(ctx, ingest.Request{
		Body:            body,
		ContentEncoding: c.GetHeader("Content-Encoding"),
		Source:          ingest.SourceHTTP,
	})
	if err != nil {
		status := http.StatusBadRequest
		var de *ingest.DecodeError
		if errors.As(err, &de) {
			status = de.StatusCode()
		}
		s.logger.Info("rejected ingestion request",
			zap.String("path", c.Request.URL.Path),
			zap.String("content_encoding", c.GetHeader("Content-Encoding")),
			zap.Error(err))
		return status, result
	}
	return http.StatusOK, result
}

package errorx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/amoylab/beacon/internal/common/cnst"
)

// sentinels maps domain errors to their API shape
var sentinels = []struct {
	err error
	api *APIError
}{
	{cnst.ErrSessionNotFound, ErrSessionNotFound},
	{cnst.ErrSessionExpired, ErrSessionExpired},
	{cnst.ErrFingerprintMismatch, ErrFingerprintMismatch},
	{cnst.ErrForbiddenOrigin, ErrForbiddenOrigin},
	{cnst.ErrForbiddenNamespace, ErrForbiddenNamespace},
	{cnst.ErrInvalidScope, ErrInvalidScope},
	{cnst.ErrDuplicateConnection, ErrDuplicateConnection},
	{cnst.ErrStoreUnavailable, ErrStoreUnavailable},
}

// ErrorHandler provides unified error handling capabilities
type ErrorHandler struct {
	logger *zap.Logger
}

// NewErrorHandler creates a new error handler
func NewErrorHandler(logger *zap.Logger) *ErrorHandler {
	return &ErrorHandler{
		logger: logger,
	}
}

// HandleError converts any error to APIError and writes the JSON response
func (h *ErrorHandler) HandleError(c *gin.Context, err error) {
	if err == nil {
		return
	}

	apiErr := *h.ConvertToAPIError(err)
	apiErr.TraceID = ExtractTraceID(c)
	apiErr.Timestamp = time.Now().UTC().Format(time.RFC3339)

	h.logError(c, &apiErr, err)

	c.AbortWithStatusJSON(apiErr.HTTPStatus, gin.H{
		"error": &apiErr,
	})
}

// ConvertToAPIError converts any error to APIError
func (h *ErrorHandler) ConvertToAPIError(err error) *APIError {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	for _, s := range sentinels {
		if errors.Is(err, s.err) {
			return s.api
		}
	}

	return ErrInternalServer.WithDetail("original_error", err.Error())
}

// logError logs the error with request context, adding a stack for critical errors
func (h *ErrorHandler) logError(c *gin.Context, apiErr *APIError, originalErr error) {
	fields := []zap.Field{
		zap.String("trace_id", apiErr.TraceID),
		zap.String("error_code", apiErr.Code),
		zap.String("category", string(apiErr.Category)),
		zap.Int("http_status", apiErr.HTTPStatus),
		zap.String("path", c.Request.URL.Path),
		zap.String("method", c.Request.Method),
		zap.String("client_ip", c.ClientIP()),
	}

	if originalErr != nil && originalErr.Error() != apiErr.Message {
		fields = append(fields, zap.Error(originalErr))
	}
	if len(apiErr.Details) > 0 {
		detailsJSON, _ := json.Marshal(apiErr.Details)
		fields = append(fields, zap.String("details", string(detailsJSON)))
	}

	switch apiErr.Severity {
	case SeverityInfo:
		h.logger.Info(apiErr.Message, fields...)
	case SeverityWarning:
		h.logger.Warn(apiErr.Message, fields...)
	case SeverityCritical:
		buf := make([]byte, 1024*4)
		n := runtime.Stack(buf, false)
		h.logger.Error(apiErr.Message, append(fields, zap.String("stack_trace", string(buf[:n])))...)
	default:
		h.logger.Error(apiErr.Message, fields...)
	}
}

// ErrorMiddleware renders the last error attached with c.Error
func (h *ErrorHandler) ErrorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 && !c.Writer.Written() {
			h.HandleError(c, c.Errors.Last().Err)
		}
	}
}

// RecoveryMiddleware returns a gin middleware for panic recovery
func (h *ErrorHandler) RecoveryMiddleware() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, err any) {
		h.HandleError(c, ErrInternalServer.WithDetail("panic", fmt.Sprintf("%v", err)))
	})
}

// ValidationError creates a validation error with details
func ValidationError(field string, reason string) *APIError {
	return ErrInvalidInput.WithDetail("field", field).WithDetail("reason", reason)
}

// ExtractTraceID prefers the active span, then the X-Trace-Id header, then a new id
func ExtractTraceID(c *gin.Context) string {
	if traceID := c.GetString("trace_id"); traceID != "" {
		return traceID
	}
	if sc := trace.SpanContextFromContext(c.Request.Context()); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	if traceID := c.GetHeader("X-Trace-Id"); traceID != "" {
		return traceID
	}

	traceID := uuid.New().String()
	c.Set("trace_id", traceID)
	return traceID
}

// Status returns the HTTP status an error would be rendered with
func Status(err error) int {
	if err == nil {
		return http.StatusOK
	}
	return (&ErrorHandler{}).ConvertToAPIError(err).HTTPStatus
}

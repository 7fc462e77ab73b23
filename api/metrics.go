package api

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	statusRoute       = "/api/orders/:id/status"
	statusSpanName    = "orders.status.update"
	statusEventName   = "orders.status.request"
	statusEventDomain = "order_stream"
	tracerName        = "order-stream/api"
)

// statusRequestMetrics collects per-request timings for the status
// update route and flushes them as one structured log entry plus an
// otel span on completion.
type statusRequestMetrics struct {
	logger *log.Logger
	span   trace.Span
	start  time.Time

	authDuration   time.Duration
	commitDuration time.Duration
	encodeDuration time.Duration
	targetStatus   string
	duplicate      bool
	errorStage     string
}

func newStatusRequestMetrics(ctx context.Context, logger *log.Logger) (*statusRequestMetrics, context.Context) {
	m := &statusRequestMetrics{
		logger: logger,
		start:  time.Now(),
	}

	tracer := otel.GetTracerProvider().Tracer(tracerName)
	spanCtx, span := tracer.Start(ctx, statusSpanName, trace.WithSpanKind(trace.SpanKindServer))
	m.span = span
	return m, spanCtx
}

func (m *statusRequestMetrics) ObserveAuth(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.authDuration = duration
}

func (m *statusRequestMetrics) ObserveCommit(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.commitDuration = duration
}

func (m *statusRequestMetrics) ObserveEncode(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.encodeDuration = duration
}

func (m *statusRequestMetrics) SetTargetStatus(status string) {
	m.targetStatus = status
}

func (m *statusRequestMetrics) SetDuplicate(dup bool) {
	m.duplicate = dup
}

func (m *statusRequestMetrics) SetErrorStage(stage string) {
	if stage == "" {
		return
	}
	m.errorStage = stage
}

// Log closes the span and emits the observability event. Safe to call
// on a nil receiver.
func (m *statusRequestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}

	totalMs := durationToMillis(time.Since(m.start))
	severityText, severityNumber := severityForStatus(status, err)

	attrs := []attribute.KeyValue{
		attribute.String("event.name", statusEventName),
		attribute.String("event.domain", statusEventDomain),
		attribute.String("http.route", statusRoute),
		attribute.Int("http.status_code", status),
		attribute.String("severity_text", severityText),
		attribute.Int("severity_number", severityNumber),
		attribute.Float64("orders.status.total_ms", totalMs),
		attribute.String("orders.status.target", m.targetStatus),
		attribute.Bool("orders.status.duplicate", m.duplicate),
	}
	if m.authDuration > 0 {
		attrs = append(attrs, attribute.Float64("orders.status.auth_ms", durationToMillis(m.authDuration)))
	}
	if m.commitDuration > 0 {
		attrs = append(attrs, attribute.Float64("orders.status.commit_ms", durationToMillis(m.commitDuration)))
	}
	if m.encodeDuration > 0 {
		attrs = append(attrs, attribute.Float64("orders.status.encode_ms", durationToMillis(m.encodeDuration)))
	}
	if m.errorStage != "" {
		attrs = append(attrs, attribute.String("orders.status.error_stage", m.errorStage))
	}
	if err != nil {
		attrs = append(attrs, attribute.String("error.message", err.Error()))
	}

	if m.span != nil {
		m.span.SetAttributes(
			attribute.String("http.route", statusRoute),
			attribute.Int("http.status_code", status),
		)
		if m.errorStage != "" {
			m.span.SetAttributes(attribute.String("orders.status.error_stage", m.errorStage))
		}
		m.span.AddEvent("observability.event", trace.WithAttributes(attrs...))
		if err != nil || status >= http.StatusInternalServerError {
			desc := http.StatusText(status)
			if err != nil {
				desc = err.Error()
			}
			m.span.SetStatus(codes.Error, desc)
		} else {
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.End()
	}

	if m.logger == nil {
		return
	}

	fields := log.Fields{
		"event.name":      statusEventName,
		"event.domain":    statusEventDomain,
		"severity_text":   severityText,
		"severity_number": severityNumber,
	}
	attrMap := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		attrMap[string(kv.Key)] = kv.Value.AsInterface()
	}
	fields["attributes"] = attrMap
	if m.span != nil {
		if sc := m.span.SpanContext(); sc.HasTraceID() {
			fields["trace_id"] = sc.TraceID().String()
		}
	}
	if err != nil {
		fields["error"] = err.Error()
	}

	m.logger.WithFields(fields).Info("observability.event")
}

func severityForStatus(status int, err error) (string, int) {
	switch {
	case err != nil || status >= http.StatusInternalServerError:
		return "ERROR", 17
	case status >= http.StatusBadRequest:
		return "WARN", 13
	default:
		return "INFO", 9
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	boardEventName   = "prism.board.request"
	boardEventDomain = "prism.board"
	boardSpanName    = "board.request"
	tracerName       = "prism-board/api"
	metricsKey       = "board.metrics"
)

type boardRequestMetrics struct {
	logger     *log.Logger
	span       trace.Span
	start      time.Time
	route      string
	method     string
	projectID  string
	userID     string
	authDur    time.Duration
	serviceDur time.Duration
	replayed   bool
	errorStage string
	err        error
}

func newBoardRequestMetrics(ctx context.Context, logger *log.Logger, method, route string) (*boardRequestMetrics, context.Context) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, boardSpanName, trace.WithSpanKind(trace.SpanKindServer))
	return &boardRequestMetrics{
		logger: logger,
		span:   span,
		start:  time.Now(),
		route:  route,
		method: method,
	}, ctx
}

func (m *boardRequestMetrics) ObserveAuth(d time.Duration) {
	if m != nil && d > 0 {
		m.authDur = d
	}
}

func (m *boardRequestMetrics) ObserveService(d time.Duration) {
	if m != nil && d > 0 {
		m.serviceDur = d
	}
}

func (m *boardRequestMetrics) SetProject(id string) {
	if m != nil {
		m.projectID = id
	}
}

func (m *boardRequestMetrics) SetUser(id string) {
	if m != nil {
		m.userID = id
	}
}

func (m *boardRequestMetrics) SetReplayed() {
	if m != nil {
		m.replayed = true
	}
}

// Fail records the stage and error behind an error response.
func (m *boardRequestMetrics) Fail(stage string, err error) {
	if m == nil {
		return
	}
	if stage != "" {
		m.errorStage = stage
	}
	if err != nil {
		m.err = err
	}
}

// Log ends the span and writes one observability.event entry.
func (m *boardRequestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	if err == nil {
		err = m.err
	}
	total := durationToMillis(time.Since(m.start))
	severityText, severityNumber := severityForStatus(status, err)

	attrs := map[string]any{
		"http.route":             m.route,
		"http.method":            m.method,
		"http.status_code":       status,
		"prism.board.total_ms":   total,
		"prism.board.replayed":   m.replayed,
		"prism.board.auth_ms":    durationToMillis(m.authDur),
		"prism.board.service_ms": durationToMillis(m.serviceDur),
	}
	spanAttrs := []attribute.KeyValue{
		attribute.String("http.route", m.route),
		attribute.String("http.method", m.method),
		attribute.Int("http.status_code", status),
		attribute.Bool("prism.board.replayed", m.replayed),
	}
	eventAttrs := []attribute.KeyValue{
		attribute.String("event.name", boardEventName),
		attribute.String("event.domain", boardEventDomain),
		attribute.String("severity_text", severityText),
		attribute.Int("severity_number", severityNumber),
		attribute.Float64("prism.board.total_ms", total),
	}
	if m.projectID != "" {
		attrs["prism.board.project_id"] = m.projectID
		spanAttrs = append(spanAttrs, attribute.String("prism.board.project_id", m.projectID))
	}
	if m.userID != "" {
		attrs["enduser.id"] = m.userID
		spanAttrs = append(spanAttrs, attribute.String("enduser.id", m.userID))
	}
	if m.errorStage != "" {
		attrs["prism.board.error_stage"] = m.errorStage
		spanAttrs = append(spanAttrs, attribute.String("prism.board.error_stage", m.errorStage))
		eventAttrs = append(eventAttrs, attribute.String("prism.board.error_stage", m.errorStage))
	}
	if err != nil {
		attrs["error.message"] = err.Error()
		eventAttrs = append(eventAttrs, attribute.String("error.message", err.Error()))
	}

	m.span.SetAttributes(spanAttrs...)
	m.span.AddEvent("observability.event", trace.WithAttributes(eventAttrs...))
	if severityNumber >= 17 {
		desc := http.StatusText(status)
		if err != nil {
			desc = err.Error()
		}
		m.span.SetStatus(codes.Error, desc)
	} else {
		m.span.SetStatus(codes.Ok, "")
	}
	sc := m.span.SpanContext()
	m.span.End()

	if m.logger == nil {
		return
	}
	fields := log.Fields{
		"event.name":      boardEventName,
		"event.domain":    boardEventDomain,
		"attributes":      attrs,
		"severity_text":   severityText,
		"severity_number": severityNumber,
	}
	if sc.HasTraceID() {
		fields["trace_id"] = sc.TraceID().String()
		fields["span_id"] = sc.SpanID().String()
	}
	m.logger.WithFields(fields).Log(levelForSeverity(severityNumber), "observability.event")
}

// severityForStatus maps a response onto OpenTelemetry log severities.
func severityForStatus(status int, err error) (string, int) {
	switch {
	case status >= 500:
		return "ERROR", 17
	case status >= 400:
		return "WARN", 13
	case err != nil:
		return "ERROR", 17
	}
	return "INFO", 9
}

func levelForSeverity(n int) log.Level {
	switch {
	case n >= 17:
		return log.ErrorLevel
	case n >= 13:
		return log.WarnLevel
	}
	return log.InfoLevel
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}

// ObserveRequests starts request metrics for every route and logs them when
// the handler returns.
func ObserveRequests(logger *log.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			req := c.Request()
			m, ctx := newBoardRequestMetrics(req.Context(), logger, req.Method, c.Path())
			c.SetRequest(req.WithContext(ctx))
			c.Set(metricsKey, m)
			defer func() {
				status := c.Response().Status
				if he, ok := err.(*echo.HTTPError); ok && !c.Response().Committed {
					status = he.Code
				}
				m.Log(status, err)
			}()
			return next(c)
		}
	}
}

func metricsFrom(c echo.Context) *boardRequestMetrics {
	m, _ := c.Get(metricsKey).(*boardRequestMetrics)
	return m
}

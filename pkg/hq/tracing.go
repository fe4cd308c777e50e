package hq

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// TracingConfig defines the configuration options for the OpenTelemetry tracing middleware.
type TracingConfig struct {
	// TracerName is the name of the tracer (default: "hqsession")
	TracerName string
	// TracerProvider creates the tracer (default: the global provider)
	TracerProvider trace.TracerProvider
	// Propagator injects the span context into request headers (default: TraceContext)
	Propagator propagation.TextMapPropagator
}

// DefaultTracingConfig returns a TracingConfig with sensible defaults.
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		TracerName: "hqsession",
		Propagator: propagation.TraceContext{},
	}
}

// Tracing returns a middleware that records one client span per transaction.
func Tracing() Middleware {
	return TracingWithConfig(DefaultTracingConfig())
}

// TracingWithConfig returns a middleware that adds OpenTelemetry tracing with
// custom configuration. The span starts when the transaction opens and ends
// when it detaches.
func TracingWithConfig(config TracingConfig) Middleware {
	if config.TracerName == "" {
		config.TracerName = "hqsession"
	}
	if config.TracerProvider == nil {
		config.TracerProvider = otel.GetTracerProvider()
	}
	if config.Propagator == nil {
		config.Propagator = propagation.TraceContext{}
	}
	tracer := config.TracerProvider.Tracer(config.TracerName)

	return func(next Handler) Handler {
		return &tracingHandler{
			handlerWrapper: handlerWrapper{next: next},
			tracer:         tracer,
			propagator:     config.Propagator,
		}
	}
}

type tracingHandler struct {
	handlerWrapper
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator

	span   trace.Span
	status int
	failed bool
}

func (h *tracingHandler) SetTransaction(tr *Transaction) {
	ctx, span := h.tracer.Start(
		tr.Context(),
		"HQ "+tr.Session().Variant().String(),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	h.span = span
	tr.SetContext(ctx)

	span.SetAttributes(
		attribute.Int64("hq.stream_id", int64(tr.ID())),
		attribute.String("hq.session_id", tr.Session().ID()),
		attribute.String("network.protocol.name", tr.Session().Variant().String()),
	)

	tr.addSendHook(func(msg *Message) {
		span.SetName(msg.Method + " " + msg.Path)
		span.SetAttributes(
			attribute.String("http.method", msg.Method),
			attribute.String("http.target", msg.Path),
			attribute.String("http.scheme", msg.Scheme),
			attribute.String("http.host", msg.Authority),
		)
		h.propagator.Inject(ctx, &headerCarrier{headers: &msg.Header})
	})
	h.next.SetTransaction(tr)
}

func (h *tracingHandler) OnHeadersComplete(msg *Message) {
	h.span.AddEvent("headers", trace.WithAttributes(attribute.Int("http.status_code", msg.Status)))
	if !msg.IsInformational() {
		h.status = msg.Status
		h.span.SetAttributes(attribute.Int("http.status_code", msg.Status))
	}
	h.next.OnHeadersComplete(msg)
}

func (h *tracingHandler) OnEOM() {
	h.span.AddEvent("eom")
	h.next.OnEOM()
}

func (h *tracingHandler) OnGoaway(lastStreamID uint64) {
	h.span.AddEvent("goaway", trace.WithAttributes(attribute.Int64("hq.last_stream_id", int64(lastStreamID))))
	h.next.OnGoaway(lastStreamID)
}

func (h *tracingHandler) OnError(err *Error) {
	h.failed = true
	h.span.RecordError(err)
	h.span.SetAttributes(attribute.String("hq.error_kind", err.Kind.String()))
	h.span.SetStatus(codes.Error, err.Error())
	h.next.OnError(err)
}

func (h *tracingHandler) OnDetachTransaction() {
	switch {
	case h.failed:
	case h.status >= 400:
		h.span.SetStatus(codes.Error, "HTTP error")
	case h.status == 0:
		h.span.SetStatus(codes.Error, "no response")
	default:
		h.span.SetStatus(codes.Ok, "")
	}
	h.span.End()
	h.next.OnDetachTransaction()
}

// headerCarrier adapts a Header to propagation.TextMapCarrier.
type headerCarrier struct {
	headers *Header
}

func (hc *headerCarrier) Get(key string) string {
	return hc.headers.Get(key)
}

func (hc *headerCarrier) Set(key, value string) {
	hc.headers.Set(key, value)
}

func (hc *headerCarrier) Keys() []string {
	keys := make([]string, 0, len(*hc.headers))
	for _, h := range *hc.headers {
		keys = append(keys, h[0])
	}
	return keys
}

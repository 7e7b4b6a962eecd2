package trace

import (
	"context"
	"sync"

	otelAPI "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelTrace "go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/ShayCichocki/hive"

// OTelOption configures an OTelSink.
type OTelOption func(*OTelSink)

// WithTracerProvider sets an explicit TracerProvider.
// If not set, the global TracerProvider is used.
func WithTracerProvider(tp otelTrace.TracerProvider) OTelOption {
	return func(s *OTelSink) {
		s.tracerProvider = tp
	}
}

// OTelSink mirrors trace records onto OpenTelemetry: one span per run,
// one span event per record. The span ends with the run.end record.
type OTelSink struct {
	tracerProvider otelTrace.TracerProvider
	tracer         otelTrace.Tracer

	mu    sync.Mutex
	spans map[string]otelTrace.Span
}

// NewOTelSink creates a sink.
func NewOTelSink(opts ...OTelOption) *OTelSink {
	s := &OTelSink{spans: make(map[string]otelTrace.Span)}
	for _, opt := range opts {
		opt(s)
	}
	if s.tracerProvider == nil {
		s.tracerProvider = otelAPI.GetTracerProvider()
	}
	s.tracer = s.tracerProvider.Tracer(tracerName)
	return s
}

// Append implements Sink.
func (s *OTelSink) Append(runID string, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	span, ok := s.spans[runID]
	if !ok {
		_, span = s.tracer.Start(context.Background(), "run",
			otelTrace.WithSpanKind(otelTrace.SpanKindInternal),
			otelTrace.WithAttributes(attribute.String("hive.run_id", runID)),
		)
		s.spans[runID] = span
	}

	span.AddEvent(string(rec.Kind), otelTrace.WithAttributes(
		attribute.Int64("trace.ordinal", rec.Ordinal),
		attribute.String("trace.payload", string(rec.Payload)),
	))

	if rec.Kind == KindRunEnd {
		var end struct {
			Phase string `json:"phase"`
			Error string `json:"error"`
		}
		if err := rec.Decode(&end); err == nil {
			span.SetAttributes(attribute.String("hive.phase", end.Phase))
			if end.Error != "" {
				span.SetStatus(codes.Error, end.Error)
			}
		}
		span.End()
		delete(s.spans, runID)
	}
	return nil
}

// Close ends spans of runs that never recorded run.end.
func (s *OTelSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, span := range s.spans {
		span.End()
		delete(s.spans, id)
	}
}

// Package trace owns the process tracer provider. When tracing is disabled
// StartSpan hands back the caller's span so call sites need no guards.
package trace

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const serviceName = "llm-trading-arena"

type Options struct {
	Enabled bool
	// Output receives pretty-printed spans; nil means stdout.
	Output io.Writer
	// SampleRatio in (0,1]; root spans outside the ratio are dropped.
	SampleRatio float64
	Version     string
}

var (
	mu       sync.RWMutex
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
	closer   io.Closer
)

// OptionsFromEnv reads LOG_TRACING_ENABLED, TRACE_OUTPUT and TRACE_SAMPLE_RATIO.
func OptionsFromEnv() (Options, error) {
	o := Options{
		Enabled:     os.Getenv("LOG_TRACING_ENABLED") != "false",
		SampleRatio: 1,
		Version:     "1.0.0",
	}
	if v := os.Getenv("TRACE_SAMPLE_RATIO"); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil || r <= 0 || r > 1 {
			return o, fmt.Errorf("TRACE_SAMPLE_RATIO %q: want a ratio in (0,1]", v)
		}
		o.SampleRatio = r
	}
	return o, nil
}

// Init configures tracing from the environment.
func Init() error {
	o, err := OptionsFromEnv()
	if err != nil {
		return err
	}
	if p := os.Getenv("TRACE_OUTPUT"); p != "" && o.Enabled {
		f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		o.Output = f
		mu.Lock()
		closer = f
		mu.Unlock()
	}
	return InitWithOptions(o)
}

func InitWithOptions(o Options) error {
	if !o.Enabled {
		return nil
	}
	exporterOpts := []stdouttrace.Option{stdouttrace.WithPrettyPrint()}
	if o.Output != nil {
		exporterOpts = append(exporterOpts, stdouttrace.WithWriter(o.Output))
	}
	exporter, err := stdouttrace.New(exporterOpts...)
	if err != nil {
		return err
	}
	res, err := resource.New(context.Background(), resource.WithAttributes(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(o.Version),
	))
	if err != nil {
		return err
	}
	ratio := o.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)
	otel.SetTracerProvider(tp)

	mu.Lock()
	defer mu.Unlock()
	provider = tp
	tracer = tp.Tracer(serviceName)
	return nil
}

// Shutdown flushes pending spans and disables tracing.
func Shutdown(ctx context.Context) error {
	mu.Lock()
	tp, c := provider, closer
	provider, tracer, closer = nil, nil, nil
	mu.Unlock()

	var err error
	if tp != nil {
		err = tp.Shutdown(ctx)
	}
	if c != nil {
		_ = c.Close()
	}
	return err
}

func StartSpan(ctx context.Context, spanName string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	mu.RLock()
	t := tracer
	mu.RUnlock()
	if t == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.Start(ctx, spanName, opts...)
}

func Enabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return tracer != nil
}

// GetTraceFields returns the hex ids of the span in ctx, if it is recording.
func GetTraceFields(ctx context.Context) (traceID, spanID string, ok bool) {
	if !Enabled() {
		return "", "", false
	}
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return "", "", false
	}
	return sc.TraceID().String(), sc.SpanID().String(), true
}

// Package dtrace wraps the OpenTelemetry tracing API
// so that the rest of the module only imports one package for spans.
package dtrace

import (
	"net/netip"

	otelattr "go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	otpnoop "go.opentelemetry.io/otel/trace/noop"
)

// TracerName is the instrumentation name for tracers created by this module.
const TracerName = "github.com/gordian-engine/drift"

type TracerProvider = oteltrace.TracerProvider

type Tracer = oteltrace.Tracer

type Span = oteltrace.Span

type KeyValueAttr = otelattr.KeyValue

// NopTracerProvider returns the otel no-op tracer provider.
// This is intended to use as a fallback when a nil tracer provider is given.
func NopTracerProvider() TracerProvider {
	return otpnoop.NewTracerProvider()
}

// TracerFrom returns the module's tracer from tp,
// falling back to a no-op tracer when tp is nil.
func TracerFrom(tp TracerProvider) Tracer {
	if tp == nil {
		tp = NopTracerProvider()
	}
	return tp.Tracer(TracerName)
}

// WithAttributes is an alias to [oteltrace.WithAttributes]
// to allow consumers to only reference the dtrace package.
func WithAttributes(attrs ...KeyValueAttr) oteltrace.SpanStartEventOption {
	return oteltrace.WithAttributes(attrs...)
}

// SpanError sets the given span to error status,
// with detail from err.Error().
func SpanError(span oteltrace.Span, err error) {
	span.SetStatus(otelcodes.Error, err.Error())
}

// AddrPortAttr returns an attribute whose value is only formatted
// if the span is sampled.
func AddrPortAttr(key string, ap netip.AddrPort) KeyValueAttr {
	return otelattr.Stringer(key, ap)
}

func HostAttr(host string) KeyValueAttr {
	return otelattr.String("drift.remote.host", host)
}

func PeerAttr(peer int) KeyValueAttr {
	return otelattr.Int("drift.peer", peer)
}

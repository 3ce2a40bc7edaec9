// Package telemetry traces fragment claims and processing with
// OpenTelemetry.
//
// InitProvider wires an OTLP exporter (gRPC or HTTP) and installs the
// resulting Tracer as the package global. Code that never calls it gets a
// no-op Tracer from GetTracer.
package telemetry

// Package telemetry wires OpenTelemetry tracing and metrics for cognitd.
//
// Spans and metrics are exported over OTLP (grpc or http/protobuf) to a
// collector. Export is disabled by default; services obtain tracers and
// meters from the global providers, which New installs when enabled.
//
//	telemetry:
//	  enabled: true
//	  endpoint: "localhost:4317"
//	  sampling:
//	    rate: 1.0
//	  metrics:
//	    export_interval: "15s"
//
// A provider that fails to build marks the instance degraded instead of
// failing startup. Health reports the reasons.
//
// Tests use NewTestTelemetry, which records spans and metrics in memory.
package telemetry

// Package telemetry wraps OpenTelemetry SDK initialization, giving the
// gateway a centralized TracerProvider and MeterProvider configuration.
// When telemetry is disabled it falls back to the no-op implementation
// and never dials an external collector.
package telemetry

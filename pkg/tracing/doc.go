// Package tracing integrates OpenTelemetry with the signoff engine. The
// instrumentation lives in its own package so that applications which do not
// need tracing never pull in the OpenTelemetry SDK.
//
// Call Init (or InitWithExporter) once at startup, then pass NewObserver()
// to the engine configuration alongside any other observers.
package tracing

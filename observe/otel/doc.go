// Package otel reserves the OpenTelemetry observer integration.
package otel

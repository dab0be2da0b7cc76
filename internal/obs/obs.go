// Copyright (c) 2024 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package obs provides the node process's ambient logging and tracing.
// Diagnostics always go to stderr as structured JSON: a Maelstrom node's
// stdout must carry nothing but protocol envelopes.
package obs

import (
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Logger returns a JSON logger for the named component, writing to
// stderr.
func Logger(name string) *slog.Logger {
	h := slog.NewJSONHandler(os.Stderr, nil)
	return slog.New(h).With(slog.String("component", name))
}

// Tracer returns a tracer for the named component. No SDK or exporter is
// configured, so this resolves to the global no-op TracerProvider;
// dispatch spans exist as an instrumentation seam rather than a
// currently-exported signal, since the workbench accepts no flags or
// environment variables to configure an OTLP endpoint.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

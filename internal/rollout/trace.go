// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rollout

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// FileTracer returns a tracer that exports every finished span as JSON to the
// file at path, along with a function that flushes the spans and closes the
// file.
func FileTracer(path string) (trace.Tracer, func() error, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create trace file: %w", err)
	}
	tracer, shutdown, err := writerTracer(f)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return tracer, func() error {
		err := shutdown()
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		return err
	}, nil
}

// writerTracer returns a tracer that exports finished spans to w.
func writerTracer(w io.Writer) (trace.Tracer, func() error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, nil, fmt.Errorf("create trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	return tp.Tracer(tracerName), func() error {
		return tp.Shutdown(context.Background())
	}, nil
}

const tracerName = "github.com/ServiceWeaver/weaver-shift/internal/rollout"

// noopTracer returns a tracer that drops every span.
func noopTracer() trace.Tracer {
	return trace.NewNoopTracerProvider().Tracer(tracerName)
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability sets up tracing and OTel metrics for the process.
//
// # Description
//
// Prometheus metrics declared with promauto across the service packages are
// served by /metrics directly. OTel instruments (delivery latency) are
// bridged into the same registry by the OTel Prometheus exporter, or
// printed periodically when the stdout exporter is selected. Traces go to
// stdout or to an OTLP collector over gRPC.
package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Shutdown flushes and stops a provider.
type Shutdown func(context.Context) error

func noop(context.Context) error { return nil }

func serviceResource(ctx context.Context, service string) (*resource.Resource, error) {
	return resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String(service)))
}

// InitTracer installs the global tracer provider.
//
// # Inputs
//
//   - mode: "none", "stdout" or "otlp".
//   - endpoint: Collector address for "otlp".
//   - out: Destination for "stdout"; nil means os.Stdout.
//
// # Outputs
//
//   - Shutdown: Flushes pending spans. Never nil.
func InitTracer(ctx context.Context, service, mode, endpoint string, out io.Writer) (Shutdown, error) {
	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	switch mode {
	case "", "none":
		return noop, nil
	case "stdout":
		if out == nil {
			out = os.Stdout
		}
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(out))
	case "otlp":
		var conn *grpc.ClientConn
		conn, err = grpc.NewClient(endpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err != nil {
			return noop, fmt.Errorf("dial collector: %w", err)
		}
		exporter, err = otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	default:
		return noop, fmt.Errorf("unknown tracing mode %q", mode)
	}
	if err != nil {
		return noop, fmt.Errorf("create trace exporter: %w", err)
	}
	res, err := serviceResource(ctx, service)
	if err != nil {
		return noop, err
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))
	return provider.Shutdown, nil
}

// InitMeter installs the global meter provider.
//
// # Inputs
//
//   - mode: "prometheus" registers the OTel instruments with reg;
//     "stdout" prints them to out every interval.
func InitMeter(ctx context.Context, service, mode string, reg prometheus.Registerer, out io.Writer, interval time.Duration) (Shutdown, error) {
	var reader sdkmetric.Reader
	switch mode {
	case "", "prometheus":
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
		if err != nil {
			return noop, fmt.Errorf("create prometheus exporter: %w", err)
		}
		reader = exporter
	case "stdout":
		if out == nil {
			out = os.Stdout
		}
		exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(out))
		if err != nil {
			return noop, fmt.Errorf("create stdout metric exporter: %w", err)
		}
		if interval <= 0 {
			interval = time.Minute
		}
		reader = sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))
	default:
		return noop, errors.New("unknown metrics mode " + mode)
	}
	res, err := serviceResource(ctx, service)
	if err != nil {
		return noop, err
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(provider)
	return provider.Shutdown, nil
}

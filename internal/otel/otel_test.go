package otel_test

import (
	"context"
	"testing"

	"github.com/mindloom/mindloom/internal/otel"
)

func TestInitDisabledIsNoop(t *testing.T) {
	p, err := otel.Init(context.Background(), otel.Config{Enabled: false})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if p.Tracer == nil || p.Meter == nil {
		t.Fatal("disabled provider must still expose tracer and meter")
	}
	_, span := p.Tracer.Start(context.Background(), "noop")
	span.End()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitStdoutExporter(t *testing.T) {
	p, err := otel.Init(context.Background(), otel.Config{Enabled: true, Exporter: "stdout"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitRejectsUnknownExporter(t *testing.T) {
	if _, err := otel.Init(context.Background(), otel.Config{Enabled: true, Exporter: "carrier-pigeon"}); err == nil {
		t.Fatal("unknown exporter should error")
	}
}

func TestNewMetrics(t *testing.T) {
	p, err := otel.Init(context.Background(), otel.Config{Enabled: false})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	m, err := otel.NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	if m.IterationDuration == nil || m.TasksQueued == nil {
		t.Fatal("instruments missing")
	}
	m.TasksQueued.Add(context.Background(), 1)
}

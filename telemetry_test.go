package blobkv

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"pkt.systems/blobkv/internal/kv"
)

func TestResolveOTLPTarget(t *testing.T) {
	cases := []struct {
		raw  string
		want otlpTarget
	}{
		{"collector", otlpTarget{protocol: "grpc", endpoint: "collector:4317", insecure: true}},
		{"collector:9999", otlpTarget{protocol: "grpc", endpoint: "collector:9999", insecure: true}},
		{"grpcs://otel.example.com", otlpTarget{protocol: "grpc", endpoint: "otel.example.com:4317"}},
		{"http://localhost/v1/traces/", otlpTarget{protocol: "http", endpoint: "localhost:4318", path: "/v1/traces", insecure: true}},
		{"https://otel.example.com:443", otlpTarget{protocol: "http", endpoint: "otel.example.com:443"}},
	}
	for _, tc := range cases {
		got, err := resolveOTLPTarget(tc.raw)
		if err != nil {
			t.Fatalf("%s: %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("%s: got %+v want %+v", tc.raw, got, tc.want)
		}
	}
	for _, bad := range []string{"", "ftp://x", "http://"} {
		if _, err := resolveOTLPTarget(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestStartTelemetryDisabled(t *testing.T) {
	tel, err := StartTelemetry(context.Background(), Config{}, nil)
	if err != nil || tel != nil {
		t.Fatalf("expected disabled telemetry, got %v %v", tel, err)
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("nil shutdown: %v", err)
	}
	if _, err := StartTelemetry(context.Background(), Config{RuntimeMetrics: true}, nil); err == nil {
		t.Fatalf("expected runtime metrics error")
	}
}

func TestStartTelemetryServesStoreMetrics(t *testing.T) {
	ctx := context.Background()
	tel, err := StartTelemetry(ctx, Config{MetricsListen: "127.0.0.1:0"}, nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer tel.Shutdown(ctx)

	store, err := OpenStore(ctx, Config{Store: "mem://"}, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := store.PutString(ctx, "k", "v", kv.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}

	resp, err := http.Get("http://" + tel.MetricsAddr().String() + "/metrics")
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "blobkv_kv_ops") {
		t.Fatalf("store metrics missing from scrape:\n%s", body)
	}
}

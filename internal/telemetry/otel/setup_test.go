package otel

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

func testOptions(endpoint string) Options {
	return Options{Endpoint: endpoint, ServiceName: "test-service"}
}

func TestNewProviders_EmptyEndpoint(t *testing.T) {
	ctx := context.Background()
	for _, endpoint := range []string{"", "   "} {
		providers, err := NewProviders(ctx, testOptions(endpoint))
		if err != nil {
			t.Fatalf("NewProviders(%q): %v", endpoint, err)
		}
		if providers.TracerProvider == nil || providers.MeterProvider == nil || providers.LoggerProvider == nil {
			t.Fatal("providers should not be nil")
		}
		if err := providers.Shutdown(ctx); err != nil {
			t.Errorf("shutdown should be no-op for empty endpoint, got error: %v", err)
		}
	}
}

func TestNewProviders_ResourceAttributes(t *testing.T) {
	providers, err := NewProviders(context.Background(), Options{
		ServiceName:    "marketplace-auth",
		ServiceVersion: "1.4.2",
		Environment:    "staging",
		InstanceID:     "auth-7f9c",
	})
	if err != nil {
		t.Fatalf("NewProviders: %v", err)
	}
	set := providers.Resource.Set()
	want := map[attribute.Key]string{
		semconv.ServiceNameKey:               "marketplace-auth",
		semconv.ServiceNamespaceKey:          ServiceNamespace,
		semconv.ServiceVersionKey:            "1.4.2",
		semconv.DeploymentEnvironmentNameKey: "staging",
		semconv.ServiceInstanceIDKey:         "auth-7f9c",
	}
	for k, v := range want {
		got, ok := set.Value(k)
		if !ok || got.AsString() != v {
			t.Errorf("resource %s = %q (present %v), want %q", k, got.AsString(), ok, v)
		}
	}
}

func TestNewProviders_OptionalAttributesOmitted(t *testing.T) {
	providers, err := NewProviders(context.Background(), testOptions(""))
	if err != nil {
		t.Fatalf("NewProviders: %v", err)
	}
	set := providers.Resource.Set()
	if _, ok := set.Value(semconv.DeploymentEnvironmentNameKey); ok {
		t.Error("deployment environment should be absent when not configured")
	}
	if _, ok := set.Value(semconv.ServiceInstanceIDKey); ok {
		t.Error("instance id should be absent when not configured")
	}
}

func TestCollectorTarget(t *testing.T) {
	tests := []struct {
		endpoint     string
		wantTarget   string
		wantInsecure bool
		wantErr      bool
	}{
		{endpoint: "localhost:4317", wantTarget: "localhost:4317", wantInsecure: true},
		{endpoint: "http://collector:4317/v1/traces", wantTarget: "collector:4317", wantInsecure: true},
		{endpoint: "https://collector.internal:4317", wantTarget: "collector.internal:4317"},
		{endpoint: " otel:4317 ", wantTarget: "otel:4317", wantInsecure: true},
		{endpoint: "://invalid", wantErr: true},
		{endpoint: "http://[invalid", wantErr: true},
		{endpoint: "http://", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			target, insecure, err := collectorTarget(tt.endpoint)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("collectorTarget(%q) should return error", tt.endpoint)
				}
				return
			}
			if err != nil {
				t.Fatalf("collectorTarget(%q): %v", tt.endpoint, err)
			}
			if target != tt.wantTarget || insecure != tt.wantInsecure {
				t.Errorf("collectorTarget(%q) = %q, %v; want %q, %v", tt.endpoint, target, insecure, tt.wantTarget, tt.wantInsecure)
			}
		})
	}
}

func TestNewProviders_InvalidURL(t *testing.T) {
	ctx := context.Background()
	for _, endpoint := range []string{"://invalid", "http://[invalid", "http://"} {
		if _, err := NewProviders(ctx, testOptions(endpoint)); err == nil {
			t.Errorf("NewProviders(%q) should return error", endpoint)
		}
	}
}

func TestNewProviders_LazyExporters(t *testing.T) {
	// gRPC exporters dial lazily, so construction succeeds without a collector.
	ctx := context.Background()
	opts := testOptions("localhost:4317/v1/traces")
	opts.Insecure = true
	providers, err := NewProviders(ctx, opts)
	if err != nil {
		t.Skipf("exporter construction failed in this environment: %v", err)
	}
	if providers.TracerProvider == nil {
		t.Fatal("TracerProvider should not be nil")
	}
}

func TestShutdownStack_ReverseOrderJoinsErrors(t *testing.T) {
	var order []int
	errBoom := errors.New("boom")
	var stack shutdownStack
	for i := 1; i <= 3; i++ {
		i := i
		stack.push(func(context.Context) error {
			order = append(order, i)
			if i == 2 {
				return errBoom
			}
			return nil
		})
	}
	err := stack.shutdown(context.Background())
	if !errors.Is(err, errBoom) {
		t.Errorf("shutdown error = %v, want wrapping %v", err, errBoom)
	}
	if len(order) != 3 || order[0] != 3 || order[2] != 1 {
		t.Errorf("shutdown order = %v, want [3 2 1]", order)
	}
}

func TestSetGlobal_WithProviders(t *testing.T) {
	providers, err := NewProviders(context.Background(), testOptions(""))
	if err != nil {
		t.Fatalf("NewProviders: %v", err)
	}
	old := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(old) })

	providers.SetGlobal()
	if otel.GetTracerProvider() != providers.TracerProvider {
		t.Error("global TracerProvider should be updated")
	}
}

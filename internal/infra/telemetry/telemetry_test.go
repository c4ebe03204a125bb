package telemetry

import (
	"context"
	"testing"
)

func TestDisabledProviderFallsBackToGlobalMeter(t *testing.T) {
	provider, err := NewProvider(context.Background(), Config{Environment: "Staging"})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	if provider.Enabled() {
		t.Fatalf("expected disabled provider")
	}
	if provider.Meter("test") == nil {
		t.Fatalf("expected fallback meter")
	}
	if err := provider.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if Environment() != "staging" {
		t.Fatalf("expected lowercased environment, got %q", Environment())
	}
}

func TestDefaultConfigReadsEnvironment(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")
	t.Setenv("OTEL_ENABLED", "true")
	t.Setenv("OTEL_RESOURCE_ENVIRONMENT", "")
	t.Setenv("MELTICA_ENV", "dev")
	cfg := DefaultConfig()
	if !cfg.Enabled || cfg.OTLPEndpoint != "collector:4318" || cfg.Environment != "dev" {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestStripScheme(t *testing.T) {
	if got := stripScheme("https://collector:4318"); got != "collector:4318" {
		t.Fatalf("unexpected endpoint %q", got)
	}
}

func TestOrderAttributesOmitEmpty(t *testing.T) {
	attrs := OrderAttributes("prod", "bybit", "", "Buy", "", "Rejected")
	if len(attrs) != 4 {
		t.Fatalf("expected 4 attributes, got %d", len(attrs))
	}
}

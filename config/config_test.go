package config

import (
	"testing"
	"time"
)

func TestDefaultConfigProvidesBybitMainnet(t *testing.T) {
	cfg := Default()
	if cfg.Environment != EnvProd {
		t.Fatalf("expected default environment prod, got %s", cfg.Environment)
	}
	bybit, ok := cfg.Exchange(ExchangeBybit)
	if !ok {
		t.Fatalf("expected bybit exchange settings")
	}
	if bybit.Server != ServerMainnet {
		t.Fatalf("expected mainnet default, got %s", bybit.Server)
	}
	if bybit.REST[BybitRESTSurfaceAPI] != "https://api.bybit.com" {
		t.Fatalf("unexpected REST default %s", bybit.REST[BybitRESTSurfaceAPI])
	}
	if bybit.Websocket.PublicURL != "wss://stream.bybit.com/v5/public" {
		t.Fatalf("unexpected public websocket default %s", bybit.Websocket.PublicURL)
	}
	if bybit.RecvWindow != 5*time.Second {
		t.Fatalf("expected 5s recv window, got %s", bybit.RecvWindow)
	}

	def, ok := DefaultExchangeSettings(ExchangeBybit)
	if !ok {
		t.Fatalf("expected default exchange settings to resolve")
	}
	def.REST[BybitRESTSurfaceAPI] = "mutated"
	if again, _ := DefaultExchangeSettings(ExchangeBybit); again.REST[BybitRESTSurfaceAPI] == "mutated" {
		t.Fatalf("expected DefaultExchangeSettings to return clone")
	}
}

func TestFromEnvOverridesValues(t *testing.T) {
	t.Setenv("MELTICA_ENV", "STAGING")
	t.Setenv("BYBIT_SERVER", "testnet")
	t.Setenv("BYBIT_WS_PRIVATE_URL", "wss://priv.test")
	t.Setenv("BYBIT_RECV_WINDOW", "10s")
	t.Setenv("BYBIT_HTTP_TIMEOUT", "15s")
	t.Setenv("BYBIT_WS_HANDSHAKE_TIMEOUT", "20s")
	t.Setenv("BYBIT_API_KEY", "key")
	t.Setenv("BYBIT_API_SECRET", "secret")

	cfg := FromEnv()
	if cfg.Environment != EnvStaging {
		t.Fatalf("expected staging environment, got %s", cfg.Environment)
	}
	bybit, ok := cfg.Exchange(ExchangeBybit)
	if !ok {
		t.Fatalf("expected bybit exchange settings")
	}
	if bybit.Server != ServerTestnet {
		t.Fatalf("expected testnet server, got %s", bybit.Server)
	}
	if bybit.REST[BybitRESTSurfaceAPI] != "https://api-testnet.bybit.com" {
		t.Fatalf("expected testnet REST URL, got %s", bybit.REST[BybitRESTSurfaceAPI])
	}
	if bybit.Websocket.PublicURL != "wss://stream-testnet.bybit.com/v5/public" {
		t.Fatalf("expected testnet public URL, got %s", bybit.Websocket.PublicURL)
	}
	if bybit.Websocket.PrivateURL != "wss://priv.test" {
		t.Fatalf("expected websocket private override")
	}
	if bybit.RecvWindow != 10*time.Second || bybit.HTTPTimeout != 15*time.Second || bybit.HandshakeTimeout != 20*time.Second {
		t.Fatalf("expected duration overrides, got %s/%s/%s", bybit.RecvWindow, bybit.HTTPTimeout, bybit.HandshakeTimeout)
	}
	if !bybit.Credentials.Configured() {
		t.Fatalf("expected credential overrides")
	}
}

func TestApplyOptionsCloneAndMutate(t *testing.T) {
	base := Default()

	applied := Apply(base,
		WithEnvironment(EnvDev),
		WithBybitServer(ServerTestnet),
		WithExchangeRESTEndpoint("BYBIT", BybitRESTSurfaceAPI, "https://override"),
		WithExchangeWebsocketEndpoints("bybit", "wss://pub", "", 5*time.Second),
		WithExchangeHTTPTimeout("bybit", 30*time.Second),
		WithExchangeRecvWindow("bybit", 8*time.Second),
		WithBybitAPI(" KEY ", " SECRET "),
		WithExchangeRESTEndpoint("bybit", "", ""),
		WithExchangeCredentials("bybit", " ", " "),
		mutateExchangeOption("", nil),
	)

	if applied.Environment != EnvDev {
		t.Fatalf("expected environment override, got %s", applied.Environment)
	}
	if base.Environment == EnvDev {
		t.Fatalf("expected base environment to remain unchanged")
	}

	bybit, ok := applied.Exchange(ExchangeBybit)
	if !ok {
		t.Fatalf("expected bybit exchange settings")
	}
	if bybit.Server != ServerTestnet {
		t.Fatalf("expected testnet server")
	}
	if bybit.REST[BybitRESTSurfaceAPI] != "https://override" {
		t.Fatalf("expected REST override to apply, got %s", bybit.REST[BybitRESTSurfaceAPI])
	}
	if bybit.Websocket.PublicURL != "wss://pub" || bybit.HandshakeTimeout != 5*time.Second {
		t.Fatalf("expected websocket overrides to apply, got %s / %s", bybit.Websocket.PublicURL, bybit.HandshakeTimeout)
	}
	if bybit.Websocket.PrivateURL != "wss://stream-testnet.bybit.com/v5/private" {
		t.Fatalf("expected testnet private URL to survive, got %s", bybit.Websocket.PrivateURL)
	}
	if bybit.HTTPTimeout != 30*time.Second || bybit.RecvWindow != 8*time.Second {
		t.Fatalf("expected timeout overrides, got %s/%s", bybit.HTTPTimeout, bybit.RecvWindow)
	}
	if bybit.Credentials.APIKey != "KEY" || bybit.Credentials.APISecret != "SECRET" {
		t.Fatalf("expected trimmed credential override, got %v", bybit.Credentials)
	}

	bybit.REST["custom"] = "value"
	baseBybit, _ := base.Exchange(ExchangeBybit)
	if _, exists := baseBybit.REST["custom"]; exists {
		t.Fatalf("expected base exchanges to remain unchanged")
	}
	if baseBybit.Server != ServerMainnet {
		t.Fatalf("expected base server untouched")
	}

	if _, ok := applied.Exchange(Exchange("BYBIT")); !ok {
		t.Fatalf("expected normalized exchange lookup to succeed")
	}
	if _, ok := applied.Exchange(Exchange("missing")); ok {
		t.Fatalf("expected missing exchange lookup to fail")
	}
}

func TestParseServer(t *testing.T) {
	if ParseServer(" TESTNET ") != ServerTestnet {
		t.Fatalf("expected testnet")
	}
	if ParseServer("anything") != ServerMainnet {
		t.Fatalf("expected mainnet fallback")
	}
}

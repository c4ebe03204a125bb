package bybit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/coachpo/meltica-bybit/config"
)

var testCreds = config.Credentials{APIKey: "key", APISecret: "secret"}

func TestSignDiffersAcrossTimestamps(t *testing.T) {
	params := map[string]any{"category": "linear", "symbol": "BTCUSDT", "qty": "0.01"}
	ts := time.UnixMilli(1700000000000)
	first, err := Sign(http.MethodPost, params, testCreds, 5*time.Second, ts)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	second, err := Sign(http.MethodPost, params, testCreds, 5*time.Second, ts.Add(time.Millisecond))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if string(first.Body) != string(second.Body) {
		t.Fatalf("expected identical bodies, got %s and %s", first.Body, second.Body)
	}
	if first.Signature == second.Signature {
		t.Fatalf("expected signatures to differ across timestamps")
	}
}

func TestSignGetSortsQuery(t *testing.T) {
	params := map[string]any{"symbol": "BTCUSDT", "category": "spot", "limit": 50}
	ts := time.UnixMilli(1700000000000)
	signed, err := Sign(http.MethodGet, params, testCreds, 5*time.Second, ts)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if signed.Query != "category=spot&limit=50&symbol=BTCUSDT" {
		t.Fatalf("unexpected query %q", signed.Query)
	}
	if signed.Body != nil {
		t.Fatalf("GET must not carry a body")
	}
	want := expectedSignature("1700000000000" + "key" + "5000" + signed.Query)
	if signed.Signature != want {
		t.Fatalf("signature = %s, want %s", signed.Signature, want)
	}
	if got := signed.Headers.Get("X-BAPI-SIGN"); got != want {
		t.Fatalf("sign header = %s", got)
	}
	if got := signed.Headers.Get("X-BAPI-RECV-WINDOW"); got != "5000" {
		t.Fatalf("recv window header = %s", got)
	}
	if got := signed.Headers.Get("X-BAPI-SIGN-TYPE"); got != "2" {
		t.Fatalf("sign type header = %s", got)
	}
}

func TestSignPostCoercesFields(t *testing.T) {
	params := map[string]any{
		"symbol":      "BTCUSDT",
		"qty":         0.5,
		"price":       "30000.10",
		"positionIdx": "0",
		"reduceOnly":  true,
	}
	signed, err := Sign(http.MethodPost, params, testCreds, 5*time.Second, time.UnixMilli(1))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	want := `{"positionIdx":0,"price":"30000.1","qty":"0.5","reduceOnly":true,"symbol":"BTCUSDT"}`
	if string(signed.Body) != want {
		t.Fatalf("body = %s, want %s", signed.Body, want)
	}
	if signed.Headers.Get("Content-Type") != "application/json" {
		t.Fatalf("expected json content type")
	}
}

func TestSignRejectsBadFieldsAndMissingCredentials(t *testing.T) {
	if _, err := Sign(http.MethodPost, map[string]any{"qty": "abc"}, testCreds, time.Second, time.Now()); err == nil {
		t.Fatalf("expected error for non-decimal qty")
	}
	if _, err := Sign(http.MethodPost, map[string]any{"positionIdx": 1.5}, testCreds, time.Second, time.Now()); err == nil {
		t.Fatalf("expected error for fractional positionIdx")
	}
	if _, err := Sign(http.MethodGet, nil, config.Credentials{}, time.Second, time.Now()); err == nil {
		t.Fatalf("expected error without credentials")
	}
}

func TestSignAuth(t *testing.T) {
	expires := time.UnixMilli(1700000030000)
	args := SignAuth(testCreds, expires)
	if len(args) != 3 {
		t.Fatalf("expected 3 auth args, got %d", len(args))
	}
	if args[0] != "key" || args[1] != int64(1700000030000) {
		t.Fatalf("unexpected auth args %v", args)
	}
	want := expectedSignature("GET/realtime" + strconv.FormatInt(1700000030000, 10))
	if args[2] != want {
		t.Fatalf("auth signature = %v, want %s", args[2], want)
	}
}

func expectedSignature(payload string) string {
	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

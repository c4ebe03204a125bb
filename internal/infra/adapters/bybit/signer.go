package bybit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/meltica-bybit/config"
	"github.com/coachpo/meltica-bybit/internal/numeric"
)

const (
	headerAPIKey     = "X-BAPI-API-KEY"
	headerTimestamp  = "X-BAPI-TIMESTAMP"
	headerSign       = "X-BAPI-SIGN"
	headerRecvWindow = "X-BAPI-RECV-WINDOW"
	headerSignType   = "X-BAPI-SIGN-TYPE"

	wsAuthPrefix = "GET/realtime"
)

// Fields the venue expects in a fixed JSON representation on mutating requests.
var (
	decimalFields = map[string]struct{}{"qty": {}, "price": {}, "triggerPrice": {}}
	integerFields = map[string]struct{}{"positionIdx": {}, "triggerDirection": {}}
)

// SignedRequest is the authenticated form of one REST call.
// Query is set for GET requests and Body for everything else.
type SignedRequest struct {
	Query     string
	Body      []byte
	Headers   http.Header
	Signature string
	Timestamp int64
}

// Sign serialises params for method and signs them with creds at ts.
// The signature covers timestamp, key, receive window and payload, so it is never reusable.
func Sign(method string, params map[string]any, creds config.Credentials, recvWindow time.Duration, ts time.Time) (SignedRequest, error) {
	if !creds.Configured() {
		return SignedRequest{}, errors.New("bybit: credentials not configured")
	}
	out := SignedRequest{Timestamp: ts.UnixMilli()}
	var payload string
	if strings.EqualFold(method, http.MethodGet) {
		out.Query = encodeQuery(params)
		payload = out.Query
	} else {
		body, err := encodeBody(params)
		if err != nil {
			return SignedRequest{}, err
		}
		out.Body = body
		payload = string(body)
	}
	stamp := strconv.FormatInt(out.Timestamp, 10)
	window := strconv.FormatInt(recvWindow.Milliseconds(), 10)
	out.Signature = signPayload(stamp+creds.APIKey+window+payload, creds.APISecret)
	out.Headers = http.Header{}
	out.Headers.Set(headerAPIKey, creds.APIKey)
	out.Headers.Set(headerTimestamp, stamp)
	out.Headers.Set(headerSign, out.Signature)
	out.Headers.Set(headerRecvWindow, window)
	out.Headers.Set(headerSignType, "2")
	if out.Body != nil {
		out.Headers.Set("Content-Type", "application/json")
	}
	return out, nil
}

// SignAuth returns the websocket auth arguments for a token expiring at expires.
func SignAuth(creds config.Credentials, expires time.Time) []any {
	ms := expires.UnixMilli()
	sig := signPayload(wsAuthPrefix+strconv.FormatInt(ms, 10), creds.APISecret)
	return []any{creds.APIKey, ms, sig}
}

// encodeQuery renders params as a key-sorted query string.
func encodeQuery(params map[string]any) string {
	values := url.Values{}
	for key, value := range params {
		if value == nil {
			continue
		}
		values.Set(key, fmt.Sprint(value))
	}
	return values.Encode()
}

// encodeBody coerces typed fields and renders compact JSON. Map keys marshal in sorted order.
func encodeBody(params map[string]any) ([]byte, error) {
	coerced := make(map[string]any, len(params))
	for key, value := range params {
		if value == nil {
			continue
		}
		switch {
		case isField(decimalFields, key):
			s, err := numeric.DecimalString(value)
			if err != nil {
				return nil, fmt.Errorf("bybit: field %s: %w", key, err)
			}
			coerced[key] = s
		case isField(integerFields, key):
			n, err := numeric.Integer(value)
			if err != nil {
				return nil, fmt.Errorf("bybit: field %s: %w", key, err)
			}
			coerced[key] = n
		default:
			coerced[key] = value
		}
	}
	body, err := json.Marshal(coerced)
	if err != nil {
		return nil, fmt.Errorf("bybit: encode body: %w", err)
	}
	return body, nil
}

func isField(set map[string]struct{}, key string) bool {
	_, ok := set[key]
	return ok
}

func signPayload(payload, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

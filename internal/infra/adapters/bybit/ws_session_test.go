package bybit

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/coachpo/meltica-bybit/internal/domain/schema"
)

// venueConn is one accepted client connection on the fake venue.
type venueConn struct {
	path     string
	conn     *websocket.Conn
	requests chan wsRequest
}

type fakeVenue struct {
	conns   chan *venueConn
	waiting map[string][]*venueConn
}

func newFakeVenue(t *testing.T) (*fakeVenue, *httptest.Server) {
	t.Helper()
	v := &fakeVenue{conns: make(chan *venueConn, 8), waiting: make(map[string][]*venueConn)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		vc := &venueConn{path: r.URL.Path, conn: conn, requests: make(chan wsRequest, 16)}
		v.conns <- vc
		defer close(vc.requests)
		for {
			_, data, err := conn.Read(context.Background())
			if err != nil {
				return
			}
			var req wsRequest
			if err := json.Unmarshal(data, &req); err != nil {
				t.Errorf("decode request: %v", err)
				return
			}
			if req.Op == "ping" {
				continue
			}
			vc.requests <- req
		}
	}))
	t.Cleanup(srv.Close)
	return v, srv
}

// accept returns the next connection opened on path.
func (v *fakeVenue) accept(t *testing.T, path string) *venueConn {
	t.Helper()
	if queued := v.waiting[path]; len(queued) > 0 {
		v.waiting[path] = queued[1:]
		return queued[0]
	}
	deadline := time.After(5 * time.Second)
	for {
		select {
		case vc := <-v.conns:
			if vc.path == path {
				return vc
			}
			v.waiting[vc.path] = append(v.waiting[vc.path], vc)
		case <-deadline:
			t.Fatalf("no connection on %s", path)
			return nil
		}
	}
}

func (c *venueConn) next(t *testing.T) wsRequest {
	t.Helper()
	select {
	case req, ok := <-c.requests:
		if !ok {
			t.Fatalf("%s connection closed", c.path)
		}
		return req
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for request on %s", c.path)
		return wsRequest{}
	}
}

func (c *venueConn) push(t *testing.T, frame string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, []byte(frame)); err != nil {
		t.Fatalf("push to %s: %v", c.path, err)
	}
}

func requestTopics(req wsRequest) []string {
	out := make([]string, 0, len(req.Args))
	for _, arg := range req.Args {
		if topic, ok := arg.(string); ok {
			out = append(out, topic)
		}
	}
	return out
}

func authAck(req wsRequest) string {
	return fmt.Sprintf(`{"op":"auth","success":true,"ret_msg":"","conn_id":"c1","req_id":%q}`, req.ReqID)
}

func TestSessionsReplayAfterReconnect(t *testing.T) {
	venue, srv := newFakeVenue(t)
	base := "ws" + strings.TrimPrefix(srv.URL, "http")
	p, err := NewProvider(Options{Config: Config{
		RESTURL:          "http://127.0.0.1:1",
		PublicWSURL:      base + "/public",
		PrivateWSURL:     base + "/private",
		Credentials:      testCreds,
		HandshakeTimeout: time.Second,
	}})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.ctx, p.cancel = ctx, cancel
	p.started.Store(true)
	t.Cleanup(func() { _ = p.Close() })

	p.sessions.start(ctx)
	p.directory.Register(schema.Instrument{Symbol: "BTCUSDT", Category: schema.CategoryLinear, PriceTick: "0.1"})
	if err := p.Subscribe("BTCUSDT"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	p.sessions.activate()

	want := []string{"tickers.BTCUSDT", "orderbook.50.BTCUSDT"}
	public := venue.accept(t, "/public/linear")
	if req := public.next(t); req.Op != "subscribe" || !slices.Equal(requestTopics(req), want) {
		t.Fatalf("unexpected first subscribe %+v", req)
	}
	public.push(t, `{"topic":"orderbook.50.BTCUSDT","type":"snapshot","ts":1700000000000,"data":{"s":"BTCUSDT","b":[["100","1"]],"a":[["101","1"]],"u":1,"seq":1}}`)
	if tick := nextEvent(t, p).Payload.(schema.TickSnapshot); tick.Bids[0].Price != "100" {
		t.Fatalf("unexpected first tick %+v", tick)
	}

	private := venue.accept(t, "/private")
	auth := private.next(t)
	if auth.Op != "auth" || len(auth.Args) != 3 {
		t.Fatalf("private session must authenticate first, got %+v", auth)
	}
	private.push(t, authAck(auth))
	if req := private.next(t); req.Op != "subscribe" || !slices.Equal(requestTopics(req), privateTopics) {
		t.Fatalf("unexpected private subscribe %+v", req)
	}

	// The venue drops the public connection; the session comes back with the same topics
	// and a book that waits for a fresh snapshot.
	_ = public.conn.Close(websocket.StatusGoingAway, "maintenance")
	public = venue.accept(t, "/public/linear")
	if req := public.next(t); req.Op != "subscribe" || !slices.Equal(requestTopics(req), want) {
		t.Fatalf("unexpected replayed subscribe %+v", req)
	}
	public.push(t, `{"topic":"orderbook.50.BTCUSDT","type":"delta","ts":1700000001000,"data":{"s":"BTCUSDT","b":[["105","1"]],"a":[],"u":2,"seq":2}}`)
	public.push(t, `{"topic":"orderbook.50.BTCUSDT","type":"snapshot","ts":1700000001100,"data":{"s":"BTCUSDT","b":[["99","2"]],"a":[["102","1"]],"u":3,"seq":3}}`)
	tick := nextEvent(t, p).Payload.(schema.TickSnapshot)
	if len(tick.Bids) != 1 || tick.Bids[0].Price != "99" || tick.Asks[0].Price != "102" {
		t.Fatalf("delta before the new snapshot must be dropped, got bids=%v asks=%v", tick.Bids, tick.Asks)
	}

	// A private reconnect authenticates again before any subscription.
	_ = private.conn.Close(websocket.StatusGoingAway, "maintenance")
	private = venue.accept(t, "/private")
	auth = private.next(t)
	if auth.Op != "auth" {
		t.Fatalf("private reconnect must authenticate first, got %+v", auth)
	}
	select {
	case req := <-private.requests:
		t.Fatalf("request %q sent before auth was confirmed", req.Op)
	case <-time.After(300 * time.Millisecond):
	}
	private.push(t, authAck(auth))
	if req := private.next(t); req.Op != "subscribe" || !slices.Equal(requestTopics(req), privateTopics) {
		t.Fatalf("unexpected private resubscribe %+v", req)
	}
}

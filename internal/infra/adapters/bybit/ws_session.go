package bybit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/coachpo/meltica-bybit/errs"
	"github.com/coachpo/meltica-bybit/internal/observability"
)

const (
	controlMessageInterval = 200 * time.Millisecond
	maxArgsPerRequest      = 10
	pingInterval           = 20 * time.Second
	pingTimeout            = 5 * time.Second
	controlWriteTimeout    = 5 * time.Second
	maxReconnectInterval   = 20 * time.Second
	wsReadLimit            = 4 * 1024 * 1024
)

type wsRequest struct {
	ReqID string `json:"req_id,omitempty"`
	Op    string `json:"op"`
	Args  []any  `json:"args,omitempty"`
}

// wsFrame covers both topic pushes and op responses (subscribe, auth, ping/pong).
type wsFrame struct {
	Topic        string          `json:"topic"`
	Type         string          `json:"type"`
	TS           int64           `json:"ts"`
	CreationTime int64           `json:"creationTime"`
	Data         json.RawMessage `json:"data"`

	Op      string `json:"op"`
	Success *bool  `json:"success"`
	RetMsg  string `json:"ret_msg"`
	ConnID  string `json:"conn_id"`
	ReqID   string `json:"req_id"`
}

func (f wsFrame) succeeded() bool {
	return f.Success == nil || *f.Success
}

// timestamp prefers the venue frame time over creation time.
func (f wsFrame) timestamp() time.Time {
	switch {
	case f.TS > 0:
		return time.UnixMilli(f.TS).UTC()
	case f.CreationTime > 0:
		return time.UnixMilli(f.CreationTime).UTC()
	default:
		return time.Time{}
	}
}

type sessionHooks struct {
	// onConnect runs on every (re)connection before frames are read.
	onConnect func(ctx context.Context, s *wsSession) error
	// onFrame receives topic pushes in transport order.
	onFrame func(ctx context.Context, s *wsSession, frame wsFrame)
	// onOp receives op responses.
	onOp func(ctx context.Context, s *wsSession, frame wsFrame)
	// onError receives asynchronous failures.
	onError func(error)
}

// wsSession owns one websocket connection and reconnects it with backoff until stopped.
type wsSession struct {
	name             string
	url              string
	handshakeTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	conn   *websocket.Conn
	connMu sync.RWMutex

	reqID atomic.Uint64

	activeMu sync.Mutex
	active   map[string]struct{}
	// inflight maps a subscribe req_id to its topics until the venue answers.
	inflight map[string][]string

	hooks   sessionHooks
	metrics *streamMetrics

	ready     chan struct{}
	readyOnce sync.Once

	controlMu       sync.Mutex
	lastControlSend time.Time
}

func newWSSession(ctx context.Context, name, url string, handshake time.Duration, hooks sessionHooks, metrics *streamMetrics) *wsSession {
	sessionCtx, cancel := context.WithCancel(ctx)
	return &wsSession{
		name:             name,
		url:              url,
		handshakeTimeout: handshake,
		ctx:              sessionCtx,
		cancel:           cancel,
		active:           make(map[string]struct{}),
		inflight:         make(map[string][]string),
		hooks:            hooks,
		metrics:          metrics,
		ready:            make(chan struct{}),
	}
}

// run blocks in the connect loop until the session is stopped.
func (s *wsSession) run() {
	if err := s.connectLoop(); err != nil && !errors.Is(err, context.Canceled) {
		s.reportError(fmt.Errorf("bybit %s session: %w", s.name, err))
	}
}

// waitReady blocks until the first connection is established.
func (s *wsSession) waitReady(timeout time.Duration) error {
	select {
	case <-s.ready:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for bybit %s websocket connection", s.name)
	case <-s.ctx.Done():
		return fmt.Errorf("bybit %s websocket context done: %w", s.name, s.ctx.Err())
	}
}

func (s *wsSession) stop() {
	s.cancel()
	s.connMu.Lock()
	if s.conn != nil {
		_ = s.conn.Close(websocket.StatusNormalClosure, "shutdown")
		s.conn = nil
	}
	s.connMu.Unlock()
}

func (s *wsSession) connected() bool {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	return s.conn != nil
}

func (s *wsSession) connectLoop() error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = maxReconnectInterval

	for {
		select {
		case <-s.ctx.Done():
			return context.Canceled
		default:
		}

		dialCtx, dialCancel := context.WithTimeout(s.ctx, s.handshakeTimeout)
		conn, _, err := websocket.Dial(dialCtx, s.url, nil)
		dialCancel()
		if err != nil {
			s.metrics.recordReconnect(s.ctx, "dial_error")
			s.reportError(errs.New(exchangeName, errs.CodeNetwork, errs.WithMessage("dial "+s.url), errs.WithCause(err)))
			if !s.sleep(backoffCfg.NextBackOff()) {
				return context.Canceled
			}
			continue
		}

		conn.SetReadLimit(wsReadLimit)

		s.activeMu.Lock()
		clear(s.active)
		clear(s.inflight)
		s.activeMu.Unlock()

		s.controlMu.Lock()
		s.lastControlSend = time.Time{}
		s.controlMu.Unlock()

		s.connMu.Lock()
		s.conn = conn
		s.connMu.Unlock()

		s.metrics.recordReconnect(s.ctx, "connected")
		observability.Log().Info("bybit session connected", observability.F("session", s.name))

		s.readyOnce.Do(func() {
			close(s.ready)
		})

		backoffCfg.Reset()

		if s.hooks.onConnect != nil {
			if err := s.hooks.onConnect(s.ctx, s); err != nil {
				s.reportError(fmt.Errorf("bybit %s on connect: %w", s.name, err))
			}
		}

		connCtx, connCancel := context.WithCancel(s.ctx)
		errCh := make(chan error, 2)
		var wg sync.WaitGroup
		wg.Add(2)

		go func() {
			defer wg.Done()
			errCh <- s.readLoop(connCtx, conn)
		}()

		go func() {
			defer wg.Done()
			errCh <- s.pingLoop(connCtx, conn)
		}()

		firstErr := <-errCh
		connCancel()

		s.connMu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.connMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")

		wg.Wait()
		close(errCh)

		aggregatedErr := firstErr
		for e := range errCh {
			if aggregatedErr == nil || isCancellation(aggregatedErr) {
				aggregatedErr = e
			}
		}
		if aggregatedErr != nil && !isCancellation(aggregatedErr) {
			s.reportError(errs.New(exchangeName, errs.CodeNetwork,
				errs.WithMessage("bybit "+s.name+" connection lost"), errs.WithCause(aggregatedErr)))
		}
		observability.Log().Info("bybit session disconnected", observability.F("session", s.name))

		if !s.sleep(backoffCfg.NextBackOff()) {
			return context.Canceled
		}
	}
}

func (s *wsSession) sleep(d time.Duration) bool {
	if d == backoff.Stop {
		d = maxReconnectInterval
	}
	select {
	case <-s.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// subscribe sends topics not yet subscribed on the current connection.
// Without a connection it is a no-op; the connect hook replays on the next dial.
func (s *wsSession) subscribe(ctx context.Context, topics []string) error {
	s.activeMu.Lock()
	pending := make([]string, 0, len(topics))
	for _, topic := range topics {
		if _, ok := s.active[topic]; ok {
			continue
		}
		s.active[topic] = struct{}{}
		pending = append(pending, topic)
	}
	s.activeMu.Unlock()
	if len(pending) == 0 {
		return nil
	}

	for _, chunk := range chunkTopics(pending, maxArgsPerRequest) {
		args := make([]any, len(chunk))
		for i, topic := range chunk {
			args[i] = topic
		}
		req := s.newRequest("subscribe", args)
		s.activeMu.Lock()
		s.inflight[req.ReqID] = chunk
		s.activeMu.Unlock()
		sent, err := s.send(ctx, req)
		if err != nil || !sent {
			s.activeMu.Lock()
			delete(s.inflight, req.ReqID)
			for _, topic := range chunk {
				delete(s.active, topic)
			}
			s.activeMu.Unlock()
		}
		if err != nil {
			return err
		}
		s.metrics.recordControl(ctx, "subscribe", len(chunk))
	}
	return nil
}

// settleSubscription resolves the subscribe request reqID. Rejected topics leave the active
// set so the next subscribe or replay sends them again; they are returned to the caller.
func (s *wsSession) settleSubscription(reqID string, ok bool) []string {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	topics, known := s.inflight[reqID]
	if !known {
		return nil
	}
	delete(s.inflight, reqID)
	if ok {
		return nil
	}
	for _, topic := range topics {
		delete(s.active, topic)
	}
	return topics
}

func (s *wsSession) isActive(topic string) bool {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	_, ok := s.active[topic]
	return ok
}

// sendOp writes one control request, spacing control messages by the control window.
// It reports false when there is no live connection.
func (s *wsSession) sendOp(ctx context.Context, op string, args []any) (bool, error) {
	return s.send(ctx, s.newRequest(op, args))
}

func (s *wsSession) newRequest(op string, args []any) wsRequest {
	return wsRequest{
		ReqID: strconv.FormatUint(s.reqID.Add(1), 10),
		Op:    op,
		Args:  args,
	}
}

func (s *wsSession) send(ctx context.Context, req wsRequest) (bool, error) {
	if ctx == nil {
		ctx = s.ctx
	}
	data, err := json.Marshal(req)
	if err != nil {
		return false, fmt.Errorf("marshal %s request: %w", req.Op, err)
	}

	s.controlMu.Lock()
	defer s.controlMu.Unlock()
	if err := s.waitForControlWindowLocked(ctx); err != nil {
		return false, err
	}

	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()
	if conn == nil {
		return false, nil
	}

	writeCtx, cancel := context.WithTimeout(ctx, controlWriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return false, fmt.Errorf("write %s request: %w", req.Op, err)
	}
	observability.Log().Debug("bybit control request",
		observability.F("session", s.name), observability.F("op", req.Op), observability.F("args", len(req.Args)))
	return true, nil
}

func chunkTopics(topics []string, size int) [][]string {
	if len(topics) == 0 {
		return nil
	}
	if size <= 0 || len(topics) <= size {
		return [][]string{append([]string(nil), topics...)}
	}
	chunks := make([][]string, 0, (len(topics)+size-1)/size)
	for start := 0; start < len(topics); start += size {
		end := min(start+size, len(topics))
		chunks = append(chunks, append([]string(nil), topics[start:end]...))
	}
	return chunks
}

func (s *wsSession) waitForControlWindowLocked(ctx context.Context) error {
	deadline := s.lastControlSend.Add(controlMessageInterval)
	if wait := time.Until(deadline); wait > 0 {
		select {
		case <-ctx.Done():
			return fmt.Errorf("control window wait canceled: %w", ctx.Err())
		case <-time.After(wait):
		}
	}
	s.lastControlSend = time.Now()
	return nil
}

func (s *wsSession) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		default:
		}
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read websocket: %w", err)
		}
		s.metrics.recordMessage(ctx, len(data))
		s.dispatch(ctx, data)
	}
}

// dispatch decodes one inbound message and hands it to the op or frame hook.
func (s *wsSession) dispatch(ctx context.Context, data []byte) {
	if len(data) == 0 {
		return
	}
	var frame wsFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.reportError(errs.New(exchangeName, errs.CodeContract,
			errs.WithMessage("decode "+s.name+" frame"), errs.WithCause(err)))
		return
	}
	if frame.Op != "" {
		if s.hooks.onOp != nil {
			s.hooks.onOp(ctx, s, frame)
		}
		return
	}
	if frame.Topic == "" {
		s.reportError(errs.New(exchangeName, errs.CodeContract,
			errs.WithMessage(s.name+" frame without topic"), errs.WithRawMessage(truncate(string(data), 256))))
		return
	}
	if s.hooks.onFrame != nil {
		s.hooks.onFrame(ctx, s, frame)
	}
}

func (s *wsSession) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-ticker.C:
			if err := s.writePing(ctx, conn); err != nil {
				return err
			}
		}
	}
}

func (s *wsSession) writePing(ctx context.Context, conn *websocket.Conn) error {
	data, err := json.Marshal(wsRequest{ReqID: strconv.FormatUint(s.reqID.Add(1), 10), Op: "ping"})
	if err != nil {
		return fmt.Errorf("marshal ping: %w", err)
	}
	writeCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	started := time.Now()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		s.metrics.recordPing(ctx, time.Since(started), "error")
		return fmt.Errorf("write ping: %w", err)
	}
	s.metrics.recordPing(ctx, time.Since(started), "success")
	return nil
}

func (s *wsSession) reportError(err error) {
	if err == nil || s.hooks.onError == nil {
		return
	}
	s.hooks.onError(err)
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

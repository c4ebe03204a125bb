package bybit

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/meltica-bybit/errs"
	"github.com/coachpo/meltica-bybit/internal/domain/schema"
	"github.com/coachpo/meltica-bybit/internal/infra/telemetry"
)

const meterName = "adapter.bybit"

type providerMetrics struct {
	environment string
	provider    string

	restDuration   metric.Float64Histogram
	restCalls      metric.Int64Counter
	framesReceived metric.Int64Counter
	eventsEmitted  metric.Int64Counter
	ordersObserved metric.Int64Counter
	ordersRejected metric.Int64Counter
	orderAck       metric.Float64Histogram
	venueErrors    metric.Int64Counter
}

func newProviderMetrics(name string) *providerMetrics {
	meter := otel.Meter(meterName)
	name = strings.TrimSpace(name)
	if name == "" {
		name = exchangeName
	}
	pm := &providerMetrics{
		environment: telemetry.Environment(),
		provider:    name,
	}

	pm.restDuration, _ = meter.Float64Histogram("bybit.rest.duration",
		metric.WithDescription("Round trip latency of Bybit REST calls"),
		metric.WithUnit("ms"))

	pm.restCalls, _ = meter.Int64Counter("bybit.rest.calls",
		metric.WithDescription("Bybit REST calls by path and result"),
		metric.WithUnit("{call}"))

	pm.framesReceived, _ = meter.Int64Counter("bybit.ws.frames",
		metric.WithDescription("Topic frames routed by the Bybit session manager"),
		metric.WithUnit("{frame}"))

	pm.eventsEmitted, _ = meter.Int64Counter("bybit.events.emitted",
		metric.WithDescription("Normalised events published by the Bybit adapter"),
		metric.WithUnit("{event}"))

	pm.ordersObserved, _ = meter.Int64Counter("bybit.orders.observed",
		metric.WithDescription("Order state changes emitted by the Bybit adapter"),
		metric.WithUnit("{update}"))

	pm.ordersRejected, _ = meter.Int64Counter("bybit.orders.rejected",
		metric.WithDescription("Orders rejected locally or by Bybit"),
		metric.WithUnit("{reject}"))

	pm.orderAck, _ = meter.Float64Histogram("bybit.order.ack.duration",
		metric.WithDescription("Latency between local submission and the venue acknowledgement"),
		metric.WithUnit("ms"))

	pm.venueErrors, _ = meter.Int64Counter("bybit.errors",
		metric.WithDescription("Errors reported on the Bybit error channel"),
		metric.WithUnit("{error}"))

	return pm
}

func (pm *providerMetrics) recordREST(ctx context.Context, path string, latency time.Duration, ok bool) {
	if pm == nil || pm.restDuration == nil || pm.restCalls == nil {
		return
	}
	ctx = ensureContext(ctx)
	result := telemetry.ResultSuccess
	if !ok {
		result = telemetry.ResultError
	}
	attrs := telemetry.OperationResultAttributes(pm.environment, pm.provider, path, result)
	pm.restCalls.Add(ctx, 1, metric.WithAttributes(attrs...))
	pm.restDuration.Record(ctx, durationMillis(latency), metric.WithAttributes(attrs...))
}

func (pm *providerMetrics) recordFrame(ctx context.Context, session, topic string) {
	if pm == nil || pm.framesReceived == nil {
		return
	}
	ctx = ensureContext(ctx)
	attrs := telemetry.FrameAttributes(pm.environment, pm.provider, session, topic)
	pm.framesReceived.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (pm *providerMetrics) recordEvent(ctx context.Context, eventType schema.EventType, symbol string) {
	if pm == nil || pm.eventsEmitted == nil {
		return
	}
	ctx = ensureContext(ctx)
	attrs := telemetry.EventAttributes(pm.environment, string(eventType), pm.provider, symbol)
	pm.eventsEmitted.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (pm *providerMetrics) recordOrder(ctx context.Context, order schema.Order) {
	if pm == nil || pm.ordersObserved == nil {
		return
	}
	ctx = ensureContext(ctx)
	attrs := telemetry.OrderAttributes(pm.environment, pm.provider, order.Symbol,
		strings.ToLower(string(order.Side)), strings.ToLower(string(order.Type)), string(order.Status))
	pm.ordersObserved.Add(ctx, 1, metric.WithAttributes(attrs...))
	if order.Status == schema.StatusRejected && pm.ordersRejected != nil {
		pm.ordersRejected.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func (pm *providerMetrics) recordOrderAck(ctx context.Context, symbol string, latency time.Duration) {
	if pm == nil || pm.orderAck == nil {
		return
	}
	ctx = ensureContext(ctx)
	attrs := telemetry.OrderAttributes(pm.environment, pm.provider, symbol, "", "", string(schema.StatusNotTraded))
	pm.orderAck.Record(ctx, durationMillis(latency), metric.WithAttributes(attrs...))
}

func (pm *providerMetrics) recordVenueError(ctx context.Context, err error) {
	if pm == nil || pm.venueErrors == nil || err == nil {
		return
	}
	ctx = ensureContext(ctx)
	attrs := telemetry.ErrorAttributes(pm.environment, pm.provider, classifyError(err))
	pm.venueErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
}

type streamMetrics struct {
	environment string
	provider    string
	stream      string

	reconnects       metric.Int64Counter
	controlMessages  metric.Int64Counter
	messagesReceived metric.Int64Counter
	messageBytes     metric.Int64Histogram
	pingCount        metric.Int64Counter
	pingLatency      metric.Float64Histogram
}

func newStreamMetrics(provider, stream string) *streamMetrics {
	meter := otel.Meter(meterName)
	provider = strings.TrimSpace(provider)
	if provider == "" {
		provider = exchangeName
	}
	sm := &streamMetrics{
		environment: telemetry.Environment(),
		provider:    provider,
		stream:      stream,
	}

	sm.reconnects, _ = meter.Int64Counter("bybit.ws.reconnects",
		metric.WithDescription("Bybit websocket connection attempts by result"),
		metric.WithUnit("{reconnect}"))

	sm.controlMessages, _ = meter.Int64Counter("bybit.ws.control",
		metric.WithDescription("Topics carried by control requests on Bybit sessions"),
		metric.WithUnit("{topic}"))

	sm.messagesReceived, _ = meter.Int64Counter("bybit.ws.messages",
		metric.WithDescription("Messages read from Bybit websocket sessions"),
		metric.WithUnit("{message}"))

	sm.messageBytes, _ = meter.Int64Histogram("bybit.ws.message.bytes",
		metric.WithDescription("Size of Bybit websocket messages"),
		metric.WithUnit("By"))

	sm.pingCount, _ = meter.Int64Counter("bybit.ws.pings",
		metric.WithDescription("Heartbeats sent on Bybit websocket sessions"),
		metric.WithUnit("{ping}"))

	sm.pingLatency, _ = meter.Float64Histogram("bybit.ws.ping.duration",
		metric.WithDescription("Round trip of websocket ping frames"),
		metric.WithUnit("ms"))

	return sm
}

func (sm *streamMetrics) baseAttrs() []attribute.KeyValue {
	return []attribute.KeyValue{
		telemetry.AttrEnvironment.String(sm.environment),
		telemetry.AttrProvider.String(sm.provider),
		telemetry.AttrCategory.String(sm.stream),
	}
}

func (sm *streamMetrics) recordReconnect(ctx context.Context, result string) {
	if sm == nil || sm.reconnects == nil {
		return
	}
	ctx = ensureContext(ctx)
	attrs := telemetry.ConnectionAttributes(sm.environment, sm.provider, sm.stream, result)
	sm.reconnects.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (sm *streamMetrics) recordControl(ctx context.Context, op string, count int) {
	if sm == nil || sm.controlMessages == nil || count == 0 {
		return
	}
	ctx = ensureContext(ctx)
	attrs := append(sm.baseAttrs(), telemetry.AttrOperation.String(op))
	sm.controlMessages.Add(ctx, int64(count), metric.WithAttributes(attrs...))
}

func (sm *streamMetrics) recordMessage(ctx context.Context, bytes int) {
	if sm == nil || sm.messagesReceived == nil || sm.messageBytes == nil || bytes <= 0 {
		return
	}
	ctx = ensureContext(ctx)
	attrs := sm.baseAttrs()
	sm.messagesReceived.Add(ctx, 1, metric.WithAttributes(attrs...))
	sm.messageBytes.Record(ctx, int64(bytes), metric.WithAttributes(attrs...))
}

func (sm *streamMetrics) recordPing(ctx context.Context, latency time.Duration, result string) {
	if sm == nil || sm.pingCount == nil || sm.pingLatency == nil {
		return
	}
	ctx = ensureContext(ctx)
	attrs := append(sm.baseAttrs(), telemetry.AttrResult.String(result))
	sm.pingCount.Add(ctx, 1, metric.WithAttributes(attrs...))
	sm.pingLatency.Record(ctx, durationMillis(latency), metric.WithAttributes(attrs...))
}

func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func durationMillis(d time.Duration) float64 {
	if d < 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}

// classifyError maps an error to a low cardinality label.
func classifyError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled):
		return "context_canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	var e *errs.E
	if errors.As(err, &e) {
		return string(e.Code)
	}
	return "error"
}

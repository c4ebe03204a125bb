// Package telemetry provides OpenTelemetry initialisation and semantic conventions for the gateway.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys. Names follow OpenTelemetry style: namespace.attribute_name.
const (
	// AttrEventType annotates counters with the canonical event classification (Tick, Order, ...).
	AttrEventType = attribute.Key("event.type")
	// AttrProvider identifies which venue adapter produced the signal.
	AttrProvider = attribute.Key("provider")
	// AttrSymbol captures the tradable instrument symbol.
	AttrSymbol = attribute.Key("symbol")
	// AttrCategory captures the venue market category (spot, linear, ...).
	AttrCategory = attribute.Key("market.category")
	// AttrTopic labels inbound stream frames by topic family (orderbook, tickers, order, ...).
	AttrTopic = attribute.Key("stream.topic")
	// AttrOrderSide labels order telemetry with Buy/Sell intent.
	AttrOrderSide = attribute.Key("order.side")
	// AttrOrderType distinguishes limit vs market orders.
	AttrOrderType = attribute.Key("order.type")
	// AttrOrderState captures the normalised order status.
	AttrOrderState = attribute.Key("order.state")
	// AttrOperation differentiates specific provider operations (REST path, session op).
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation.
	AttrResult = attribute.Key("result")
	// AttrEnvironment specifies the deployment environment for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrErrorType categorizes failures by error code family.
	AttrErrorType = attribute.Key("error.type")
	// AttrConnectionState labels connection lifecycle signals (connected, reconnecting, ...).
	AttrConnectionState = attribute.Key("connection.state")
)

// Result values.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// EventAttributes returns common attributes for event metrics.
func EventAttributes(environment, eventType, provider, symbol string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrEventType.String(eventType),
		AttrProvider.String(provider),
		AttrSymbol.String(symbol),
	}
}

// FrameAttributes returns attributes for inbound stream frame counters.
func FrameAttributes(environment, provider, category, topic string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrProvider.String(provider),
		AttrCategory.String(category),
		AttrTopic.String(topic),
	}
}

// OrderAttributes returns attributes for order-related metrics. Empty values are omitted.
func OrderAttributes(environment, provider, symbol, side, orderType, state string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrProvider.String(provider),
	}
	if symbol != "" {
		attrs = append(attrs, AttrSymbol.String(symbol))
	}
	if side != "" {
		attrs = append(attrs, AttrOrderSide.String(side))
	}
	if orderType != "" {
		attrs = append(attrs, AttrOrderType.String(orderType))
	}
	if state != "" {
		attrs = append(attrs, AttrOrderState.String(state))
	}
	return attrs
}

// ErrorAttributes returns attributes for error metrics.
func ErrorAttributes(environment, provider, errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrProvider.String(provider),
		AttrErrorType.String(errorType),
	}
}

// ConnectionAttributes returns attributes for connection state metrics.
func ConnectionAttributes(environment, provider, category, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrProvider.String(provider),
		AttrCategory.String(category),
		AttrConnectionState.String(state),
	}
}

// OperationResultAttributes returns attributes for operation metrics with result classification.
func OperationResultAttributes(environment, provider, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrProvider.String(provider),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}

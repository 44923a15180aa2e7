// Package telemetry provides semantic conventions for Conveyor observability.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for Conveyor-specific telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name
const (
	// Work item attributes
	AttrItemType  = attribute.Key("item.type")
	AttrTenant    = attribute.Key("tenant")
	AttrPriority  = attribute.Key("priority")
	AttrPartition = attribute.Key("partition")

	// Event attributes
	AttrEventType    = attribute.Key("event.type")
	AttrSubscription = attribute.Key("subscription")

	// Outcome attributes
	AttrOperation = attribute.Key("operation")
	AttrResult    = attribute.Key("result")
	AttrReason    = attribute.Key("reason")
	AttrErrorType = attribute.Key("error.type")

	// Environment attribute
	AttrEnvironment = attribute.Key("environment")
)

// Result values
const (
	ResultComplete  = "complete"
	ResultFailed    = "failed"
	ResultCancelled = "cancelled"
	ResultDuplicate = "duplicate"
	ResultRetried   = "retried"
)

// DispatchAttributes returns common attributes for dispatch metrics.
func DispatchAttributes(environment, tenant, itemType, priority string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrTenant.String(tenant),
		AttrItemType.String(itemType),
		AttrPriority.String(priority),
	}
}

// OutcomeAttributes returns attributes for completion counters.
func OutcomeAttributes(environment, tenant, itemType, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrTenant.String(tenant),
		AttrItemType.String(itemType),
		AttrResult.String(result),
	}
}

// BusAttributes returns attributes for event bus metrics.
func BusAttributes(environment, eventType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrEventType.String(eventType),
	}
}

// Standardized attribute keys and values for use in all OpenTelemetry signals
// Before adding a new attribute, first check to see if an attribute is already defined
// in the OpenTelemetry spec (https://opentelemetry.io/docs/specs/semconv/)
package semconv

import "go.opentelemetry.io/otel/attribute"

const (
	// Attempt identity
	OwnerIDKey      = attribute.Key("billstream.owner.id")
	RunIDKey        = attribute.Key("billstream.run.id")
	AttemptKey      = attribute.Key("billstream.attempt")
	InvocationIDKey = attribute.Key("billstream.invocation.id")
	StateKeyKey     = attribute.Key("billstream.thread.state_key")

	// Attempt result
	OutcomeStatusKey  = attribute.Key("billstream.outcome.status")
	OutcomeErrorKey   = attribute.Key("billstream.outcome.error_code")
	ChargedCreditsKey = attribute.Key("billstream.charge.credits")

	// Application-specific attributes
	ForceTraceKey = attribute.Key("force")
)

// Package adapter contains implementations of interfaces defined in app.
// Redis, DynamoDB and SNS adapters live here.
package adapter

import "go.opentelemetry.io/otel"

var tracer = otel.Tracer("authflow/adapter")

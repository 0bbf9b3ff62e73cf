// Package adapter contains implementations of interfaces defined in app.
// DynamoDB stores, the Redis rate limiter, SNS SMS delivery, and the AWS
// key store live here.
package adapter

import "go.opentelemetry.io/otel"

var tracer = otel.Tracer("authsvc/adapter")

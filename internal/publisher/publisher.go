// Package publisher encodes lifecycle events for delivery to downstream consumers.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel"
)

// Encode marshals payload to JSON and injects the trace context from ctx into a
// fresh attribute map, tagged with the logical event topic.
func Encode(ctx context.Context, topic string, payload any) ([]byte, map[string]string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal payload: %w", err)
	}
	attrs := map[string]string{"event": topic}
	otel.GetTextMapPropagator().Inject(ctx, Carrier(attrs))
	return data, attrs, nil
}

// Carrier adapts message attributes to propagation.TextMapCarrier.
type Carrier map[string]string

// Get returns the value for key.
func (c Carrier) Get(key string) string {
	return c[key]
}

// Set stores value under key.
func (c Carrier) Set(key, value string) {
	c[key] = value
}

// Keys lists the carrier keys.
func (c Carrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

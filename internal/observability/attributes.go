// Package observability provides the runner's metrics.
package observability

import (
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys
const (
	attrStep    = "step"
	attrOutcome = "outcome"
	attrState   = "state"
)

func stepAttr(step string) attribute.KeyValue {
	return attribute.String(attrStep, step)
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(attrOutcome, normalizeLabel(outcome))
}

func stateAttr(state string) attribute.KeyValue {
	return attribute.String(attrState, normalizeLabel(state))
}

// normalizeLabel lowercases a label value so "Completed" and "completed"
// share one series.
func normalizeLabel(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return "unknown"
	}
	return v
}

// WithStep returns a metric option with the step attribute.
func WithStep(step string) metric.MeasurementOption {
	return metric.WithAttributes(stepAttr(step))
}

// WithState returns a metric option with the state attribute.
func WithState(state string) metric.MeasurementOption {
	return metric.WithAttributes(stateAttr(state))
}

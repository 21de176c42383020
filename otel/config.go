package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
)

// config holds the options shared by every decorator.
type config struct {
	// Attributes holds the default attributes for each span created by the decorator.
	Attributes []attribute.KeyValue

	// GetAttributes is an optional function that can extract trace attributes
	// from the context and add them to the span.
	GetAttributes func(ctx context.Context) []attribute.KeyValue
}

// Option configures a decorator.
type Option interface {
	apply(*config)
}

type optionFunc func(*config)

func (o optionFunc) apply(c *config) {
	o(c)
}

func newConfig(options []Option) *config {
	cfg := &config{}
	for _, o := range options {
		o.apply(cfg)
	}
	return cfg
}

// WithAttributes sets the default attributes for the spans created by the decorator.
func WithAttributes(attrs ...attribute.KeyValue) Option {
	return optionFunc(func(o *config) {
		o.Attributes = attrs
	})
}

// WithAttributeGetter extracts additional attributes from the context.
func WithAttributeGetter(fn func(ctx context.Context) []attribute.KeyValue) Option {
	return optionFunc(func(o *config) {
		o.GetAttributes = fn
	})
}

// spanAttributes appends the configured attributes to attrs.
func (c *config) spanAttributes(ctx context.Context, attrs ...attribute.KeyValue) []attribute.KeyValue {
	attrs = append(attrs, c.Attributes...)
	if c.GetAttributes != nil {
		attrs = append(attrs, c.GetAttributes(ctx)...)
	}
	return attrs
}

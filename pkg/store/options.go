package store

// EventSource tags who made a change so watchers can ignore their own writes.
type EventSource string

const (
	EventSourceEngine    EventSource = "engine"
	EventSourceReclaimer EventSource = "reclaimer"
	EventSourceAPI       EventSource = "api"
)

// UpdateOptions holds optional update parameters.
type UpdateOptions struct {
	Source EventSource

	// Force skips the optimistic version check.
	Force bool
}

// UpdateOption configures an update.
type UpdateOption func(*UpdateOptions)

// WithSource records the origin of the update on the emitted watch event.
func WithSource(source EventSource) UpdateOption {
	return func(o *UpdateOptions) {
		o.Source = source
	}
}

// WithForce overwrites the record regardless of its stored version.
func WithForce() UpdateOption {
	return func(o *UpdateOptions) {
		o.Force = true
	}
}

// ParseUpdateOptions applies opts over the defaults.
func ParseUpdateOptions(opts ...UpdateOption) UpdateOptions {
	var o UpdateOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

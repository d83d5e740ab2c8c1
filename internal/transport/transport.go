package transport

import "context"

// Payload is the content of one scheduled unit, resolved by the store.
//
// Ref is an opaque reference kept in attempt records; the media fields mirror
// what broadcast-style transports accept (text plus optional media by id).
type Payload struct {
	Ref       string
	Text      string
	MediaType string // "", "photo", "video", "document"
	MediaRef  string
	Caption   string
}

// Sender is the abstract send capability consumed by the dispatch engine.
//
// Implementations must be safe for concurrent use; the parallel sender calls
// Send from many workers at once. Errors should be wrapped with the classify
// package helpers when the transport knows the failure class (permanent
// rejection, explicit rate limit with retry-after, ...); unwrapped errors are
// treated as temporary.
type Sender interface {
	Send(ctx context.Context, destinationID string, p Payload) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, destinationID string, p Payload) error

func (f SenderFunc) Send(ctx context.Context, destinationID string, p Payload) error {
	return f(ctx, destinationID, p)
}

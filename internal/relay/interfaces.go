package relay

import (
	"context"
	"time"
)

// Sender performs exactly one delivery attempt of a notification to an
// endpoint. Implementations must be safe for concurrent use.
type Sender interface {
	Send(ctx context.Context, endpoint Endpoint, n Notification) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, endpoint Endpoint, n Notification) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, endpoint Endpoint, n Notification) error {
	return f(ctx, endpoint, n)
}

// DeliveryRecorder persists delivery attempts.
type DeliveryRecorder interface {
	RecordDelivery(ctx context.Context, record DeliveryRecord) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes a payload to a named topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces event and delivery IDs.
type IDGenerator interface {
	NewID() (string, error)
}

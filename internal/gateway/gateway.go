// Package gateway defines the interface shared by the chat entry points.
package gateway

import "context"

// Gateway feeds chat messages from one transport into the chat service.
type Gateway interface {
	// Start serves until the gateway exits or ctx is canceled. It returns
	// an error only on failure, never on a requested shutdown.
	Start(ctx context.Context) error

	// Stop shuts down gracefully. In-flight chat requests drain until the
	// ctx deadline.
	Stop(ctx context.Context) error
}

package jobs

import "context"

// Executor performs the transport work of one job kind. A nil error is
// success, an error wrapped with Permanent is a permanent failure, and any
// other error is transient.
type Executor interface {
	Execute(ctx context.Context, payload []byte) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, payload []byte) error

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, payload []byte) error {
	return f(ctx, payload)
}

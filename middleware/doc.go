// Package middleware provides composable middleware around handler
// execution.
//
// A [Middleware] wraps a single attempt of a task. Middleware are composed
// with [Chain] and applied right-to-left: the first middleware in the list
// is the outermost wrapper. The runner interprets whatever error comes out
// of the chain as an incomplete outcome.
//
//	// recover → trace → handler
//	chain := middleware.Chain(middleware.Recover(logger), middleware.Trace())
//
// # Built-in Middleware
//
//   - [Recover]: turns a handler panic into an incomplete outcome
//   - [Trace]: puts the task's trace id on the handler context
//   - [Logging]: logs each attempt with its outcome and duration
//   - [Timeout]: bounds an attempt with a per-handler deadline
//   - [Tracing]: wraps the attempt in an OpenTelemetry span
//   - [Metrics]: records attempt duration and outcome counters
//
// # Writing Custom Middleware
//
//	func MyMiddleware() middleware.Middleware {
//	    return func(ctx context.Context, t *task.Task, next middleware.Handler) error {
//	        // before the attempt
//	        err := next(ctx)
//	        // after the attempt
//	        return err
//	    }
//	}
//
// Middleware must call next unless it deliberately short-circuits; a
// short-circuit error counts as an incomplete attempt.
package middleware

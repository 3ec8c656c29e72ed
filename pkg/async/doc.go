// Package async runs background tasks with panic recovery and deadlines.
//
// Run executes a task synchronously; SafeGo runs it on a new goroutine and
// logs the outcome. Both turn a panic into a logged *PanicError instead of
// crashing the process.
//
//	async.SafeGo(ctx, logger, 0, "http server", func(ctx context.Context) error {
//		return server.ListenAndServe()
//	})
package async

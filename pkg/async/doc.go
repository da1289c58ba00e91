// Package async runs work off the caller's goroutine.
//
// Exec starts a single task and returns a Future:
//
//	f := async.Exec(ctx, rec, store.Insert)
//	if err := f.AwaitWithTimeout(time.Second); errors.Is(err, async.ErrTimeout) {
//		// still running
//	}
//
// Group tracks fire-and-forget tasks so a component can flush them on shutdown:
//
//	g := async.NewGroup(16)
//	g.Go(ctx, func(ctx context.Context) error { return store.Insert(ctx, rec) })
//	_ = g.Close(5 * time.Second)
//
// Panics inside tasks are recovered and reported as the Future's error.
package async

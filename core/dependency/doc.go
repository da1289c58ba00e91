// Package dependency runs jobs after other jobs finish.
//
// A dependent is registered against a parent job with RegisterDependent. The
// worker that finishes the parent calls Resolve, which enqueues every pending
// dependent exactly once. Chain builds a linear pipeline out of specs.
//
//	m, _ := dependency.NewManager(adapter, dependency.NewMemoryStore())
//	spec, _ := dependency.NewSpec("email", "notify", payload)
//	reg, err := m.RegisterDependent(ctx, videoJob.ID, "video", spec)
//
// Dependents of a parent that failed for good are enqueued anyway by default.
// Use WithFailurePolicy(CancelOnFailure) to mark them failed instead.
package dependency

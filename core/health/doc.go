// Package health aggregates component health checks into liveness and readiness
// checks for the process entrypoint.
//
// Dependency checks follow the func(context.Context) error signature that
// every component's Healthcheck method satisfies:
//
//	checks := health.Checks{
//		"redis":   redis.Healthcheck(rdb),
//		"mongo":   mongo.Healthcheck(client),
//		"queue":   adapter.Healthcheck,
//		"workers": runtime.Healthcheck,
//	}
//	if err := checks.Ready(ctx); err != nil {
//		log.Error("not ready", logger.Error(err))
//	}
package health

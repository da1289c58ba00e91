// Package redis creates the Redis client shared by the queue backend and
// provides a health check for it.
//
// Connect validates the URL, then pings with exponential backoff until Redis
// answers, the attempt budget is spent or the connect timeout expires:
//
//	var cfg redis.Config
//	config.MustLoad(&cfg)
//
//	rdb, err := redis.Connect(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	defer rdb.Close()
//
//	backend := redisqueue.New(rdb)
//	checks["redis"] = redis.Healthcheck(rdb)
//
// Configuration is read from the environment:
//
//	REDIS_URL              (required, redis:// or rediss://)
//	REDIS_RETRY_ATTEMPTS   (default: 3)
//	REDIS_RETRY_INTERVAL   (default: 5s)
//	REDIS_CONNECT_TIMEOUT  (default: 30s)
//
// Errors are stable sentinels checked with errors.Is: ErrEmptyConnectionURL,
// ErrFailedToParseRedisConnString, ErrRedisNotReady and ErrHealthcheckFailed.
package redis

// Package mongo creates the MongoDB client backing the dead letter, dependency
// and metrics stores, and provides a health check for it.
//
// New and NewWithDatabase retry the initial connection with exponential
// backoff so managed clusters waking from a cold start do not fail startup:
//
//	var cfg mongo.Config
//	config.MustLoad(&cfg)
//
//	db, err := mongo.NewWithDatabase(ctx, cfg, "")
//	if err != nil {
//		return err
//	}
//	defer db.Client().Disconnect(context.Background())
//
//	checks["mongo"] = mongo.Healthcheck(db.Client())
//
// Configuration is read from the environment:
//
//	MONGODB_URL                 (required)
//	MONGODB_DATABASE            (default: conveyor)
//	MONGODB_CONNECT_TIMEOUT     (default: 10s)
//	MONGODB_MAX_POOL_SIZE       (default: 100)
//	MONGODB_MIN_POOL_SIZE       (default: 1)
//	MONGODB_MAX_CONN_IDLE_TIME  (default: 300s)
//	MONGODB_RETRY_WRITES        (default: true)
//	MONGODB_RETRY_READS         (default: true)
//	MONGODB_RETRY_ATTEMPTS      (default: 3)
//	MONGODB_RETRY_INTERVAL      (default: 5s)
//
// Errors: ErrEmptyConnectionURL, ErrFailedToConnectToMongo once retries are
// exhausted, and ErrHealthcheckFailed from the health check.
package mongo

// Package mongostore persists dead letter records, job dependencies and job
// metrics in MongoDB.
//
// Each store implements the Store interface of its core package. Records carry
// an expires_at field backed by a TTL index, so MongoDB expires them on its
// own; the managers' purge calls stay harmless.
//
//	db, err := mongo.NewWithDatabase(ctx, cfg, "")
//	if err != nil {
//		return err
//	}
//	if err := mongostore.Migrate(ctx, db); err != nil {
//		return err
//	}
//
//	dlq, _ := deadletter.NewManager(adapter, mongostore.NewDeadLetterStore(db))
//	deps, _ := dependency.NewManager(adapter, mongostore.NewDependencyStore(db))
//	rec, _ := metrics.NewRecorder(mongostore.NewMetricsStore(db))
//
// The caller owns the database client lifecycle.
package mongostore

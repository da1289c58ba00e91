// Package logger provides structured logging utilities built on Go's standard slog package:
// environment presets, context-aware attribute extraction and nil-safe attribute helpers
// for jobs, queues and workers.
//
// # Basic Usage
//
//	log := logger.New(
//		logger.WithProduction("conveyor"),
//		logger.WithJSONFormatter(),
//	)
//
//	log.Info("worker started",
//		logger.Queue("video-processing"),
//		logger.Component("worker"),
//	)
//
// # Environment Configurations
//
//	devLogger := logger.New(logger.WithDevelopment("conveyor"))   // text, debug
//	prodLogger := logger.New(logger.WithProduction("conveyor"))   // json, info
//	envLogger := logger.ForEnv(os.Getenv("APP_ENV"), "conveyor")  // picks a preset
//
// # Context-Aware Logging
//
//	log := logger.New(
//		logger.WithContextValue("trace_id", traceKey{}),
//	)
//	log.InfoContext(ctx, "job claimed") // trace_id added when present in ctx
//
// # Nil-Safe Attributes
//
// Helpers return an empty slog.Attr for nil or empty values, so they can be
// passed unconditionally:
//
//	log.Error("job failed",
//		logger.JobID(job.ID),
//		logger.Attempt(job.AttemptsMade, job.Options.Attempts),
//		logger.Error(err),
//	)
//
// # Testing
//
//	var buf bytes.Buffer
//	log := logger.New(logger.WithJSONFormatter(), logger.WithOutput(&buf))
package logger

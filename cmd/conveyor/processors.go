package main

import (
	"context"
	"log/slog"

	"github.com/dmitrymomot/conveyor/core/logger"
	"github.com/dmitrymomot/conveyor/core/registry"
	"github.com/dmitrymomot/conveyor/core/worker"
)

// loggingProcessors acknowledges every kind. Deployments replace these with
// handlers that call the actual media, AI, mail and social services.
func loggingProcessors(log *slog.Logger) registry.Processors {
	return registry.Processors{
		VideoProcessing:      ack[registry.VideoProcessingPayload](log),
		ContentGeneration:    ack[registry.ContentGenerationPayload](log),
		Email:                ack[registry.EmailPayload](log),
		TranscriptGeneration: ack[registry.TranscriptGenerationPayload](log),
		SocialPosting:        ack[registry.SocialPostingPayload](log),
		ScheduledPost:        ack[registry.ScheduledPostPayload](log),
		Analytics:            ack[registry.AnalyticsPayload](log),
		FileProcessing:       ack[registry.FileProcessingPayload](log),
	}
}

func ack[T registry.Payload](log *slog.Logger) registry.Handler[T] {
	return func(ctx context.Context, data T, h *worker.Handle) (any, error) {
		log.InfoContext(ctx, "job processed",
			logger.Queue(data.Kind().Queue()),
			logger.JobID(h.Job().ID),
			logger.UserID(data.Owner()))
		return map[string]string{"status": "ok"}, nil
	}
}

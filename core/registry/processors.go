package registry

import (
	"context"
	"fmt"

	"github.com/bytedance/sonic"

	"github.com/dmitrymomot/conveyor/core/batch"
	"github.com/dmitrymomot/conveyor/core/queue"
	"github.com/dmitrymomot/conveyor/core/worker"
)

// Handler processes the typed payload of one kind.
type Handler[T Payload] func(ctx context.Context, data T, h *worker.Handle) (any, error)

func (fn Handler[T]) processor() worker.Processor {
	return worker.ProcessorFunc(func(ctx context.Context, job *queue.Job, h *worker.Handle) (any, error) {
		var data T
		if err := sonic.Unmarshal(job.Data, &data); err != nil {
			return nil, fmt.Errorf("%w: decode %s job %s: %w", ErrInvalidPayload, data.Kind(), job.ID, err)
		}
		return fn(ctx, data, h)
	})
}

// Processors holds one handler per kind. Dispatch is by field, so adding a
// kind without a handler is caught by For rather than at runtime probing.
type Processors struct {
	VideoProcessing      Handler[VideoProcessingPayload]
	ContentGeneration    Handler[ContentGenerationPayload]
	Email                Handler[EmailPayload]
	TranscriptGeneration Handler[TranscriptGenerationPayload]
	SocialPosting        Handler[SocialPostingPayload]
	ScheduledPost        Handler[ScheduledPostPayload]
	Analytics            Handler[AnalyticsPayload]
	FileProcessing       Handler[FileProcessingPayload]
}

// For returns the worker processor of a kind.
func (p Processors) For(kind Kind) (worker.Processor, error) {
	missing := fmt.Errorf("%w: %s", ErrProcessorMissing, kind)

	switch kind {
	case KindVideoProcessing:
		if p.VideoProcessing == nil {
			return nil, missing
		}
		return p.VideoProcessing.processor(), nil
	case KindContentGeneration:
		if p.ContentGeneration == nil {
			return nil, missing
		}
		return p.ContentGeneration.processor(), nil
	case KindEmail:
		if p.Email == nil {
			return nil, missing
		}
		return p.Email.processor(), nil
	case KindTranscriptGeneration:
		if p.TranscriptGeneration == nil {
			return nil, missing
		}
		return p.TranscriptGeneration.processor(), nil
	case KindSocialPosting:
		if p.SocialPosting == nil {
			return nil, missing
		}
		return p.SocialPosting.processor(), nil
	case KindScheduledPost:
		if p.ScheduledPost == nil {
			return nil, missing
		}
		return p.ScheduledPost.processor(), nil
	case KindAnalytics:
		if p.Analytics == nil {
			return nil, missing
		}
		return p.Analytics.processor(), nil
	case KindFileProcessing:
		if p.FileProcessing == nil {
			return nil, missing
		}
		return fileProcessor(p.FileProcessing), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// fileProcessor handles single file jobs and chunked jobs from AddFileProcessingBatch.
// Chunked jobs run the handler per file in order and stop at the first error.
func fileProcessor(fn Handler[FileProcessingPayload]) worker.Processor {
	single := fn.processor()
	return worker.ProcessorFunc(func(ctx context.Context, job *queue.Job, h *worker.Handle) (any, error) {
		if job.Name != BatchJobName(KindFileProcessing) {
			return single.Process(ctx, job, h)
		}

		var payload batch.Payload[FileProcessingPayload]
		if err := sonic.Unmarshal(job.Data, &payload); err != nil {
			return nil, fmt.Errorf("%w: decode file batch job %s: %w", ErrInvalidPayload, job.ID, err)
		}

		results := make([]any, 0, payload.TotalItems)
		done := 0
		for _, chunk := range payload.Batches {
			for _, file := range chunk {
				res, err := fn(ctx, file, h)
				if err != nil {
					return nil, fmt.Errorf("file %s (%d of %d): %w", file.FileID, done+1, payload.TotalItems, err)
				}
				results = append(results, res)
				done++
			}
			if payload.TotalItems > 0 {
				_ = h.UpdateProgress(ctx, done*100/payload.TotalItems)
			}
		}
		return results, nil
	})
}

// StartWorkers registers a worker for each kind, or for every kind when none
// are given, using the kind's concurrency and rate policy.
func (r *Registry) StartWorkers(p Processors, kinds ...Kind) error {
	if r.runtime == nil {
		return ErrRuntimeMissing
	}
	if len(kinds) == 0 {
		kinds = Kinds()
	}

	for _, kind := range kinds {
		proc, err := p.For(kind)
		if err != nil {
			return err
		}
		policy := r.policies[kind]
		if _, err := r.runtime.CreateWorker(kind.Queue(), proc,
			worker.WithConcurrency(policy.Concurrency),
			worker.WithRateLimitPerMinute(policy.WorkerRateLimitPerMinute),
		); err != nil {
			return fmt.Errorf("start %s worker: %w", kind, err)
		}
	}
	return nil
}

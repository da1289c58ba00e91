package redisqueue

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/bytedance/sonic"

	"github.com/dmitrymomot/conveyor/core/queue"
)

// encodeJob flattens a job into hash field/value pairs.
// Encoding uses the standard library; decoding uses sonic.
func encodeJob(job *queue.Job) ([]any, error) {
	opts, err := json.Marshal(job.Options)
	if err != nil {
		return nil, fmt.Errorf("encode options: %w", err)
	}

	return []any{
		"id", job.ID,
		"queue", job.Queue,
		"name", job.Name,
		"data", string(job.Data),
		"options", string(opts),
		"priority", strconv.Itoa(job.Options.Priority),
		"state", job.State.String(),
		"attempts_made", strconv.Itoa(job.AttemptsMade),
		"progress", strconv.Itoa(job.Progress),
		"failed_reason", job.FailedReason,
		"result", string(job.Result),
		"run_at", formatMillis(&job.RunAt),
		"locked_until", formatMillis(job.LockedUntil),
		"created_at", formatMillis(&job.CreatedAt),
		"processed_at", formatMillis(job.ProcessedAt),
		"finished_at", formatMillis(job.FinishedAt),
	}, nil
}

func decodeJob(fields map[string]string) (*queue.Job, error) {
	if len(fields) == 0 {
		return nil, queue.ErrJobNotFound
	}

	job := &queue.Job{
		ID:           fields["id"],
		Queue:        fields["queue"],
		Name:         fields["name"],
		State:        queue.State(fields["state"]),
		FailedReason: fields["failed_reason"],
	}

	if s := fields["options"]; s != "" {
		if err := sonic.UnmarshalString(s, &job.Options); err != nil {
			return nil, fmt.Errorf("decode options of job %s: %w", job.ID, err)
		}
	}
	if s := fields["data"]; s != "" {
		job.Data = json.RawMessage(s)
	}
	if s := fields["result"]; s != "" {
		job.Result = json.RawMessage(s)
	}

	job.AttemptsMade = atoi(fields["attempts_made"])
	job.Progress = atoi(fields["progress"])

	if t := parseMillis(fields["run_at"]); t != nil {
		job.RunAt = *t
	}
	if t := parseMillis(fields["created_at"]); t != nil {
		job.CreatedAt = *t
	}
	job.LockedUntil = parseMillis(fields["locked_until"])
	job.ProcessedAt = parseMillis(fields["processed_at"])
	job.FinishedAt = parseMillis(fields["finished_at"])

	return job, nil
}

func formatMillis(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func parseMillis(s string) *time.Time {
	if s == "" {
		return nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	t := time.UnixMilli(ms)
	return &t
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func millis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

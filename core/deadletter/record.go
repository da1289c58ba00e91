package deadletter

import (
	"encoding/json"
	"time"
)

// DefaultTTL is how long a never-retried record is kept.
const DefaultTTL = 90 * 24 * time.Hour

// Record is the durable snapshot of a job that exhausted its attempts.
type Record struct {
	ID            string          `json:"id" bson:"_id"`
	OriginalQueue string          `json:"original_queue" bson:"original_queue"`
	OriginalJobID string          `json:"original_job_id" bson:"original_job_id"`
	JobName       string          `json:"job_name" bson:"job_name"`
	Data          json.RawMessage `json:"data,omitempty" bson:"data,omitempty"`
	FailedReason  string          `json:"failed_reason" bson:"failed_reason"`
	AttemptsMade  int             `json:"attempts_made" bson:"attempts_made"`
	EnqueuedAt    time.Time       `json:"enqueued_at" bson:"enqueued_at"`
	MovedAt       time.Time       `json:"moved_at" bson:"moved_at"`
	Retried       bool            `json:"retried" bson:"retried"`
	RetriedAt     *time.Time      `json:"retried_at,omitempty" bson:"retried_at,omitempty"`
	RetryQueue    string          `json:"retry_queue,omitempty" bson:"retry_queue,omitempty"`
	RetryJobID    string          `json:"retry_job_id,omitempty" bson:"retry_job_id,omitempty"`
	// ExpiresAt is cleared once the record is retried so acted-upon records are kept.
	ExpiresAt *time.Time `json:"expires_at,omitempty" bson:"expires_at,omitempty"`
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.Data != nil {
		c.Data = append(json.RawMessage(nil), r.Data...)
	}
	if r.RetriedAt != nil {
		t := *r.RetriedAt
		c.RetriedAt = &t
	}
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Queue   string
	Retried *bool
	Limit   int
	Offset  int
}

// DefaultListLimit caps List when Filter.Limit is not positive.
const DefaultListLimit = 100

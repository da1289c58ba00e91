package metrics

import "time"

// DefaultTTL is how long metric records are kept.
const DefaultTTL = 90 * 24 * time.Hour

// Record is a single job execution measurement. Records are append-only.
type Record struct {
	ID          string        `json:"id" bson:"_id"`
	Queue       string        `json:"queue" bson:"queue"`
	JobID       string        `json:"job_id" bson:"job_id"`
	JobName     string        `json:"job_name" bson:"job_name"`
	UserID      string        `json:"user_id,omitempty" bson:"user_id,omitempty"`
	Duration    time.Duration `json:"duration" bson:"duration"`
	MemoryUsage uint64        `json:"memory_usage" bson:"memory_usage"`
	CPUUsage    float64       `json:"cpu_usage" bson:"cpu_usage"`
	Cost        float64       `json:"cost" bson:"cost"`
	Success     bool          `json:"success" bson:"success"`
	Error       string        `json:"error,omitempty" bson:"error,omitempty"`
	Retries     int           `json:"retries" bson:"retries"`
	Timestamp   time.Time     `json:"timestamp" bson:"timestamp"`
	ExpiresAt   time.Time     `json:"expires_at" bson:"expires_at"`
}

// TimeRange bounds a query. Zero bounds are open.
type TimeRange struct {
	From time.Time
	To   time.Time
}

// Last returns the range covering d up to now.
func Last(d time.Duration) TimeRange {
	now := time.Now()
	return TimeRange{From: now.Add(-d), To: now}
}

// Contains reports whether t falls within the range, bounds inclusive.
func (r TimeRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && t.After(r.To) {
		return false
	}
	return true
}

func (r TimeRange) validate() error {
	if !r.From.IsZero() && !r.To.IsZero() && r.To.Before(r.From) {
		return ErrInvalidRange
	}
	return nil
}

// Filter selects records. Empty fields match everything.
type Filter struct {
	Queue  string
	UserID string
	Range  TimeRange
}

// Match reports whether rec satisfies the filter.
func (f Filter) Match(rec *Record) bool {
	if f.Queue != "" && rec.Queue != f.Queue {
		return false
	}
	if f.UserID != "" && rec.UserID != f.UserID {
		return false
	}
	return f.Range.Contains(rec.Timestamp)
}

// Stats aggregates records.
type Stats struct {
	Total        int           `json:"total"`
	Successful   int           `json:"successful"`
	Failed       int           `json:"failed"`
	AvgDuration  time.Duration `json:"avg_duration"`
	AvgMemory    uint64        `json:"avg_memory"`
	TotalCost    float64       `json:"total_cost"`
	TotalRetries int           `json:"total_retries"`
}

// Aggregate folds records into Stats.
func Aggregate(records []*Record) Stats {
	var (
		s        Stats
		duration time.Duration
		memory   uint64
	)
	for _, rec := range records {
		s.Total++
		if rec.Success {
			s.Successful++
		} else {
			s.Failed++
		}
		duration += rec.Duration
		memory += rec.MemoryUsage
		s.TotalCost += rec.Cost
		s.TotalRetries += rec.Retries
	}
	if s.Total > 0 {
		s.AvgDuration = duration / time.Duration(s.Total)
		s.AvgMemory = memory / uint64(s.Total)
	}
	return s
}

package worker

import (
	"context"
	"sync"

	"github.com/dmitrymomot/conveyor/core/queue"
)

// Handle gives a processor access to its running job.
type Handle struct {
	queue *queue.Handle
	job   *queue.Job

	mu   sync.Mutex
	cost float64
	cpu  float64
}

func newHandle(q *queue.Handle, job *queue.Job) *Handle {
	return &Handle{queue: q, job: job}
}

// Job returns the job being processed.
func (h *Handle) Job() *queue.Job {
	return h.job
}

// UpdateProgress stores advisory progress in percent. It never affects control flow.
func (h *Handle) UpdateProgress(ctx context.Context, percent int) error {
	return h.queue.UpdateProgress(ctx, h.job.ID, percent)
}

// ExtendLock renews the claim lock. The runtime already renews it periodically;
// processors only need this around long blocking sections.
func (h *Handle) ExtendLock(ctx context.Context) error {
	return h.queue.ExtendLock(ctx, h.job.ID)
}

// ReportCost adds to the execution cost estimate stored with the job metrics.
func (h *Handle) ReportCost(cost float64) {
	h.mu.Lock()
	h.cost += cost
	h.mu.Unlock()
}

// ReportCPU sets the CPU usage estimate stored with the job metrics.
func (h *Handle) ReportCPU(usage float64) {
	h.mu.Lock()
	h.cpu = usage
	h.mu.Unlock()
}

func (h *Handle) usage() (cost, cpu float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cost, h.cpu
}

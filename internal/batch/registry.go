package batch

import (
	"errors"
	"sync/atomic"
)

// ErrJobAlreadyRunning is returned when a batch start is rejected because
// another job holds the registry.
var ErrJobAlreadyRunning = errors.New("a batch job is already running")

// Registry enforces at most one batch job in flight per process. Acquisition
// is a single compare-and-swap, so two concurrent starts can never both win;
// the loser is told which job id currently holds the slot.
type Registry struct {
	running  atomic.Bool
	activeID atomic.Int64
}

// NewRegistry returns an idle registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Acquire claims the single job slot. It returns false when a job already
// holds it.
func (r *Registry) Acquire() bool {
	return r.running.CompareAndSwap(false, true)
}

// SetActive records the id of the job holding the slot. Call after the job
// row has been created.
func (r *Registry) SetActive(jobID int64) {
	r.activeID.Store(jobID)
}

// Release frees the slot for the next job.
func (r *Registry) Release() {
	r.activeID.Store(0)
	r.running.Store(false)
}

// Active returns the id of the running job, if any. The id can be zero for
// the brief window between acquisition and job-row creation.
func (r *Registry) Active() (int64, bool) {
	if !r.running.Load() {
		return 0, false
	}
	return r.activeID.Load(), true
}

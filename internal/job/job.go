// Package job implements the in-memory transfer job table: a
// process-wide mapping from job id to job record, guarded by a mutex
// because both request handlers and the GC sweep mutate it, with
// at-most-once settlement.
package job

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sharded4/s4/internal/metrics"
)

// Direction distinguishes PUT jobs (receiving bytes) from GET jobs
// (sending bytes).
type Direction int

const (
	Put Direction = iota
	Get
)

// Job is the in-memory record of one in-flight transfer.
type Job struct {
	ID        string
	CreatedAt time.Time
	Direction Direction
	Key       string
	Path      string // on-disk data path

	// TempPath is set for PUT jobs: the staging file under
	// _tempfiles/ that confirm_put renames into place.
	TempPath string

	// DiskChecksum is set for GET jobs: the sidecar checksum read at
	// prepare time, which confirm_get cross-checks against both the
	// client's and the pipeline's checksum.
	DiskChecksum string

	// Settle is closed by the pipeline's completion or by GC
	// abandonment; Checksum/Err hold the pipeline's computed checksum
	// and error for both PUT and GET jobs, and are only valid for
	// reading after Settle is closed.
	Settle   chan struct{}
	Checksum string
	Err      error

	settleOnce sync.Once
}

// Finish records the pipeline's outcome and unblocks any confirm call
// waiting on Settle. Safe to call at most meaningfully once; later calls
// are no-ops, matching the "at-most-once settlement" invariant.
func (j *Job) Finish(checksum string, err error) {
	j.settleOnce.Do(func() {
		j.Checksum = checksum
		j.Err = err
		close(j.Settle)
	})
}

// Table is the process-wide job table.
type Table struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

// NewTable constructs an empty job table.
func NewTable() *Table {
	return &Table{jobs: make(map[string]*Job)}
}

// New allocates a fresh job id (bounded retry against collision),
// registers the job, and returns it.
func (t *Table) New(dir Direction, key, path string) *Job {
	t.mu.Lock()
	defer t.mu.Unlock()

	var id string
	for i := 0; i < 10; i++ {
		candidate := uuid.NewString()
		if _, exists := t.jobs[candidate]; !exists {
			id = candidate
			break
		}
	}
	if id == "" {
		id = uuid.NewString() // practically unreachable; uuid collisions don't happen
	}

	j := &Job{
		ID:        id,
		CreatedAt: time.Now(),
		Direction: dir,
		Key:       key,
		Path:      path,
		Settle:    make(chan struct{}),
	}
	t.jobs[id] = j
	metrics.JobsLive.Set(float64(len(t.jobs)))
	return j
}

// Get looks up a job by id.
func (t *Table) Get(id string) (*Job, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	j, ok := t.jobs[id]
	return j, ok
}

// Delete removes a job from the table without settling it; callers
// that need waiters released call Finish first, as the GC backstop
// does. The confirm handlers call Delete after Settle has closed.
func (t *Table) Delete(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.jobs, id)
	metrics.JobsLive.Set(float64(len(t.jobs)))
}

// Len reports the number of live jobs.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.jobs)
}

// Expired returns every job created before the cutoff, for the GC
// sweep that reclaims abandoned transfers.
func (t *Table) Expired(cutoff time.Time) []*Job {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Job
	for _, j := range t.jobs {
		if j.CreatedAt.Before(cutoff) {
			out = append(out, j)
		}
	}
	return out
}

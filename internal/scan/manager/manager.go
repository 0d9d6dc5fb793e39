// Package manager is the minimal in-process scan manager spec.md
// names as an out-of-scope collaborator ("job admission, lifecycle
// orchestration, partition-slicing thread pool, abort APIs, monitoring
// enumeration") but which the core needs something concrete to drive
// it end to end (see SPEC_FULL.md's DOMAIN STACK).
package manager

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/user/kvscan/internal/observability"
	"github.com/user/kvscan/internal/partition"
	"github.com/user/kvscan/internal/scan/job"
)

// FinishedObserver is notified once per job, after Finish but before
// Destroy, so callers (scanaudit) can persist a completion record
// without the manager needing to know about persistence.
type FinishedObserver func(stat job.Stat)

// Manager owns the set of active jobs and the partition-reservation
// "thread pool" that drives their slices.
type Manager struct {
	store *partition.Store

	sliceConcurrency int
	nextTrid         atomic.Uint64

	mu   sync.Mutex
	jobs map[uint64]job.ScanJob

	onFinished FinishedObserver
}

// New returns a Manager reserving partitions from store and running up
// to sliceConcurrency slices at once per job.
func New(store *partition.Store, sliceConcurrency int, onFinished FinishedObserver) *Manager {
	if sliceConcurrency <= 0 {
		sliceConcurrency = 1
	}
	return &Manager{
		store:            store,
		sliceConcurrency: sliceConcurrency,
		jobs:             make(map[uint64]job.ScanJob),
		onFinished:       onFinished,
	}
}

// NextTransactionID allocates a fresh transaction id for a new scan request.
func (m *Manager) NextTransactionID() uint64 { return m.nextTrid.Add(1) }

// Submit registers j under trid and asynchronously drives its slices
// across partitions (the explicit subset named by the request, or
// every partition when the scan has no partition list), then Finish
// and Destroy. Background jobs (udfbg/opsbg) have already replied
// fin(OK) to the client by the time this returns control to the caller
// admitting them.
func (m *Manager) Submit(trid uint64, j job.ScanJob, partitions []uint16) {
	m.mu.Lock()
	m.jobs[trid] = j
	m.mu.Unlock()

	go m.run(trid, j, partitions)
}

func (m *Manager) run(trid uint64, j job.ScanJob, partitions []uint16) {
	if partitions == nil {
		partitions = job.AllPartitionIDs()
	}

	stat := j.Info()
	ctx := context.Background()

	sem := make(chan struct{}, m.sliceConcurrency)
	var wg sync.WaitGroup
	for _, pid := range partitions {
		wg.Add(1)
		sem <- struct{}{}
		go func(pid uint16) {
			defer wg.Done()
			defer func() { <-sem }()
			rsv := m.store.Reserve(pid)
			defer rsv.Release()
			_, span := observability.StartSliceSpan(ctx, stat.JobType, stat.Namespace, trid, pid)
			err := j.Slice(rsv)
			observability.EndSliceSpan(span, err)
		}(pid)
	}
	wg.Wait()

	j.Finish()
	stat = j.Info()
	if m.onFinished != nil {
		m.onFinished(stat)
	}
	j.Destroy()

	m.mu.Lock()
	delete(m.jobs, trid)
	m.mu.Unlock()
}

// GetJobInfo returns the snapshot for trid, or false if it is not active.
func (m *Manager) GetJobInfo(trid uint64) (job.Stat, bool) {
	m.mu.Lock()
	j, ok := m.jobs[trid]
	m.mu.Unlock()
	if !ok {
		return job.Stat{}, false
	}
	return j.Info(), true
}

// GetAllJobs returns a snapshot of every currently active job.
func (m *Manager) GetAllJobs() []job.Stat {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]job.Stat, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j.Info())
	}
	return out
}

// AbortJob sets trid's abandonment reason to USER_ABORT, returning
// false if trid is not active or does not support external abort.
func (m *Manager) AbortJob(trid uint64) bool {
	m.mu.Lock()
	j, ok := m.jobs[trid]
	m.mu.Unlock()
	if !ok {
		return false
	}
	a, ok := j.(job.Abortable)
	if !ok {
		return false
	}
	return a.Abandon(job.ReasonUserAbort)
}

// AbortAll aborts every active job and returns how many were aborted.
func (m *Manager) AbortAll() int {
	m.mu.Lock()
	jobs := make([]job.ScanJob, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, j)
	}
	m.mu.Unlock()

	n := 0
	for _, j := range jobs {
		if a, ok := j.(job.Abortable); ok && a.Abandon(job.ReasonUserAbort) {
			n++
		}
	}
	return n
}

// ActiveJobCount reports how many jobs are currently running.
func (m *Manager) ActiveJobCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

package jobs

import (
	"sync"
	"time"
)

// Store holds job status keyed by job id.  It is shared between the
// workers that update jobs and the request path that reads them.
type Store interface {
	Put(job Job)
	Get(id string) (Job, bool)
	Delete(id string)
}

// MemoryStore is an in-process Store.  Jobs that reached a terminal
// status are evicted once they are older than the retention; queued,
// running and retrying jobs are never evicted.
type MemoryStore struct {
	mu        sync.RWMutex
	jobs      map[string]Job
	retention time.Duration
	lastSweep time.Time
	now       func() time.Time
}

// NewMemoryStore returns an empty MemoryStore that keeps finished jobs
// for retention.  A zero retention keeps them forever.
func NewMemoryStore(retention time.Duration) *MemoryStore {
	return &MemoryStore{
		jobs:      make(map[string]Job),
		retention: retention,
		now:       time.Now,
	}
}

func (m *MemoryStore) Put(job Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job
	m.sweep()
}

func (m *MemoryStore) Get(id string) (Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if ok && m.expired(job, m.now()) {
		return Job{}, false
	}
	return job, ok
}

func (m *MemoryStore) Delete(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
}

// Len returns the number of stored jobs, expired ones included until the
// next sweep.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.jobs)
}

// sweep drops expired jobs, at most once per half retention.  m.mu must
// be held.
func (m *MemoryStore) sweep() {
	if m.retention <= 0 {
		return
	}
	now := m.now()
	if now.Sub(m.lastSweep) < m.retention/2 {
		return
	}
	m.lastSweep = now
	for id, job := range m.jobs {
		if m.expired(job, now) {
			delete(m.jobs, id)
		}
	}
}

func (m *MemoryStore) expired(job Job, now time.Time) bool {
	return m.retention > 0 && job.Status.Terminal() && now.Sub(job.UpdatedAt) > m.retention
}

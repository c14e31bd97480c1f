package scheduler

import "github.com/taskgraph/taskgraph/internal/model"

// heldLock is one lock currently held by a running job.
type heldLock struct {
	jobID string
	mode  model.LockMode
}

// lockTable derives which locks are currently held from the set of running
// jobs: a job holds every lock it declared for its entire run, so there is
// no separate lock ledger to persist or to go stale on crash (spec.md
// §4.5: "the scheduler never holds two locks across a suspension point" —
// re-deriving from job.json on every tick means there is nothing to leak).
func lockTable(running []*model.JobRecord) map[string][]heldLock {
	table := map[string][]heldLock{}
	for _, j := range running {
		for _, l := range j.Locks {
			table[l.Key] = append(table[l.Key], heldLock{jobID: j.JobID, mode: l.Mode})
		}
	}
	return table
}

// canAcquire reports whether jobID may acquire every lock in locks given
// what other running jobs currently hold (spec.md §4.5: "Acquire every
// declared lock atomically; failure releases everything").
func canAcquire(locks []model.Lock, table map[string][]heldLock, jobID string) bool {
	for _, want := range locks {
		for _, held := range table[want.Key] {
			if held.jobID == jobID {
				continue
			}
			if !want.Compatible(model.Lock{Key: want.Key, Mode: held.mode}) {
				return false
			}
		}
	}
	return true
}

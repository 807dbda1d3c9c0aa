package host

import (
	"github.com/oriys/midas/internal/script"
	"github.com/oriys/midas/internal/table"
)

// job holds the state of one Begin-initiated cycle. A nil job pointer on the
// coordinator means no job is active.
type job struct {
	// startedWith is the membership snapshot aggregation is valid against.
	startedWith Snapshot

	// engine is the per-job host VM; it only runs generate_data and
	// interpret_results and is dropped when the job ends.
	engine *script.Engine

	// results holds one table per snapshot slot.
	results []table.Table
	// received marks which slots reported, so finished counts each
	// participant once; a repeated result replaces the stored table.
	received []bool
	finished int
}

func newJob(snapshot Snapshot, engine *script.Engine) *job {
	return &job{
		startedWith: snapshot,
		engine:      engine,
		results:     make([]table.Table, len(snapshot)),
		received:    make([]bool, len(snapshot)),
	}
}

// store records a slot's result, keeping the last table received. It reports
// whether the slot was new and whether every slot has now reported.
func (j *job) store(slot int, t table.Table) (newResult, complete bool) {
	j.results[slot] = t
	if j.received[slot] {
		return false, false
	}
	j.received[slot] = true
	j.finished++
	return true, j.finished == len(j.startedWith)
}

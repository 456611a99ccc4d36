package promoter

import (
	"time"

	"github.com/ppdbx/chunkpromoter/pkg/db/entities"
	"github.com/ppdbx/chunkpromoter/pkg/warehouse"
)

// Report describes what a promotion run did to the warehouse.
type Report struct {
	ChunkIDs []int64          `json:"chunkIds"`
	Tables   []entities.Table `json:"tables"`
	Jobs     []*warehouse.Job `json:"jobs"`
	// Replaced lists production tables swapped during this run, in order.
	Replaced []entities.Table `json:"replaced,omitempty"`
	// Resumed lists tables skipped by build_tmp and promote_prod because an earlier run replaced them.
	Resumed        []entities.Table `json:"resumed,omitempty"`
	SkippedStaging []entities.Table `json:"skippedStaging,omitempty"`
	CleanupErr     error            `json:"-"`
	CleanupError   string           `json:"cleanupError,omitempty"`
	Duration       time.Duration    `json:"duration"`
}

func (r *Report) setCleanupErr(err error) {
	r.CleanupErr = err
	r.CleanupError = err.Error()
}

// JobsFor returns the jobs labelled with phase.
func (r *Report) JobsFor(phase Phase) []*warehouse.Job {
	out := make([]*warehouse.Job, 0)
	for _, j := range r.Jobs {
		if j.Label == phase.String() {
			out = append(out, j)
		}
	}
	return out
}

// WrittenRows sums the rows written by the jobs of phase.
func (r *Report) WrittenRows(phase Phase) uint64 {
	var n uint64
	for _, j := range r.JobsFor(phase) {
		n += j.WrittenRows
	}
	return n
}

// Package resources sizes the read-distance worker pool from the memory and
// CPUs of the host. The host is queried through a Probe so that tests, and
// callers that know better, can inject fixed values.
package resources

import (
	"fmt"
)

const (
	// GiB is used to size the worker count: one worker per GiB of total memory.
	GiB = 1 << 30
	// ReadBatchBytes is the memory budgeted per read held in a batch.
	ReadBatchBytes = 10 << 20
	// RefTaskBytes is the working memory assumed for one reference sequence.
	RefTaskBytes = 100 << 20

	MinReadBatchSize = 1000
	MaxReadBatchSize = 10000
	MinRefsPerTask   = 1
	MaxRefsPerTask   = 10
)

// Probe reports the resources of the machine. Values are read once, at
// startup.
type Probe interface {
	// TotalMemory returns the installed memory, in bytes.
	TotalMemory() (uint64, error)
	// AvailableMemory returns the memory that can be allocated without
	// swapping, in bytes.
	AvailableMemory() (uint64, error)
	// NumCPU returns the number of usable cores.
	NumCPU() int
}

// FixedProbe is a Probe that returns its field values.
type FixedProbe struct {
	Total     uint64
	Available uint64
	CPUs      int
}

// TotalMemory implements Probe.
func (p FixedProbe) TotalMemory() (uint64, error) { return p.Total, nil }

// AvailableMemory implements Probe.
func (p FixedProbe) AvailableMemory() (uint64, error) { return p.Available, nil }

// NumCPU implements Probe.
func (p FixedProbe) NumCPU() int { return p.CPUs }

// Plan is the worker pool configuration used for every input file.
type Plan struct {
	// Workers is the number of reference batches processed concurrently.
	Workers int
	// ReadBatchSize is the maximum number of reads grouped into pairs at once.
	ReadBatchSize int
	// RefsPerTask is the number of reference sequences handed to a worker in
	// one task.
	RefsPerTask int
}

// NewPlan computes a Plan from the probe:
//
//   Workers       = min(cpus-1, max(1, total/GiB)), at least 1
//   ReadBatchSize = available/10MiB, clamped to [1000, 10000]
//   RefsPerTask   = available/100MiB, clamped to [1, 10]
func NewPlan(probe Probe) (Plan, error) {
	total, err := probe.TotalMemory()
	if err != nil {
		return Plan{}, err
	}
	avail, err := probe.AvailableMemory()
	if err != nil {
		return Plan{}, err
	}
	workers := probe.NumCPU() - 1
	if memWorkers := maxInt(1, int(total/GiB)); memWorkers < workers {
		workers = memWorkers
	}
	if workers < 1 {
		workers = 1
	}
	return Plan{
		Workers:       workers,
		ReadBatchSize: clamp(avail/ReadBatchBytes, MinReadBatchSize, MaxReadBatchSize),
		RefsPerTask:   clamp(avail/RefTaskBytes, MinRefsPerTask, MaxRefsPerTask),
	}, nil
}

// Override replaces each field of p with the corresponding field of o when
// the latter is positive.
func (p Plan) Override(o Plan) Plan {
	if o.Workers > 0 {
		p.Workers = o.Workers
	}
	if o.ReadBatchSize > 0 {
		p.ReadBatchSize = o.ReadBatchSize
	}
	if o.RefsPerTask > 0 {
		p.RefsPerTask = o.RefsPerTask
	}
	return p
}

// Batches partitions refs into contiguous chunks of p.RefsPerTask names. The
// last chunk may be shorter. The chunks share refs' backing array.
func (p Plan) Batches(refs []string) [][]string {
	n := p.RefsPerTask
	if n < 1 {
		n = 1
	}
	batches := make([][]string, 0, (len(refs)+n-1)/n)
	for start := 0; start < len(refs); start += n {
		limit := start + n
		if limit > len(refs) {
			limit = len(refs)
		}
		batches = append(batches, refs[start:limit:limit])
	}
	return batches
}

func (p Plan) String() string {
	return fmt.Sprintf("workers=%d read-batch-size=%d refs-per-task=%d", p.Workers, p.ReadBatchSize, p.RefsPerTask)
}

func clamp(v uint64, lo, hi int) int {
	if v < uint64(lo) {
		return lo
	}
	if v > uint64(hi) {
		return hi
	}
	return int(v)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

package insertsize

import (
	"fmt"

	"github.com/herbaria/bio/readpair"
)

// TaskName is the ledger task under which finished inputs are recorded.
const TaskName = "read_distance"

// Opts configures a Pipeline. Zero-valued resource fields are computed from
// the host; see resources.NewPlan.
type Opts struct {
	// InputDir is searched recursively for inputs whose base name matches
	// Pattern.
	InputDir string
	Pattern  string
	// OutputDir receives one table per input.
	OutputDir string
	// Format is "csv" or "tsv".
	Format string
	// Compression is "none", "gzip", "bgzf" or "snappy".
	Compression string
	// LedgerPath, if nonempty, names the file recording finished inputs.
	LedgerPath string

	Workers       int
	ReadBatchSize int
	RefsPerTask   int

	// MaxStartDistance is the largest accepted distance between the raw
	// alignment starts of two mates.
	MaxStartDistance int
}

// DefaultOpts lists the default values of Opts.
var DefaultOpts = Opts{
	InputDir:         ".",
	Pattern:          "*sorted.bam",
	OutputDir:        "read_distance",
	Format:           "csv",
	Compression:      "none",
	MaxStartDistance: readpair.DefaultMaxStartDistance,
}

// Status is the outcome of processing one input.
type Status int

const (
	// Written means that a table was written.
	Written Status = iota
	// Skipped means that the table already existed, or the ledger listed the
	// input as done.
	Skipped
	// Empty means that no pair passed the filters, and nothing was written.
	Empty
	// Failed means that the input could not be processed at all.
	Failed
)

func (s Status) String() string {
	switch s {
	case Written:
		return "written"
	case Skipped:
		return "skipped"
	case Empty:
		return "empty"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// FileResult summarizes the processing of one input.
type FileResult struct {
	Input  string
	Output string
	Status Status
	// Rows is the number of rows written.
	Rows int
	// FailedRefs lists references whose records were dropped because reading
	// them failed.
	FailedRefs []string
	// FailedTasks lists the reference batches whose task failed as a whole.
	FailedTasks [][]string
	// Err is the first error seen while processing the input. It is set for
	// Failed results, and may be set for Written or Empty ones when some
	// references or tasks failed.
	Err error
}

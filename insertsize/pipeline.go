// Package insertsize computes, for every properly paired read in a set of
// coordinate-sorted BAM files, the insert and overlap lengths of the pair
// after undoing soft clipping, and writes one table of distances per file.
//
// Each file is processed by a pool of workers. The references of the file
// are split into batches (resources.Plan.Batches); a worker reads each
// reference of its batch through its own iterator and extracts the pairs
// (readpair.Extractor). Batches finish in any order, and their rows are
// appended to the table in completion order.
//
// A failure while reading a reference drops that reference's rows. A panic
// in a worker drops its batch. Neither stops the rest of the file. A file
// whose table already exists, or that the ledger lists as done, is skipped.
package insertsize

import (
	"context"
	"os"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/herbaria/bio/encoding/bamprovider"
	"github.com/herbaria/bio/encoding/distancetable"
	"github.com/herbaria/bio/ledger"
	"github.com/herbaria/bio/readpair"
	"github.com/herbaria/bio/resources"
)

// Pipeline processes BAM files into distance tables. Its fields must not be
// changed once Run or ProcessFile has been called.
type Pipeline struct {
	Opts Opts
	Plan resources.Plan
	// Ledger lists the inputs already done. It is updated after every
	// written table.
	Ledger *ledger.T
	// NewProvider opens an input. Defaults to bamprovider.NewProvider.
	NewProvider func(path string) bamprovider.Provider

	table distancetable.Opts
}

// New creates a Pipeline. The worker plan is computed from probe, then
// overridden by the positive resource fields of opts. The probe is not
// consulted when all three resource fields are positive. The ledger at
// opts.LedgerPath is read now; without a path the ledger is kept in memory.
func New(ctx context.Context, opts Opts, probe resources.Probe) (*Pipeline, error) {
	format, err := distancetable.ParseFormat(opts.Format)
	if err != nil {
		return nil, err
	}
	compression, err := distancetable.ParseCompression(opts.Compression)
	if err != nil {
		return nil, err
	}
	plan := resources.Plan{
		Workers:       opts.Workers,
		ReadBatchSize: opts.ReadBatchSize,
		RefsPerTask:   opts.RefsPerTask,
	}
	if plan.Workers < 1 || plan.ReadBatchSize < 1 || plan.RefsPerTask < 1 {
		probed, err := resources.NewPlan(probe)
		if err != nil {
			return nil, errors.E(err, "resource probe")
		}
		plan = probed.Override(plan)
	}
	led := ledger.NewMemory()
	if opts.LedgerPath != "" {
		if led, err = ledger.Open(ctx, opts.LedgerPath); err != nil {
			return nil, err
		}
	}
	return &Pipeline{
		Opts:   opts,
		Plan:   plan,
		Ledger: led,
		table:  distancetable.Opts{Format: format, Compression: compression},
	}, nil
}

// OutputPath returns the table path for input.
func (p *Pipeline) OutputPath(input string) string {
	return distancetable.Path(p.Opts.OutputDir, input, p.table)
}

// Run processes inputs one after another. A failure in one input is
// reported in its FileResult and does not stop the others; only an unusable
// configuration is returned as an error.
func (p *Pipeline) Run(ctx context.Context, inputs []string) ([]FileResult, error) {
	if p.Plan.Workers < 1 || p.Plan.ReadBatchSize < 1 {
		return nil, errors.E(errors.Invalid, "invalid plan: "+p.Plan.String())
	}
	log.Printf("processing %d inputs: %v", len(inputs), p.Plan)
	results := make([]FileResult, 0, len(inputs))
	counts := map[Status]int{}
	for i, input := range inputs {
		log.Printf("[%d/%d] %s", i+1, len(inputs), input)
		res := p.ProcessFile(ctx, input)
		counts[res.Status]++
		results = append(results, res)
	}
	log.Printf("done: %d written, %d skipped, %d empty, %d failed",
		counts[Written], counts[Skipped], counts[Empty], counts[Failed])
	return results, nil
}

// ProcessFile computes and writes the table of one input.
func (p *Pipeline) ProcessFile(ctx context.Context, input string) FileResult {
	res := FileResult{Input: input, Output: p.OutputPath(input)}
	key := ledger.Key{Sample: distancetable.SampleName(input), Task: TaskName}
	if p.Ledger != nil && p.Ledger.Done(key) {
		log.Printf("%s: listed in ledger, skipping", input)
		res.Status = Skipped
		return res
	}
	if _, err := file.Stat(ctx, res.Output); err == nil {
		log.Printf("%s: %s exists, skipping", input, res.Output)
		res.Status = Skipped
		return res
	}

	newProvider := p.NewProvider
	if newProvider == nil {
		newProvider = func(path string) bamprovider.Provider { return bamprovider.NewProvider(path) }
	}
	provider := newProvider(input)
	refs, err := provider.References()
	if err != nil {
		log.Error.Printf("%s: %v", input, err)
		res.Status, res.Err = Failed, err
		if e := provider.Close(); e != nil {
			log.Debug.Printf("%s: close: %v", input, e)
		}
		return res
	}

	var (
		firstErr errors.Once
		rows     []readpair.DistanceRecord
		stats    readpair.Stats
	)
	batches := p.Plan.Batches(refs)
	nDone := 0
	for r := range p.runTasks(provider, input, batches) {
		nDone++
		log.Printf("%s: task %d/%d done (%d references)", input, nDone, len(batches), len(r.refs))
		if r.err != nil {
			log.Error.Printf("%s: task for references %v failed: %v", input, r.refs, r.err)
			res.FailedTasks = append(res.FailedTasks, r.refs)
			firstErr.Set(r.err)
			continue
		}
		res.FailedRefs = append(res.FailedRefs, r.failedRefs...)
		if r.refErr != nil {
			firstErr.Set(r.refErr)
		}
		rows = append(rows, r.rows...)
		stats.Reads += r.stats.Reads
		stats.ProperReads += r.stats.ProperReads
		stats.Names += r.stats.Names
		stats.Pairs += r.stats.Pairs
	}
	// Reference failures were already reported by the tasks; a provider error
	// here repeats one of them.
	if err := provider.Close(); err != nil {
		log.Debug.Printf("%s: close: %v", input, err)
	}
	res.Err = firstErr.Err()
	log.Printf("%s: %d reads, %d properly paired, %d pairs kept", input, stats.Reads, stats.ProperReads, stats.Pairs)

	nFailed := len(res.FailedRefs)
	for _, batch := range res.FailedTasks {
		nFailed += len(batch)
	}
	if len(refs) > 0 && nFailed == len(refs) {
		// Typically a missing or unreadable index.
		log.Error.Printf("%s: all %d references failed", input, len(refs))
		res.Status = Failed
		return res
	}
	if len(rows) == 0 {
		log.Printf("%s: no valid data", input)
		res.Status = Empty
		return res
	}
	err = makeDir(p.Opts.OutputDir)
	if err == nil {
		err = distancetable.Write(ctx, res.Output, p.table, rows)
	}
	if err != nil {
		log.Error.Printf("%s: %v", input, err)
		res.Status, res.Err = Failed, err
		return res
	}
	res.Status, res.Rows = Written, len(rows)
	log.Printf("%s: wrote %d rows to %s", input, len(rows), res.Output)
	if p.Ledger != nil {
		if err := p.Ledger.Record(ctx, key); err != nil {
			log.Error.Printf("%s: ledger: %v", input, err)
		}
	}
	return res
}

// runTasks hands the batches to min(Plan.Workers, len(batches)) workers and
// returns a channel of their results, in completion order. The channel is
// closed once every batch is accounted for.
func (p *Pipeline) runTasks(provider bamprovider.Provider, input string, batches [][]string) <-chan taskResult {
	results := make(chan taskResult, len(batches))
	if len(batches) == 0 {
		close(results)
		return results
	}
	pending := make(chan []string, len(batches))
	for _, b := range batches {
		pending <- b
	}
	close(pending)

	nWorkers := p.Plan.Workers
	if nWorkers > len(batches) {
		nWorkers = len(batches)
	}
	maxDist := p.Opts.MaxStartDistance
	go func() {
		// Tasks recover their own panics and report failures in their result.
		traverse.Each(nWorkers, func(_ int) error { // nolint: errcheck
			t := task{provider: provider, batchSize: p.Plan.ReadBatchSize, maxDist: maxDist, path: input}
			for refs := range pending {
				r := t.run(refs)
				results <- r
				log.Debug.Printf("%s: finished references %v (%d rows)", input, refs, len(r.rows))
			}
			return nil
		})
		close(results)
	}()
	return results
}

// makeDir creates a local output directory. Other file systems have no
// directories to create.
func makeDir(dir string) error {
	if dir == "" || strings.Contains(dir, "://") {
		return nil
	}
	return os.MkdirAll(dir, 0755)
}

package insertsize

import (
	"fmt"
	"runtime/debug"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/hts/sam"
	"github.com/herbaria/bio/encoding/bamprovider"
	"github.com/herbaria/bio/readpair"
)

// taskResult is what a worker reports for one batch of references.
type taskResult struct {
	refs []string
	rows []readpair.DistanceRecord
	// failedRefs are references whose rows were dropped.
	failedRefs []string
	refErr     error
	// err is set when the task failed as a whole. rows is then empty.
	err   error
	stats readpair.Stats
}

// task extracts the distance records of a batch of references. Each
// reference is read through its own iterator, in groups of at most
// batchSize reads.
type task struct {
	provider  bamprovider.Provider
	batchSize int
	maxDist   int
	path      string
}

func (t *task) run(refs []string) (res taskResult) {
	res.refs = refs
	defer func() {
		if r := recover(); r != nil {
			log.Debug.Printf("%s: task %v panicked: %v\n%s", t.path, refs, r, debug.Stack())
			res.rows = nil
			res.err = errors.E(fmt.Sprintf("%s: refs %v: panic: %v", t.path, refs, r))
		}
	}()
	ex := readpair.Extractor{MaxStartDistance: t.maxDist}
	batch := make([]readpair.AlignedRead, 0, t.batchSize)
	for _, ref := range refs {
		rows, err := t.runRef(&ex, ref, batch[:0], len(res.rows))
		if err != nil {
			log.Error.Printf("%s: reference %s: %v", t.path, ref, err)
			res.failedRefs = append(res.failedRefs, ref)
			if res.refErr == nil {
				res.refErr = err
			}
			continue
		}
		res.rows = append(res.rows, rows...)
	}
	res.stats = ex.Stats
	return res
}

// runRef returns the rows of one reference. The rows are discarded by the
// caller if the iterator reports an error, so a reference contributes either
// all of its rows or none.
func (t *task) runRef(ex *readpair.Extractor, ref string, batch []readpair.AlignedRead, nPrev int) (rows []readpair.DistanceRecord, err error) {
	iter := t.provider.NewRefIterator(ref)
	defer func() {
		if e := iter.Close(); e != nil && err == nil {
			err = e
		}
		if err != nil {
			rows = nil
		}
	}()
	for iter.Scan() {
		rec := iter.Record()
		batch = append(batch, readpair.FromRecord(rec))
		sam.PutInFreePool(rec)
		if len(batch) >= t.batchSize {
			rows = ex.AppendBatch(rows, batch)
			batch = batch[:0]
		}
	}
	if len(batch) > 0 {
		rows = ex.AppendBatch(rows, batch)
	}
	log.Debug.Printf("%s: reference %s: %d rows (%d before it in task)", t.path, ref, len(rows), nPrev)
	return rows, iter.Err()
}

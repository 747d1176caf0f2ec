package readpair

// DefaultMaxStartDistance is the largest accepted difference between the raw
// alignment starts of two mates. Pairs further apart are treated as mispaired.
const DefaultMaxStartDistance = 1000

// DistanceRecord is one output row: the soft-clip-adjusted spans of a read
// and its mate, their full lengths, and the insert and overlap between them.
//
// InsertLength is negative when the raw coordinates of the two reads disagree
// on orientation. OverlapLength is never negative.
type DistanceRecord struct {
	RefName       string
	ReadName      string
	ReadStart     int
	ReadEnd       int
	MateStart     int
	MateEnd       int
	ReadLength    int
	MateLength    int
	InsertLength  int
	OverlapLength int
}

// Columns lists the output column names, in DistanceRecord field order.
var Columns = []string{
	"ref_name",
	"read_name",
	"read_start",
	"read_end",
	"mate_start",
	"mate_end",
	"read_length",
	"mate_length",
	"insert_length",
	"overlap_length",
}

// Extractor turns batches of reads from one reference into DistanceRecords.
// The zero value is ready to use. An Extractor is not safe for concurrent
// use; give each worker its own.
type Extractor struct {
	// MaxStartDistance overrides DefaultMaxStartDistance when positive.
	MaxStartDistance int

	// Stats accumulates over every batch passed to this Extractor.
	Stats Stats

	groups nameIndex
}

// Stats counts what an Extractor saw and kept.
type Stats struct {
	Reads       int // all reads passed in
	ProperReads int // reads flagged properly paired
	Names       int // distinct read names among proper reads, summed per batch
	Pairs       int // records emitted
}

// Extract returns the records for the accepted pairs in batch.
func (e *Extractor) Extract(batch []AlignedRead) []DistanceRecord {
	return e.AppendBatch(nil, batch)
}

// AppendBatch appends the records for the accepted pairs in batch to dst.
// Pairs are emitted in the order their first read appears in the batch. Mates
// that fall into different batches are not joined.
func (e *Extractor) AppendBatch(dst []DistanceRecord, batch []AlignedRead) []DistanceRecord {
	maxDist := e.MaxStartDistance
	if maxDist <= 0 {
		maxDist = DefaultMaxStartDistance
	}
	e.groups.reset()
	e.Stats.Reads += len(batch)
	for i := range batch {
		if !batch[i].ProperPair {
			continue
		}
		e.Stats.ProperReads++
		e.groups.add(batch[i].Name, i)
	}
	e.Stats.Names += e.groups.len()
	for _, g := range e.groups.groups {
		read, mate, ok := matePair(batch, g)
		if !ok {
			continue
		}
		if rec, ok := distance(read, mate, maxDist); ok {
			dst = append(dst, rec)
			e.Stats.Pairs++
		}
	}
	return dst
}

// matePair picks the first-in-pair and second-in-pair reads of a name group.
// Groups that are not exactly one of each are rejected.
func matePair(batch []AlignedRead, g []int) (read, mate *AlignedRead, ok bool) {
	if len(g) != 2 {
		return nil, nil, false
	}
	a, b := &batch[g[0]], &batch[g[1]]
	switch {
	case a.Read1 && !a.Read2 && b.Read2 && !b.Read1:
		return a, b, true
	case b.Read1 && !b.Read2 && a.Read2 && !a.Read1:
		return b, a, true
	}
	return nil, nil, false
}

type span struct{ start, end int }

func normalized(start, end int) span {
	if start > end {
		return span{end, start}
	}
	return span{start, end}
}

// insertAndOverlap computes the gap between two spans, or the size of their
// intersection if they touch or intersect.
func insertAndOverlap(r, m span) (insert, overlap int) {
	switch {
	case r.end < m.start:
		return m.start - r.end, 0
	case m.end < r.start:
		return r.start - m.end, 0
	}
	return 0, min(r.end, m.end) - max(r.start, m.start)
}

func distance(read, mate *AlignedRead, maxDist int) (DistanceRecord, bool) {
	if read.Spliced() || mate.Spliced() {
		return DistanceRecord{}, false
	}
	if abs(read.RefStart-mate.RefStart) > maxDist {
		return DistanceRecord{}, false
	}
	readStart, readEnd := read.AdjustedStart(), read.AdjustedEnd()
	mateStart, mateEnd := mate.AdjustedStart(), mate.AdjustedEnd()

	insert, overlap := insertAndOverlap(normalized(readStart, readEnd), normalized(mateStart, mateEnd))
	if (read.RefStart > read.RefEnd) != (mate.RefStart > mate.RefEnd) {
		insert = -insert
	}
	return DistanceRecord{
		RefName:       read.RefName,
		ReadName:      read.Name,
		ReadStart:     readStart,
		ReadEnd:       readEnd,
		MateStart:     mateStart,
		MateEnd:       mateEnd,
		ReadLength:    read.TotalLength(),
		MateLength:    mate.TotalLength(),
		InsertLength:  insert,
		OverlapLength: overlap,
	}, true
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

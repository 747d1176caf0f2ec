package insertsize_test

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/grailbio/hts/sam"
	"github.com/grailbio/testutil"
	"github.com/herbaria/bio/encoding/bamprovider"
	"github.com/herbaria/bio/encoding/distancetable"
	"github.com/herbaria/bio/insertsize"
	"github.com/herbaria/bio/ledger"
	"github.com/herbaria/bio/readpair"
	"github.com/herbaria/bio/resources"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	r1 = sam.Paired | sam.ProperPair | sam.Read1
	r2 = sam.Paired | sam.ProperPair | sam.Read2 | sam.Reverse
)

type testData struct {
	header *sam.Header
	refs   map[string]*sam.Reference
	recs   []*sam.Record
}

func newTestData(t *testing.T, refNames ...string) *testData {
	d := &testData{refs: map[string]*sam.Reference{}}
	var refs []*sam.Reference
	for _, name := range refNames {
		ref, err := sam.NewReference(name, "", "", 1000000, nil, nil)
		require.NoError(t, err)
		refs = append(refs, ref)
		d.refs[name] = ref
	}
	var err error
	d.header, err = sam.NewHeader(nil, refs)
	require.NoError(t, err)
	return d
}

// add appends a read aligned to ref at pos. cigar defaults to 50M.
func (d *testData) add(ref, name string, pos int, flags sam.Flags, cigar ...sam.CigarOp) {
	if len(cigar) == 0 {
		cigar = []sam.CigarOp{sam.NewCigarOp(sam.CigarMatch, 50)}
	}
	d.recs = append(d.recs, &sam.Record{
		Name:  name,
		Ref:   d.refs[ref],
		Pos:   pos,
		Flags: flags,
		Cigar: cigar,
	})
}

func (d *testData) provider() *bamprovider.FakeProvider {
	return bamprovider.NewFakeProvider(d.header, d.recs)
}

// standardData has one kept pair on each of chr1 and chr2, and reads on chr3
// that are all rejected.
func standardData(t *testing.T) *testData {
	d := newTestData(t, "chr1", "chr2", "chr3")
	d.add("chr1", "a", 100, r1)
	d.add("chr1", "a", 200, r2)
	d.add("chr2", "b", 100, r1)
	d.add("chr2", "single", 110, sam.Paired|sam.Read1)
	d.add("chr2", "b", 120, r2, sam.NewCigarOp(sam.CigarMatch, 30))
	d.add("chr3", "spliced", 100, r1,
		sam.NewCigarOp(sam.CigarMatch, 20), sam.NewCigarOp(sam.CigarSkipped, 500), sam.NewCigarOp(sam.CigarMatch, 30))
	d.add("chr3", "spliced", 700, r2)
	d.add("chr3", "far", 1000, r1)
	d.add("chr3", "far", 5000, r2)
	return d
}

var (
	rowA = readpair.DistanceRecord{RefName: "chr1", ReadName: "a", ReadStart: 100, ReadEnd: 150, MateStart: 200, MateEnd: 250,
		ReadLength: 50, MateLength: 50, InsertLength: 50, OverlapLength: 0}
	rowB = readpair.DistanceRecord{RefName: "chr2", ReadName: "b", ReadStart: 100, ReadEnd: 150, MateStart: 120, MateEnd: 150,
		ReadLength: 50, MateLength: 30, InsertLength: 0, OverlapLength: 30}
)

func newPipeline(t *testing.T, outDir string, plan resources.Plan, provider bamprovider.Provider) *insertsize.Pipeline {
	opts := insertsize.DefaultOpts
	opts.OutputDir = outDir
	opts.Workers, opts.ReadBatchSize, opts.RefsPerTask = plan.Workers, plan.ReadBatchSize, plan.RefsPerTask
	p, err := insertsize.New(context.Background(), opts, resources.FixedProbe{Total: 4 << 30, Available: 1 << 30, CPUs: 4})
	require.NoError(t, err)
	p.NewProvider = func(string) bamprovider.Provider { return provider }
	return p
}

func readRows(t *testing.T, path string) []readpair.DistanceRecord {
	rows, err := distancetable.Read(context.Background(), path, distancetable.Opts{})
	require.NoError(t, err)
	sort.Slice(rows, func(i, j int) bool { return rows[i].ReadName < rows[j].ReadName })
	return rows
}

func TestProcessFile(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()

	for _, plan := range []resources.Plan{
		{Workers: 1, ReadBatchSize: 1000, RefsPerTask: 1},
		{Workers: 2, ReadBatchSize: 1000, RefsPerTask: 1},
		{Workers: 3, ReadBatchSize: 1000, RefsPerTask: 2},
		{Workers: 8, ReadBatchSize: 1000, RefsPerTask: 10},
	} {
		outDir := filepath.Join(tmpdir, fmt.Sprintf("w%d-r%d", plan.Workers, plan.RefsPerTask))
		provider := standardData(t).provider()
		p := newPipeline(t, outDir, plan, provider)
		res := p.ProcessFile(ctx, "in/DAL12.postSample.sorted.bam")
		assert.Equal(t, insertsize.Written, res.Status, plan.String())
		assert.Equal(t, 2, res.Rows)
		assert.NoError(t, res.Err)
		assert.Empty(t, res.FailedRefs)
		assert.Equal(t, filepath.Join(outDir, "DAL12.csv"), res.Output)
		assert.Equal(t, []readpair.DistanceRecord{rowA, rowB}, readRows(t, res.Output))
		assert.True(t, p.Ledger.Done(ledger.Key{Sample: "DAL12", Task: insertsize.TaskName}))
		assert.NoError(t, provider.Close())
	}
}

func TestRowsOfATaskStayInOrder(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	d := newTestData(t, "chr1")
	for i := 0; i < 20; i++ {
		name := fmt.Sprintf("p%02d", i)
		d.add("chr1", name, 100*i, r1)
		d.add("chr1", name, 100*i+60, r2)
	}
	p := newPipeline(t, tmpdir, resources.Plan{Workers: 4, ReadBatchSize: 1000, RefsPerTask: 1}, d.provider())
	res := p.ProcessFile(context.Background(), "x.sorted.bam")
	require.Equal(t, insertsize.Written, res.Status)
	rows, err := distancetable.Read(context.Background(), res.Output, distancetable.Opts{})
	require.NoError(t, err)
	require.Len(t, rows, 20)
	for i, row := range rows {
		assert.Equal(t, fmt.Sprintf("p%02d", i), row.ReadName)
		assert.Equal(t, 10, row.InsertLength)
	}
}

func TestSkipExistingOutput(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()

	provider := standardData(t).provider()
	p := newPipeline(t, tmpdir, resources.Plan{Workers: 2, ReadBatchSize: 1000, RefsPerTask: 1}, provider)
	out := p.OutputPath("x.sorted.bam")
	require.NoError(t, ioutil.WriteFile(out, []byte("old"), 0644))

	res := p.ProcessFile(ctx, "x.sorted.bam")
	assert.Equal(t, insertsize.Skipped, res.Status)
	assert.Equal(t, 0, provider.Opened())
	data, err := ioutil.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "old", string(data))
}

func TestRerunIsIdempotent(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()

	provider := standardData(t).provider()
	p := newPipeline(t, tmpdir, resources.Plan{Workers: 2, ReadBatchSize: 1000, RefsPerTask: 1}, provider)
	res := p.ProcessFile(ctx, "x.sorted.bam")
	require.Equal(t, insertsize.Written, res.Status)
	opened := provider.Opened()
	assert.Equal(t, 3, opened)

	res = p.ProcessFile(ctx, "x.sorted.bam")
	assert.Equal(t, insertsize.Skipped, res.Status)
	assert.Equal(t, opened, provider.Opened())
}

func TestLedgerSkip(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	ledgerPath := filepath.Join(tmpdir, "ledger.tsv")

	provider := standardData(t).provider()
	opts := insertsize.DefaultOpts
	opts.OutputDir = filepath.Join(tmpdir, "out")
	opts.LedgerPath = ledgerPath
	p, err := insertsize.New(ctx, opts, resources.FixedProbe{Total: 2 << 30, Available: 1 << 30, CPUs: 2})
	require.NoError(t, err)
	p.NewProvider = func(string) bamprovider.Provider { return provider }
	require.Equal(t, insertsize.Written, p.ProcessFile(ctx, "x.sorted.bam").Status)

	// The table is gone, but the persisted ledger still lists the input.
	require.NoError(t, os.Remove(p.OutputPath("x.sorted.bam")))
	p2, err := insertsize.New(ctx, opts, resources.FixedProbe{Total: 2 << 30, Available: 1 << 30, CPUs: 2})
	require.NoError(t, err)
	p2.NewProvider = func(string) bamprovider.Provider { return provider }
	opened := provider.Opened()
	assert.Equal(t, insertsize.Skipped, p2.ProcessFile(ctx, "x.sorted.bam").Status)
	assert.Equal(t, opened, provider.Opened())
}

func TestFailingReference(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()

	for _, refsPerTask := range []int{1, 10} {
		d := standardData(t)
		d.add("chr3", "c", 2000, r1)
		d.add("chr3", "c", 2100, r2)
		provider := d.provider()
		provider.RefErrors = map[string]error{"chr2": fmt.Errorf("truncated block")}
		p := newPipeline(t, filepath.Join(tmpdir, fmt.Sprint(refsPerTask)),
			resources.Plan{Workers: 2, ReadBatchSize: 1000, RefsPerTask: refsPerTask}, provider)
		res := p.ProcessFile(ctx, "x.sorted.bam")
		assert.Equal(t, insertsize.Written, res.Status)
		assert.Equal(t, []string{"chr2"}, res.FailedRefs)
		assert.Empty(t, res.FailedTasks)
		require.Error(t, res.Err)
		assert.Contains(t, res.Err.Error(), "truncated block")

		rows := readRows(t, res.Output)
		require.Len(t, rows, 2)
		assert.Equal(t, rowA, rows[0])
		assert.Equal(t, "c", rows[1].ReadName)
		assert.Equal(t, "chr3", rows[1].RefName)
	}
}

func TestAllReferencesFail(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()

	for _, refsPerTask := range []int{1, 2} {
		provider := standardData(t).provider()
		noIndex := fmt.Errorf("open x.sorted.bam.bai: no such file or directory")
		provider.RefErrors = map[string]error{"chr1": noIndex, "chr2": noIndex, "chr3": noIndex}
		p := newPipeline(t, filepath.Join(tmpdir, fmt.Sprint(refsPerTask)),
			resources.Plan{Workers: 2, ReadBatchSize: 1000, RefsPerTask: refsPerTask}, provider)
		res := p.ProcessFile(ctx, "x.sorted.bam")
		assert.Equal(t, insertsize.Failed, res.Status)
		assert.Len(t, res.FailedRefs, 3)
		require.Error(t, res.Err)
		assert.Contains(t, res.Err.Error(), "bai")
		_, err := os.Stat(res.Output)
		assert.True(t, os.IsNotExist(err))
		assert.False(t, p.Ledger.Done(ledger.Key{Sample: "x", Task: insertsize.TaskName}))
	}
}

// panickyProvider panics when asked for one reference.
type panickyProvider struct {
	*bamprovider.FakeProvider
	ref string
}

func (p *panickyProvider) NewRefIterator(refName string) bamprovider.Iterator {
	if refName == p.ref {
		panic("cannot read " + refName)
	}
	return p.FakeProvider.NewRefIterator(refName)
}

func TestPanickingTask(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	provider := &panickyProvider{standardData(t).provider(), "chr2"}
	p := newPipeline(t, tmpdir, resources.Plan{Workers: 2, ReadBatchSize: 1000, RefsPerTask: 1}, provider)
	res := p.ProcessFile(context.Background(), "x.sorted.bam")
	assert.Equal(t, insertsize.Written, res.Status)
	assert.Equal(t, [][]string{{"chr2"}}, res.FailedTasks)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "cannot read chr2")
	assert.Equal(t, []readpair.DistanceRecord{rowA}, readRows(t, res.Output))
	assert.NoError(t, provider.Close())
}

func TestNoValidData(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	d := newTestData(t, "chr1", "chr2")
	d.add("chr1", "x", 100, sam.Paired|sam.Read1)
	d.add("chr1", "x", 200, sam.Paired|sam.Read2)
	p := newPipeline(t, filepath.Join(tmpdir, "out"), resources.Plan{Workers: 2, ReadBatchSize: 1000, RefsPerTask: 1}, d.provider())
	res := p.ProcessFile(context.Background(), "x.sorted.bam")
	assert.Equal(t, insertsize.Empty, res.Status)
	assert.NoError(t, res.Err)
	_, err := os.Stat(res.Output)
	assert.True(t, os.IsNotExist(err))
	assert.False(t, p.Ledger.Done(ledger.Key{Sample: "x", Task: insertsize.TaskName}))
}

func TestPairsSplitAcrossReadBatches(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	d := newTestData(t, "chr1")
	d.add("chr1", "a", 100, r1)
	d.add("chr1", "b", 110, r1)
	d.add("chr1", "a", 200, r2)
	d.add("chr1", "b", 210, r2)
	p := newPipeline(t, tmpdir, resources.Plan{Workers: 1, ReadBatchSize: 2, RefsPerTask: 1}, d.provider())
	assert.Equal(t, insertsize.Empty, p.ProcessFile(context.Background(), "x.sorted.bam").Status)

	p = newPipeline(t, tmpdir, resources.Plan{Workers: 1, ReadBatchSize: 4, RefsPerTask: 1}, d.provider())
	res := p.ProcessFile(context.Background(), "x.sorted.bam")
	assert.Equal(t, insertsize.Written, res.Status)
	assert.Equal(t, 2, res.Rows)
}

// brokenProvider cannot list its references.
type brokenProvider struct {
	*bamprovider.FakeProvider
}

func (brokenProvider) References() ([]string, error) {
	return nil, fmt.Errorf("bad header")
}

func TestRunContinuesAfterFailedFile(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()

	good := standardData(t).provider()
	p := newPipeline(t, tmpdir, resources.Plan{Workers: 2, ReadBatchSize: 1000, RefsPerTask: 1}, nil)
	p.NewProvider = func(path string) bamprovider.Provider {
		if path == "bad.sorted.bam" {
			return brokenProvider{good}
		}
		return good
	}
	results, err := p.Run(context.Background(), []string{"bad.sorted.bam", "good.sorted.bam"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, insertsize.Failed, results[0].Status)
	assert.Contains(t, results[0].Err.Error(), "bad header")
	assert.Equal(t, insertsize.Written, results[1].Status)
	assert.Equal(t, 2, results[1].Rows)
}

func TestRunInvalidPlan(t *testing.T) {
	p := &insertsize.Pipeline{Opts: insertsize.DefaultOpts}
	_, err := p.Run(context.Background(), []string{"x.sorted.bam"})
	assert.Error(t, err)
}

// failingProbe cannot query memory.
type failingProbe struct{}

func (failingProbe) TotalMemory() (uint64, error)     { return 0, fmt.Errorf("unsupported") }
func (failingProbe) AvailableMemory() (uint64, error) { return 0, fmt.Errorf("unsupported") }
func (failingProbe) NumCPU() int                      { return 1 }

func TestNew(t *testing.T) {
	ctx := context.Background()
	probe := resources.FixedProbe{Total: 16 << 30, Available: 8 << 30, CPUs: 8}

	p, err := insertsize.New(ctx, insertsize.DefaultOpts, probe)
	require.NoError(t, err)
	assert.Equal(t, resources.Plan{Workers: 7, ReadBatchSize: 1000, RefsPerTask: 10}, p.Plan)
	assert.Equal(t, "read_distance/S1.csv", p.OutputPath("data/S1.sorted.bam"))

	opts := insertsize.DefaultOpts
	opts.Workers, opts.RefsPerTask = 3, 2
	opts.Format, opts.Compression = "tsv", "bgzf"
	p, err = insertsize.New(ctx, opts, probe)
	require.NoError(t, err)
	assert.Equal(t, resources.Plan{Workers: 3, ReadBatchSize: 1000, RefsPerTask: 2}, p.Plan)
	assert.Equal(t, "read_distance/S1.tsv.gz", p.OutputPath("data/S1.sorted.bam"))

	// The probe is not needed when every resource field is given.
	opts.ReadBatchSize = 500
	p, err = insertsize.New(ctx, opts, failingProbe{})
	require.NoError(t, err)
	assert.Equal(t, resources.Plan{Workers: 3, ReadBatchSize: 500, RefsPerTask: 2}, p.Plan)
	opts.ReadBatchSize = 0
	_, err = insertsize.New(ctx, opts, failingProbe{})
	assert.Error(t, err)

	opts.Format = "parquet"
	_, err = insertsize.New(ctx, opts, probe)
	assert.Error(t, err)
}

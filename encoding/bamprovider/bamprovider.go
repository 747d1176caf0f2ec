package bamprovider

import (
	"fmt"
	"io"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/hts/bam"
	"github.com/grailbio/hts/bgzf"
	"github.com/grailbio/hts/bgzf/index"
	"github.com/grailbio/hts/sam"
	"v.io/x/lib/vlog"
)

// BAMProvider implements Provider for BAM files. Both the BAM and the index
// may be any path supported by github.com/grailbio/base/file.
//
// The header and the index are read once and shared. Each live iterator holds
// its own open reader; readers of closed iterators are kept for reuse until
// the provider is closed.
type BAMProvider struct {
	// Path of the *.bam file. Must be nonempty.
	Path string
	// Index is the path of the *.bam.bai file. Defaults to Path + ".bai".
	Index string

	errs errors.Once

	mu     sync.Mutex
	header *sam.Header
	index  *bam.Index
	active int
	idle   []*bamReader
}

// bamReader is an open handle on the BAM file.
type bamReader struct {
	in file.File
	r  *bam.Reader
}

func openReader(path string) (*bamReader, error) {
	ctx := vcontext.Background()
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	r, err := bam.NewReader(in.Reader(ctx), 1)
	if err != nil {
		in.Close(ctx) // nolint: errcheck
		return nil, err
	}
	return &bamReader{in: in, r: r}, nil
}

func (rd *bamReader) close() error {
	err := rd.r.Close()
	if e := rd.in.Close(vcontext.Background()); e != nil && err == nil {
		err = e
	}
	return err
}

// GetHeader implements the Provider interface.
func (b *BAMProvider) GetHeader() (*sam.Header, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.header != nil {
		return b.header, nil
	}
	rd, err := openReader(b.Path)
	if err != nil {
		b.errs.Set(err)
		return nil, err
	}
	b.header = rd.r.Header()
	// The reader is positioned just past the header, where Seek can move it
	// anywhere, so it is as good as a fresh one.
	b.idle = append(b.idle, rd)
	return b.header, nil
}

// References implements the Provider interface.
func (b *BAMProvider) References() ([]string, error) {
	header, err := b.GetHeader()
	if err != nil {
		return nil, err
	}
	return RefNames(header), nil
}

func (b *BAMProvider) getIndex() (*bam.Index, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.index != nil {
		return b.index, nil
	}
	path := b.Index
	if path == "" {
		path = b.Path + ".bai"
	}
	ctx := vcontext.Background()
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer in.Close(ctx) // nolint: errcheck
	if b.index, err = bam.ReadIndex(in.Reader(ctx)); err != nil {
		return nil, fmt.Errorf("bamprovider: read index %s: %v", path, err)
	}
	return b.index, nil
}

// acquire returns an idle reader, or opens a new one.
func (b *BAMProvider) acquire() (*bamReader, error) {
	b.mu.Lock()
	b.active++
	if n := len(b.idle); n > 0 {
		rd := b.idle[n-1]
		b.idle = b.idle[:n-1]
		b.mu.Unlock()
		return rd, nil
	}
	b.mu.Unlock()
	vlog.VI(1).Infof("%s: opening new reader", b.Path)
	return openReader(b.Path)
}

// release returns rd to the idle list. A reader that saw an error is closed
// instead. rd may be nil.
func (b *BAMProvider) release(rd *bamReader, err error) {
	if rd != nil && err != nil {
		if e := rd.close(); e != nil {
			vlog.VI(1).Infof("%s: close: %v", b.Path, e)
		}
		rd = nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if rd != nil {
		b.idle = append(b.idle, rd)
	}
	b.active--
	if b.active < 0 {
		vlog.Fatalf("%s: negative active iterator count", b.Path)
	}
}

// Close implements the Provider interface.
func (b *BAMProvider) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active > 0 {
		b.errs.Set(fmt.Errorf("bamprovider %s: closed with %d active iterators", b.Path, b.active))
	}
	for _, rd := range b.idle {
		if err := rd.close(); err != nil {
			b.errs.Set(err)
		}
	}
	b.idle = nil
	return b.errs.Err()
}

// NewRefIterator implements the Provider interface.
func (b *BAMProvider) NewRefIterator(refName string) Iterator {
	header, err := b.GetHeader()
	if err != nil {
		return NewErrorIterator(err)
	}
	ref := RefByName(header, refName)
	if ref == nil {
		err := fmt.Errorf("bamprovider.NewRefIterator %s: reference '%s' not found", b.Path, refName)
		b.errs.Set(err)
		return NewErrorIterator(err)
	}
	idx, err := b.getIndex()
	if err != nil {
		b.errs.Set(err)
		return NewErrorIterator(err)
	}
	chunks, err := idx.Chunks(ref, 0, ref.Len())
	if err == index.ErrInvalid || (err == nil && len(chunks) == 0) {
		// No reads on this reference.
		return NewErrorIterator(io.EOF)
	}
	if err != nil {
		b.errs.Set(err)
		return NewErrorIterator(err)
	}

	it := &refIterator{p: b, refID: ref.ID()}
	if it.rd, it.err = b.acquire(); it.err == nil {
		it.err = it.rd.r.Seek(firstOffset(chunks))
	}
	return it
}

// firstOffset returns the smallest chunk start. The index may list chunks out
// of file order after merging bins.
func firstOffset(chunks []bgzf.Chunk) bgzf.Offset {
	off := chunks[0].Begin
	for _, c := range chunks[1:] {
		if c.Begin.File < off.File || (c.Begin.File == off.File && c.Begin.Block < off.Block) {
			off = c.Begin
		}
	}
	return off
}

// refIterator reads the records of one reference. Records are read from the
// first chunk of the reference up to the first record of a later reference.
type refIterator struct {
	p      *BAMProvider
	rd     *bamReader
	refID  int
	rec    *sam.Record
	err    error
	closed bool
}

// Scan implements the Iterator interface.
func (it *refIterator) Scan() bool {
	if it.closed {
		vlog.Fatal("bamprovider: Scan after Close")
	}
	for it.err == nil {
		if it.rec, it.err = it.rd.r.Read(); it.err != nil {
			break
		}
		switch {
		case it.rec.Ref == nil || it.rec.Ref.ID() > it.refID:
			// Unmapped reads without a placed mate come after all references.
			sam.PutInFreePool(it.rec)
			it.rec, it.err = nil, io.EOF
		case it.rec.Ref.ID() < it.refID:
			sam.PutInFreePool(it.rec)
		default:
			return true
		}
	}
	return false
}

// Record implements the Iterator interface.
func (it *refIterator) Record() *sam.Record { return it.rec }

// Err implements the Iterator interface.
func (it *refIterator) Err() error {
	if it.err == io.EOF {
		return nil
	}
	return it.err
}

// Close implements the Iterator interface.
func (it *refIterator) Close() error {
	if it.closed {
		vlog.Fatal("bamprovider: iterator closed twice")
	}
	it.closed = true
	err := it.Err()
	if err != nil {
		it.p.errs.Set(err)
	}
	it.p.release(it.rd, err)
	it.rd = nil
	return err
}

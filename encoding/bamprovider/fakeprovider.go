package bamprovider

import (
	"fmt"
	"sync"

	"github.com/grailbio/hts/sam"
)

// FakeProvider is only for unittests. It yields the given records, grouped by
// reference.
type FakeProvider struct {
	Header  *sam.Header
	Records []*sam.Record
	// RefErrors makes the iterator of a reference fail with the given error
	// after it has yielded all of that reference's records.
	RefErrors map[string]error

	mu      sync.Mutex
	nActive int
	nOpened int
}

type fakeIterator struct {
	p    *FakeProvider
	recs []*sam.Record
	rec  *sam.Record
	err  error
	// errAtEnd is reported once recs is exhausted.
	errAtEnd error
}

// NewFakeProvider creates a provider that returns "header" in response to a
// GetHeader() call, and recs by NewRefIterator calls.
func NewFakeProvider(header *sam.Header, recs []*sam.Record) *FakeProvider {
	return &FakeProvider{Header: header, Records: recs}
}

// GetHeader implements the Provider interface. It returns the header passed to
// the constructor.
func (b *FakeProvider) GetHeader() (*sam.Header, error) {
	return b.Header, nil
}

// References implements the Provider interface.
func (b *FakeProvider) References() ([]string, error) {
	return RefNames(b.Header), nil
}

// Close implements the Provider interface.
func (b *FakeProvider) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.nActive != 0 {
		return fmt.Errorf("%d iterators still active", b.nActive)
	}
	return nil
}

// Opened returns the number of iterators created so far.
func (b *FakeProvider) Opened() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nOpened
}

// NewRefIterator implements the Provider interface.
func (b *FakeProvider) NewRefIterator(refName string) Iterator {
	if RefByName(b.Header, refName) == nil {
		return NewErrorIterator(fmt.Errorf("reference '%s' not found", refName))
	}
	b.mu.Lock()
	b.nActive++
	b.nOpened++
	b.mu.Unlock()
	iter := &fakeIterator{p: b}
	for _, r := range b.Records {
		if r.Ref != nil && r.Ref.Name() == refName {
			iter.recs = append(iter.recs, r)
		}
	}
	iter.errAtEnd = b.RefErrors[refName]
	return iter
}

// Err implements the Iterator interface.
func (i *fakeIterator) Err() error {
	return i.err
}

// Close implements the Iterator interface.
func (i *fakeIterator) Close() error {
	i.p.mu.Lock()
	i.p.nActive--
	i.p.mu.Unlock()
	return i.err
}

// Scan implements the Iterator interface.
func (i *fakeIterator) Scan() bool {
	if i.err != nil {
		return false
	}
	if len(i.recs) == 0 {
		i.err = i.errAtEnd
		return false
	}
	i.rec = i.recs[0]
	i.recs = i.recs[1:]
	return true
}

// Record implements the Iterator interface.
func (i *fakeIterator) Record() *sam.Record {
	// Callers own the returned record and may recycle it, so hand out a copy.
	rec := sam.GetFromFreePool()
	*rec = *i.rec
	return rec
}

package bamprovider

import (
	"io"

	"github.com/grailbio/hts/sam"
)

// errorIterator yields no records. An io.EOF error stands for a reference
// with nothing to read and is reported as nil.
type errorIterator struct {
	err error
}

func (i *errorIterator) Scan() bool          { return false }
func (i *errorIterator) Record() *sam.Record { panic("errorIterator has no records") }
func (i *errorIterator) Close() error        { return i.Err() }

func (i *errorIterator) Err() error {
	if i.err == io.EOF {
		return nil
	}
	return i.err
}

// NewErrorIterator creates an Iterator that yields no record and returns err
// in Err and Close. NewErrorIterator(io.EOF) is an empty iterator.
func NewErrorIterator(err error) Iterator {
	return &errorIterator{err: err}
}

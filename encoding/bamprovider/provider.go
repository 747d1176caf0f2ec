package bamprovider

import (
	"github.com/grailbio/hts/sam"
)

// ProviderOpts defines options for NewProvider.
type ProviderOpts struct {
	// Index specifies the name of the BAM index file. If Index=="", it defaults
	// to path + ".bai".
	Index string
}

// Provider allows reading a BAM file one reference at a time, from many
// goroutines. Thread safe.
type Provider interface {
	// GetHeader returns the header of the BAM file. The callee must not modify
	// the returned header object.
	//
	// REQUIRES: Close has not been called.
	GetHeader() (*sam.Header, error)

	// References returns the names of the reference sequences in header order.
	//
	// REQUIRES: Close has not been called.
	References() ([]string, error)

	// NewRefIterator returns an iterator over the records aligned to the named
	// reference, in coordinate order. Errors, including an unknown reference
	// or a missing index, are reported by the iterator's Err and Close.
	//
	// REQUIRES: Close has not been called.
	NewRefIterator(refName string) Iterator

	// Close must be called exactly once. It returns any error encountered by
	// the provider, or any iterator created by the provider.
	//
	// REQUIRES: All the iterators created by NewRefIterator have been closed.
	Close() error
}

// Iterator iterates over sam.Records of one reference. Thread compatible.
type Iterator interface {
	// Scan returns whether there are any records remaining in the iterator,
	// and if so, advances the iterator to the next record. If an error occurs,
	// Scan() returns false and the error can be retrieved by calling Err().
	//
	// REQUIRES: Close has not been called.
	Scan() bool

	// Record returns the current record in the iterator. This must be called
	// only after a call to Scan() returns true. The caller owns the record and
	// may return it to the sam free pool.
	//
	// REQUIRES: Close has not been called.
	Record() *sam.Record

	// Err returns the error encountered during iteration, or nil if no error
	// occurred. An io.EOF error will be translated to nil.
	Err() error

	// Close must be called exactly once. It returns the value of Err().
	Close() error
}

func mergeOpts(optList []ProviderOpts) ProviderOpts {
	opts := ProviderOpts{}
	for _, o := range optList {
		if o.Index != "" {
			opts.Index = o.Index
		}
	}
	return opts
}

// NewProvider creates a Provider for the BAM file at "path", which may be any
// path understood by github.com/grailbio/base/file.
func NewProvider(path string, optList ...ProviderOpts) Provider {
	opts := mergeOpts(optList)
	return &BAMProvider{Path: path, Index: opts.Index}
}

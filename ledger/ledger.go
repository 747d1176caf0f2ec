// Package ledger records which (sample, task) units of work have completed,
// so that a rerun of the pipeline can skip them. A ledger is backed by a
// two-column TSV file that is rewritten in full on every Record.
package ledger

import (
	"context"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/tsv"
)

// Key identifies one unit of work.
type Key struct {
	// Sample is the input name, usually the BAM base name up to the first '.'.
	Sample string `tsv:"sample"`
	// Task names the kind of work done for the sample.
	Task string `tsv:"task"`
}

// T is a ledger. It is safe for concurrent use.
type T struct {
	// path is "" for in-memory ledgers.
	path string

	mu   sync.Mutex
	done map[Key]struct{}
}

// NewMemory returns an empty ledger that is never persisted.
func NewMemory() *T {
	return &T{done: map[Key]struct{}{}}
}

// Open reads the ledger stored at path. A missing file yields an empty
// ledger; the file is created by the first Record.
func Open(ctx context.Context, path string) (*T, error) {
	l := &T{path: path, done: map[Key]struct{}{}}
	in, err := file.Open(ctx, path)
	if err != nil {
		if notExist(err) {
			log.Debug.Printf("ledger %s: not found, starting empty", path)
			return l, nil
		}
		return nil, errors.E(err, "ledger", path)
	}
	defer in.Close(ctx) // nolint: errcheck

	r := tsv.NewReader(in.Reader(ctx))
	r.HasHeaderRow = true
	r.UseHeaderNames = true
	for {
		var key Key
		if err := r.Read(&key); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.E(err, "ledger", path)
		}
		l.done[key] = struct{}{}
	}
	log.Debug.Printf("ledger %s: %d entries", path, len(l.done))
	return l, nil
}

func notExist(err error) bool {
	return errors.Is(errors.NotExist, err) || os.IsNotExist(err)
}

// Path returns the backing file, or "" for an in-memory ledger.
func (l *T) Path() string { return l.path }

// Done reports whether key has been recorded.
func (l *T) Done(key Key) bool {
	l.mu.Lock()
	_, ok := l.done[key]
	l.mu.Unlock()
	return ok
}

// Len returns the number of recorded keys.
func (l *T) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.done)
}

// Record marks key as done and, for file-backed ledgers, rewrites the file.
// The in-memory state is updated even if the write fails.
func (l *T) Record(ctx context.Context, key Key) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.done[key] = struct{}{}
	if l.path == "" {
		return nil
	}
	return l.save(ctx)
}

// keys returns the recorded keys, sorted. REQUIRES: l.mu is held.
func (l *T) keys() []Key {
	keys := make([]Key, 0, len(l.done))
	for k := range l.done {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Sample != keys[j].Sample {
			return keys[i].Sample < keys[j].Sample
		}
		return keys[i].Task < keys[j].Task
	})
	return keys
}

// save writes the ledger file. file.Create makes the new contents visible only
// on a successful close. REQUIRES: l.mu is held.
func (l *T) save(ctx context.Context) (err error) {
	out, err := file.Create(ctx, l.path)
	if err != nil {
		return errors.E(err, "ledger", l.path)
	}
	defer file.CloseAndReport(ctx, out, &err)
	w := tsv.NewWriter(out.Writer(ctx))
	w.WriteString("sample\ttask")
	if err = w.EndLine(); err != nil {
		return errors.E(err, "ledger", l.path)
	}
	for _, k := range l.keys() {
		w.WriteString(k.Sample)
		w.WriteString(k.Task)
		if err = w.EndLine(); err != nil {
			return errors.E(err, "ledger", l.path)
		}
	}
	if err = w.Flush(); err != nil {
		return errors.E(err, "ledger", l.path)
	}
	return nil
}

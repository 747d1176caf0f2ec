package insertsize

import (
	"context"
	"path/filepath"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
)

// FindInputs lists the files under dir, at any depth, whose base name matches
// pattern (see filepath.Match). The result is sorted. Index files are not
// checked here; an input without one fails when it is processed.
func FindInputs(ctx context.Context, dir, pattern string) ([]string, error) {
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, errors.E(errors.Invalid, err, "pattern", pattern)
	}
	var paths []string
	lister := file.List(ctx, dir, true)
	for lister.Scan() {
		if lister.IsDir() {
			continue
		}
		ok, _ := filepath.Match(pattern, file.Base(lister.Path()))
		if ok {
			paths = append(paths, lister.Path())
		}
	}
	if err := lister.Err(); err != nil {
		return nil, errors.E(err, "list", dir)
	}
	sort.Strings(paths)
	log.Printf("found %d inputs matching %s under %s", len(paths), pattern, dir)
	return paths, nil
}

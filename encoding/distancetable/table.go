// Package distancetable reads and writes the per-file tables of read-pair
// distances. A table starts with a header row naming readpair.Columns and has
// one row per readpair.DistanceRecord, comma or tab separated, optionally
// compressed.
package distancetable

import (
	"bufio"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/golang/snappy"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/hts/bgzf"
	"github.com/herbaria/bio/readpair"
	"github.com/klauspost/compress/gzip"
)

// Format is the field separator of a table.
type Format int

const (
	// CSV tables are read by the plotting scripts.
	CSV Format = iota
	// TSV tables.
	TSV
)

// Compression of a table file.
type Compression int

const (
	// None writes plain text.
	None Compression = iota
	// Gzip writes a single gzip stream.
	Gzip
	// BGZF writes blocked gzip, readable by gzip tools and by tabix-style
	// block readers.
	BGZF
	// Snappy writes the snappy framing format.
	Snappy
)

// Opts describes the on-disk encoding of a table.
type Opts struct {
	Format      Format
	Compression Compression
	// Parallelism is the number of bgzf compression goroutines. Values < 1
	// mean 1.
	Parallelism int
}

// ParseFormat parses "csv" or "tsv".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "csv":
		return CSV, nil
	case "tsv":
		return TSV, nil
	}
	return CSV, errors.E(errors.Invalid, fmt.Sprintf("unknown table format %q", s))
}

// ParseCompression parses "", "none", "gzip", "bgzf" or "snappy".
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return None, nil
	case "gzip", "gz":
		return Gzip, nil
	case "bgzf", "bgz":
		return BGZF, nil
	case "snappy", "sz":
		return Snappy, nil
	}
	return None, errors.E(errors.Invalid, fmt.Sprintf("unknown table compression %q", s))
}

// Ext returns the file name extension of tables written with opts.
func (o Opts) Ext() string {
	ext := ".csv"
	if o.Format == TSV {
		ext = ".tsv"
	}
	switch o.Compression {
	case Gzip, BGZF:
		ext += ".gz"
	case Snappy:
		ext += ".sz"
	}
	return ext
}

// SampleName returns the base name of an input path up to its first '.'.
// "dir/DAL12.postSample.sorted.bam" yields "DAL12".
func SampleName(inputPath string) string {
	base := file.Base(inputPath)
	if i := strings.IndexByte(base, '.'); i >= 0 {
		base = base[:i]
	}
	return base
}

// Path returns the output table path for inputPath under dir. dir may be
// any path supported by github.com/grailbio/base/file, including URLs.
func Path(dir, inputPath string, opts Opts) string {
	return file.Join(dir, SampleName(inputPath)+opts.Ext())
}

// Write creates path and writes rows to it. The file becomes visible under
// path only once it has been completely written.
func Write(ctx context.Context, path string, opts Opts, rows []readpair.DistanceRecord) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, "create", path)
	}
	defer file.CloseAndReport(ctx, out, &err)

	var (
		w       io.Writer = out.Writer(ctx)
		closeFn func() error
	)
	switch opts.Compression {
	case Gzip:
		gz := gzip.NewWriter(w)
		w, closeFn = gz, gz.Close
	case BGZF:
		parallelism := opts.Parallelism
		if parallelism < 1 {
			parallelism = 1
		}
		bgz := bgzf.NewWriter(w, parallelism)
		w, closeFn = bgz, bgz.Close
	case Snappy:
		sz := snappy.NewBufferedWriter(w)
		w, closeFn = sz, sz.Close
	}
	if opts.Format == TSV {
		err = writeTSV(w, rows)
	} else {
		err = writeCSV(w, rows)
	}
	if closeFn != nil {
		if e := closeFn(); e != nil && err == nil {
			err = e
		}
	}
	if err != nil {
		return errors.E(err, "write", path)
	}
	return nil
}

func fields(r *readpair.DistanceRecord) [8]int {
	return [8]int{
		r.ReadStart, r.ReadEnd, r.MateStart, r.MateEnd,
		r.ReadLength, r.MateLength, r.InsertLength, r.OverlapLength,
	}
}

func writeTSV(w io.Writer, rows []readpair.DistanceRecord) error {
	out := tsv.NewWriter(w)
	out.WriteString(strings.Join(readpair.Columns, "\t"))
	if err := out.EndLine(); err != nil {
		return err
	}
	for i := range rows {
		out.WriteString(rows[i].RefName)
		out.WriteString(rows[i].ReadName)
		for _, v := range fields(&rows[i]) {
			out.WriteString(strconv.Itoa(v))
		}
		if err := out.EndLine(); err != nil {
			return err
		}
	}
	return out.Flush()
}

func writeCSV(w io.Writer, rows []readpair.DistanceRecord) error {
	out := csv.NewWriter(w)
	if err := out.Write(readpair.Columns); err != nil {
		return err
	}
	line := make([]string, len(readpair.Columns))
	for i := range rows {
		line[0] = rows[i].RefName
		line[1] = rows[i].ReadName
		for j, v := range fields(&rows[i]) {
			line[j+2] = strconv.Itoa(v)
		}
		if err := out.Write(line); err != nil {
			return err
		}
	}
	out.Flush()
	return out.Error()
}

// Read reads a table written by Write with the same opts.
func Read(ctx context.Context, path string, opts Opts) (rows []readpair.DistanceRecord, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, "open", path)
	}
	defer file.CloseAndReport(ctx, in, &err)

	var r io.Reader = bufio.NewReader(in.Reader(ctx))
	switch opts.Compression {
	case Gzip:
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, errors.E(err, path)
		}
		defer gz.Close()
		r = gz
	case BGZF:
		bgz, err := bgzf.NewReader(r, 1)
		if err != nil {
			return nil, errors.E(err, path)
		}
		defer bgz.Close()
		r = bgz
	case Snappy:
		r = snappy.NewReader(r)
	}
	if opts.Format == TSV {
		rows, err = readTSV(r)
	} else {
		rows, err = readCSV(r)
	}
	if err != nil {
		return nil, errors.E(err, "read", path)
	}
	return rows, nil
}

type tsvRow struct {
	RefName       string `tsv:"ref_name"`
	ReadName      string `tsv:"read_name"`
	ReadStart     int64  `tsv:"read_start"`
	ReadEnd       int64  `tsv:"read_end"`
	MateStart     int64  `tsv:"mate_start"`
	MateEnd       int64  `tsv:"mate_end"`
	ReadLength    int64  `tsv:"read_length"`
	MateLength    int64  `tsv:"mate_length"`
	InsertLength  int64  `tsv:"insert_length"`
	OverlapLength int64  `tsv:"overlap_length"`
}

func readTSV(r io.Reader) ([]readpair.DistanceRecord, error) {
	in := tsv.NewReader(r)
	in.HasHeaderRow = true
	in.UseHeaderNames = true
	var rows []readpair.DistanceRecord
	for {
		var row tsvRow
		if err := in.Read(&row); err != nil {
			if err == io.EOF {
				return rows, nil
			}
			return nil, err
		}
		rows = append(rows, readpair.DistanceRecord{
			RefName:       row.RefName,
			ReadName:      row.ReadName,
			ReadStart:     int(row.ReadStart),
			ReadEnd:       int(row.ReadEnd),
			MateStart:     int(row.MateStart),
			MateEnd:       int(row.MateEnd),
			ReadLength:    int(row.ReadLength),
			MateLength:    int(row.MateLength),
			InsertLength:  int(row.InsertLength),
			OverlapLength: int(row.OverlapLength),
		})
	}
}

func readCSV(r io.Reader) ([]readpair.DistanceRecord, error) {
	in := csv.NewReader(r)
	in.FieldsPerRecord = len(readpair.Columns)
	header, err := in.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if strings.Join(header, ",") != strings.Join(readpair.Columns, ",") {
		return nil, fmt.Errorf("unexpected header %v", header)
	}
	var rows []readpair.DistanceRecord
	for {
		line, err := in.Read()
		if err == io.EOF {
			return rows, nil
		}
		if err != nil {
			return nil, err
		}
		var v [8]int
		for j := range v {
			if v[j], err = strconv.Atoi(line[j+2]); err != nil {
				return nil, fmt.Errorf("column %s: %v", readpair.Columns[j+2], err)
			}
		}
		rows = append(rows, readpair.DistanceRecord{
			RefName:       line[0],
			ReadName:      line[1],
			ReadStart:     v[0],
			ReadEnd:       v[1],
			MateStart:     v[2],
			MateEnd:       v[3],
			ReadLength:    v[4],
			MateLength:    v[5],
			InsertLength:  v[6],
			OverlapLength: v[7],
		})
	}
}

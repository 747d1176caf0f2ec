package main

// See doc.go for documentation

import (
	"flag"
	"fmt"
	"os"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/herbaria/bio/insertsize"
	"github.com/herbaria/bio/resources"
)

var (
	inputDir         = flag.String("input-dir", insertsize.DefaultOpts.InputDir, "Directory searched recursively for input BAMs. Ignored when BAM paths are given as arguments")
	pattern          = flag.String("pattern", insertsize.DefaultOpts.Pattern, "Base name pattern of input BAMs")
	outputDir        = flag.String("output-dir", insertsize.DefaultOpts.OutputDir, "Directory to write one table per input to")
	format           = flag.String("format", insertsize.DefaultOpts.Format, "Output format; 'csv' or 'tsv'")
	compress         = flag.String("compress", insertsize.DefaultOpts.Compression, "Output compression; 'none', 'gzip', 'bgzf' or 'snappy'")
	ledgerPath       = flag.String("ledger", insertsize.DefaultOpts.LedgerPath, "If set, inputs listed in this TSV are skipped, and finished inputs are added to it")
	workers          = flag.Int("workers", 0, "Number of references processed in parallel; 0 = derive from memory and cores")
	readBatchSize    = flag.Int("read-batch-size", 0, "Maximum number of reads paired at once; 0 = derive from available memory")
	refsPerTask      = flag.Int("refs-per-task", 0, "Number of references given to a worker at once; 0 = derive from available memory")
	maxStartDistance = flag.Int("max-start-distance", insertsize.DefaultOpts.MaxStartDistance, "Pairs whose alignment starts are further apart are dropped")
	printPlan        = flag.Bool("plan", false, "Print the worker plan and exit")
)

func readDistanceUsage() {
	fmt.Printf("Usage: %s [OPTIONS] [bampath...]\n", os.Args[0])
	fmt.Printf("Options:\n")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = readDistanceUsage
	shutdown := grail.Init()
	defer shutdown()

	opts := insertsize.Opts{
		InputDir:         *inputDir,
		Pattern:          *pattern,
		OutputDir:        *outputDir,
		Format:           *format,
		Compression:      *compress,
		LedgerPath:       *ledgerPath,
		Workers:          *workers,
		ReadBatchSize:    *readBatchSize,
		RefsPerTask:      *refsPerTask,
		MaxStartDistance: *maxStartDistance,
	}
	ctx := vcontext.Background()
	pipeline, err := insertsize.New(ctx, opts, resources.NewProbe())
	if err != nil {
		log.Fatalf("%v", err)
	}
	if *printPlan {
		fmt.Println(pipeline.Plan)
		return
	}

	inputs := flag.Args()
	if len(inputs) == 0 {
		if inputs, err = insertsize.FindInputs(ctx, opts.InputDir, opts.Pattern); err != nil {
			log.Fatalf("%v", err)
		}
	}
	if len(inputs) == 0 {
		log.Printf("no inputs matching %s under %s", opts.Pattern, opts.InputDir)
		return
	}
	results, err := pipeline.Run(ctx, inputs)
	if err != nil {
		log.Fatalf("%v", err)
	}
	for _, res := range results {
		if res.Status == insertsize.Failed {
			log.Error.Printf("%s: failed: %v", res.Input, res.Err)
		}
	}
	log.Debug.Printf("exiting")
}

package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/grailbio/base/log"
	"github.com/grailbio/riboprof/coverage"
	"github.com/grailbio/riboprof/ribo"
	"github.com/pkg/errors"
)

type coverageOpts struct {
	archivePath string
	experiment  string
	// Zero means the archive's bound.
	minLen, maxLen int
	offsetsPath    string
	outDir         string
	format         string
	parallelism    int
}

var defaultCoverageOpts = coverageOpts{
	outDir: ".",
	format: string(coverage.FormatRIO),
}

// prompt reads the archive path, experiment and read length range from in,
// one per line. An empty length keeps the current value.
func prompt(in io.Reader, out io.Writer, opts *coverageOpts) error {
	sc := bufio.NewScanner(in)
	ask := func(question string) (string, error) {
		fmt.Fprint(out, question)
		if !sc.Scan() {
			if err := sc.Err(); err != nil {
				return "", err
			}
			return "", errors.Errorf("no answer to %q", strings.TrimSpace(question))
		}
		return strings.TrimSpace(sc.Text()), nil
	}
	askInt := func(question string, v *int) error {
		s, err := ask(question)
		if err != nil || s == "" {
			return err
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			return errors.Wrapf(err, "%s", strings.TrimSpace(question))
		}
		*v = n
		return nil
	}
	var err error
	if opts.archivePath, err = ask("Ribo archive: "); err != nil {
		return err
	}
	if opts.experiment, err = ask("Experiment: "); err != nil {
		return err
	}
	if err = askInt("Minimum read length: ", &opts.minLen); err != nil {
		return err
	}
	return askInt("Maximum read length: ", &opts.maxLen)
}

// runCoverage computes the coverage profile described by opts and returns the
// path of the result file.
func runCoverage(ctx context.Context, opts coverageOpts) (string, error) {
	start := time.Now()
	format, err := coverage.ParseFormat(opts.format)
	if err != nil {
		return "", err
	}
	a, err := ribo.Open(ctx, opts.archivePath)
	if err != nil {
		return "", err
	}
	minLen, maxLen := lengthRange(a, opts.minLen, opts.maxLen)
	log.Printf("bio-ribo coverage: %s: experiment %s, read lengths %d-%d", opts.archivePath, opts.experiment, minLen, maxLen)

	var plan *coverage.Plan
	if opts.offsetsPath != "" {
		if _, err = a.Experiment(opts.experiment); err != nil {
			return "", err
		}
		var o ribo.Offsets
		if o, err = ribo.ReadOffsets(ctx, opts.offsetsPath); err != nil {
			return "", err
		}
		plan, err = coverage.ResolveWithOffsets(a, opts.experiment, minLen, maxLen, o)
	} else {
		plan, err = coverage.Resolve(ctx, a, opts.experiment, minLen, maxLen)
	}
	if err != nil {
		return "", err
	}
	r, err := coverage.Aggregate(ctx, a, plan, a.TranscriptIDs(), opts.parallelism)
	if err != nil {
		return "", err
	}
	r.ArchiveID = a.ID
	path := coverage.OutputPath(opts.outDir, opts.experiment, minLen, maxLen, format)
	if err := coverage.Write(ctx, path, format, r); err != nil {
		return "", err
	}
	log.Printf("bio-ribo coverage: wrote %s in %v", path, time.Since(start))
	return path, nil
}

package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/riboprof/ribo"
)

// parseInputs parses "experiment=path" arguments.
func parseInputs(args []string) ([]ribo.Input, error) {
	inputs := make([]ribo.Input, 0, len(args))
	seen := map[string]bool{}
	for _, arg := range args {
		kv := strings.SplitN(arg, "=", 2)
		if len(kv) != 2 || kv[0] == "" || kv[1] == "" {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("argument %q is not of the form experiment=path", arg))
		}
		if seen[kv[0]] {
			return nil, errors.E(errors.Invalid, "duplicate experiment", kv[0])
		}
		seen[kv[0]] = true
		inputs = append(inputs, ribo.Input{Experiment: kv[0], Path: kv[1]})
	}
	return inputs, nil
}

func build(ctx context.Context, path string, inputs []ribo.Input, opts ribo.BuildOpts) error {
	start := time.Now()
	a, err := ribo.Build(ctx, inputs, opts)
	if err != nil {
		return err
	}
	if err := a.Write(ctx, path); err != nil {
		return err
	}
	log.Printf("bio-ribo build: wrote archive %s (%s) in %v", path, a.ID, time.Since(start))
	return nil
}

func info(ctx context.Context, out io.Writer, path string) error {
	a, err := ribo.Open(ctx, path)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "archive\t%s\n", path)
	fmt.Fprintf(out, "id\t%s\n", a.ID)
	fmt.Fprintf(out, "read lengths\t%d-%d\n", a.MinLen, a.MaxLen)
	fmt.Fprintf(out, "transcripts\t%d (%d with a CDS)\n", len(a.Transcripts()), len(a.CDSRanges()))
	for _, name := range a.Experiments() {
		e, err := a.Experiment(name)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "experiment\t%s\t%d reads\n", name, e.Reads)
	}
	return nil
}

type offsetsOpts struct {
	minLen, maxLen int
	out            string
}

// lengthRange fills in the archive's read length range for unset bounds.
func lengthRange(a *ribo.Archive, minLen, maxLen int) (int, int) {
	if minLen == 0 {
		minLen = a.MinLen
	}
	if maxLen == 0 {
		maxLen = a.MaxLen
	}
	return minLen, maxLen
}

func offsets(ctx context.Context, stdout io.Writer, path, experiment string, opts offsetsOpts) (err error) {
	a, err := ribo.Open(ctx, path)
	if err != nil {
		return err
	}
	minLen, maxLen := lengthRange(a, opts.minLen, opts.maxLen)
	o, err := a.PSiteOffsets(ctx, experiment, minLen, maxLen)
	if err != nil {
		return err
	}
	if opts.out == "" {
		return ribo.WriteOffsets(stdout, o)
	}
	f, err := file.Create(ctx, opts.out)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, f, &err)
	return ribo.WriteOffsets(f.Writer(ctx), o)
}

package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/riboprof/coverage"
)

type viewOpts struct {
	// Comma-separated transcript list; empty means all.
	transcripts string
	headerOnly  bool
}

func view(ctx context.Context, out io.Writer, path string, opts viewOpts) error {
	r, err := coverage.Read(ctx, path)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "# experiment: %s\n", r.Experiment)
	fmt.Fprintf(out, "# read lengths: %d-%d\n", r.MinLen, r.MaxLen)
	for _, l := range r.Offsets.Lengths() {
		fmt.Fprintf(out, "# offset %d: %d\n", l, r.Offsets[l])
	}
	fmt.Fprintf(out, "# archive: %s\n", r.ArchiveID)
	fmt.Fprintf(out, "# transcripts: %d computed, %d excluded, %d failed\n",
		r.Stats.Computed, r.Stats.Excluded, r.Stats.Failed)
	if opts.headerOnly {
		return nil
	}
	if opts.transcripts != "" {
		sub := *r
		sub.Coverage = map[string][]uint32{}
		for _, id := range strings.Split(opts.transcripts, ",") {
			v, ok := r.Coverage[id]
			if !ok {
				return errors.E(errors.NotExist, fmt.Sprintf("transcript %s not in %s", id, path))
			}
			sub.Coverage[id] = v
		}
		r = &sub
	}
	return coverage.WriteTSV(out, r)
}

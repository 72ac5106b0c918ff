package coverage

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/riboprof/ribo"
)

// Stats counts per-transcript outcomes of a run.
type Stats struct {
	// Computed is the number of transcripts with an aggregate coverage vector.
	Computed int
	// Excluded is the number of transcripts whose CDS starts before the
	// largest P-site offset.
	Excluded int
	// Failed is the number of transcripts whose computation returned an error.
	Failed int
}

func (s *Stats) add(o Stats) {
	s.Computed += o.Computed
	s.Excluded += o.Excluded
	s.Failed += o.Failed
}

// Result is the outcome of one coverage run.
type Result struct {
	Experiment     string
	MinLen, MaxLen int
	Offsets        ribo.Offsets
	// ArchiveID identifies the source archive, if known.
	ArchiveID string
	// Coverage has one entry per requested transcript. A nil value means the
	// transcript was excluded or failed.
	Coverage map[string][]uint32
	Stats    Stats
}

// IDs returns the transcript identifiers of the result in sorted order.
func (r *Result) IDs() []string {
	return sortedKeys(r.Coverage)
}

// BatchSize returns the number of transcripts per batch when n transcripts
// are split across the given number of workers. workers <= 0 means one
// worker per CPU.
func BatchSize(n, workers int) int {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if n <= 0 {
		return 0
	}
	return (n + workers - 1) / workers
}

// Partition splits ids into contiguous batches of BatchSize(len(ids),
// workers) elements. The last batch may be shorter. The batches share
// storage with ids.
func Partition(ids []string, workers int) [][]string {
	size := BatchSize(len(ids), workers)
	if size == 0 {
		return nil
	}
	batches := make([][]string, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		stop := start + size
		if stop > len(ids) {
			stop = len(ids)
		}
		batches = append(batches, ids[start:stop:stop])
	}
	return batches
}

// Transcript computes the aggregate coverage of one transcript. It returns
// (nil, false, nil) if the transcript is excluded. A panic inside the source
// is returned as an error.
func Transcript(ctx context.Context, src Source, plan *Plan, id string) (agg []uint32, ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			agg, ok, err = nil, false, errors.E(fmt.Sprintf("transcript %s: panic: %v", id, r))
		}
	}()
	cds, err := plan.CDS.Lookup(id)
	if err != nil {
		return nil, false, err
	}
	if cds.Start < plan.MaxOffset {
		return nil, false, nil
	}
	agg = make([]uint32, cds.Len())
	for readLen := plan.MinLen; readLen <= plan.MaxLen; readLen++ {
		cov, err := src.Coverage(ctx, plan.Experiment, readLen, id)
		if err != nil {
			return nil, false, err
		}
		off := plan.Offsets[readLen]
		start, stop := cds.Start-off, cds.Stop-off
		if start < 0 || stop > len(cov) {
			return nil, false, errors.E(errors.Integrity,
				fmt.Sprintf("transcript %s, read length %d: window [%d, %d) outside coverage vector of length %d",
					id, readLen, start, stop, len(cov)))
		}
		for i, c := range cov[start:stop] {
			agg[i] += c
		}
	}
	return agg, true, nil
}

type batchResult struct {
	index    int
	coverage map[string][]uint32
	stats    Stats
}

// processBatch runs Transcript over one batch. Per-transcript errors are
// logged and recorded as nil; only cancellation or a duplicate id aborts
// the batch.
func processBatch(ctx context.Context, src Source, plan *Plan, index int, ids []string) (batchResult, error) {
	start := time.Now()
	r := batchResult{
		index:    index,
		coverage: make(map[string][]uint32, len(ids)),
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return r, err
		}
		if _, dup := r.coverage[id]; dup {
			return r, errors.E(errors.Invalid, fmt.Sprintf("batch %d: duplicate transcript %s", index, id))
		}
		agg, ok, err := Transcript(ctx, src, plan, id)
		switch {
		case err != nil:
			log.Error.Printf("coverage: %s: %v", id, err)
			r.stats.Failed++
		case !ok:
			r.stats.Excluded++
		default:
			r.stats.Computed++
		}
		r.coverage[id] = agg
	}
	log.Printf("coverage: batch %d: %d transcripts in %v", index, len(ids), time.Since(start))
	return r, nil
}

// merge adds the batch results received on ch to the result, in the order
// they arrive. It drains ch even after an error.
func merge(result *Result, ch <-chan batchResult) error {
	var err error
	for r := range ch {
		if err != nil {
			continue
		}
		for id, v := range r.coverage {
			if _, ok := result.Coverage[id]; ok {
				err = errors.E(errors.Invalid, fmt.Sprintf("batch %d: transcript %s already merged", r.index, id))
				break
			}
			result.Coverage[id] = v
		}
		result.Stats.add(r.stats)
	}
	return err
}

// Aggregate computes the aggregate coverage of every transcript in ids under
// the given plan. The ids are split into batches by Partition, and the
// batches run in parallel. Per-transcript failures yield a nil entry; the
// returned error covers run-level failures only.
func Aggregate(ctx context.Context, src Source, plan *Plan, ids []string, parallelism int) (*Result, error) {
	batches := Partition(ids, parallelism)
	log.Printf("coverage.Aggregate: %s: %d transcripts in %d batches of up to %d",
		plan.Experiment, len(ids), len(batches), BatchSize(len(ids), parallelism))
	result := &Result{
		Experiment: plan.Experiment,
		MinLen:     plan.MinLen,
		MaxLen:     plan.MaxLen,
		Offsets:    plan.Offsets,
		Coverage:   make(map[string][]uint32, len(ids)),
	}
	ch := make(chan batchResult, len(batches))
	mergeDone := make(chan error, 1)
	go func() { mergeDone <- merge(result, ch) }()

	err := traverse.Each(len(batches), func(i int) error {
		r, err := processBatch(ctx, src, plan, i, batches[i])
		if err != nil {
			return err
		}
		ch <- r
		return nil
	})
	close(ch)
	if mergeErr := <-mergeDone; err == nil {
		err = mergeErr
	}
	if err != nil {
		return nil, err
	}
	log.Printf("coverage.Aggregate: %s: %d computed, %d excluded, %d failed",
		plan.Experiment, result.Stats.Computed, result.Stats.Excluded, result.Stats.Failed)
	return result, nil
}

package coverage

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/riboprof/ribo"
	"github.com/grailbio/riboprof/transcript"
)

// Source is the sequencing data a profile is computed from. *ribo.Archive
// implements it. Implementations must be safe for concurrent use once
// constructed.
type Source interface {
	// TranscriptIDs lists the transcript identifiers.
	TranscriptIDs() []string
	// Experiments lists the experiment names.
	Experiments() []string
	// ReadLengths returns the range of read lengths stored, both inclusive.
	ReadLengths() (minLen, maxLen int)
	// CDSRanges returns the coding region of each transcript that has one.
	CDSRanges() transcript.Table
	// PSiteOffsets computes the P-site offset of each read length in
	// [minLen, maxLen] for the experiment.
	PSiteOffsets(ctx context.Context, experiment string, minLen, maxLen int) (ribo.Offsets, error)
	// Coverage returns the 5'-end coverage of one transcript for reads of one
	// length, indexed by transcript position. The caller must not modify it.
	Coverage(ctx context.Context, experiment string, readLen int, id string) ([]uint32, error)
}

// Plan holds everything a batch worker needs besides the Source. It is
// built once by Resolve and never modified afterwards.
type Plan struct {
	Experiment     string
	MinLen, MaxLen int
	// Offsets has an entry for every length in [MinLen, MaxLen].
	Offsets ribo.Offsets
	// MaxOffset is Offsets.Max(). Transcripts whose CDS starts before it are
	// excluded.
	MaxOffset int
	// CDS maps transcript identifiers to coding regions.
	CDS transcript.Table
}

func checkRange(minLen, maxLen int) error {
	if minLen <= 0 || maxLen < minLen {
		return errors.E(errors.Invalid, fmt.Sprintf("invalid read length range [%d, %d]", minLen, maxLen))
	}
	return nil
}

// checkSource verifies that src holds the experiment and every read length
// in [minLen, maxLen].
func checkSource(src Source, experiment string, minLen, maxLen int) error {
	found := false
	for _, e := range src.Experiments() {
		if e == experiment {
			found = true
			break
		}
	}
	if !found {
		return errors.E(errors.NotExist, fmt.Sprintf("experiment %q not found", experiment))
	}
	if lo, hi := src.ReadLengths(); minLen < lo || maxLen > hi {
		return errors.E(errors.Invalid, fmt.Sprintf("read length range [%d, %d] outside stored range [%d, %d]", minLen, maxLen, lo, hi))
	}
	return nil
}

// Resolve computes the P-site offsets and fetches the coding regions for one
// experiment. Any error is fatal to the run.
func Resolve(ctx context.Context, src Source, experiment string, minLen, maxLen int) (*Plan, error) {
	if err := checkRange(minLen, maxLen); err != nil {
		return nil, err
	}
	offsets, err := src.PSiteOffsets(ctx, experiment, minLen, maxLen)
	if err != nil {
		return nil, errors.E(err, "compute P-site offsets")
	}
	return ResolveWithOffsets(src, experiment, minLen, maxLen, offsets)
}

// ResolveWithOffsets is like Resolve, but uses the given offsets instead of
// computing them. Offsets for lengths outside [minLen, maxLen] are dropped.
func ResolveWithOffsets(src Source, experiment string, minLen, maxLen int, offsets ribo.Offsets) (*Plan, error) {
	if err := checkRange(minLen, maxLen); err != nil {
		return nil, err
	}
	if err := checkSource(src, experiment, minLen, maxLen); err != nil {
		return nil, err
	}
	if err := offsets.Check(minLen, maxLen); err != nil {
		return nil, err
	}
	p := &Plan{
		Experiment: experiment,
		MinLen:     minLen,
		MaxLen:     maxLen,
		Offsets:    offsets.Subset(minLen, maxLen),
		CDS:        src.CDSRanges(),
	}
	p.MaxOffset = p.Offsets.Max()
	for _, l := range p.Offsets.Lengths() {
		log.Printf("coverage.Resolve: %s: read length %d: P-site offset %d", experiment, l, p.Offsets[l])
	}
	return p, nil
}

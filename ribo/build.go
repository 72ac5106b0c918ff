package ribo

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/hts/bam"
	"github.com/grailbio/hts/sam"
	"github.com/grailbio/riboprof/transcript"
)

// BuildOpts controls how an archive is built from alignments.
type BuildOpts struct {
	// MinLen and MaxLen bound the read lengths counted, both inclusive.
	MinLen, MaxLen int
	// MinMapQ is the minimum mapping quality of a counted read.
	MinMapQ int
	// FlagExclude drops reads with any of these FLAG bits set. It must include
	// sam.Reverse: coverage is counted at a read's leftmost position, which is
	// its 5' end only on the forward strand.
	FlagExclude sam.Flags
	// RegionsPath, if nonempty, names a BED-like file of transcript regions
	// (see transcript.ReadRegions). Its CDS rows replace the CDS ranges
	// parsed from the reference names.
	RegionsPath string
}

// DefaultBuildOpts is the default set of options for Build.
var DefaultBuildOpts = BuildOpts{
	MinLen:      15,
	MaxLen:      40,
	MinMapQ:     0,
	FlagExclude: sam.Unmapped | sam.Reverse | sam.Secondary | sam.QCFail | sam.Supplementary,
}

// Input names one experiment and the transcriptome-aligned BAM file holding
// its reads.
type Input struct {
	Experiment string
	Path       string
}

// buildStats counts the reads seen while building one experiment.
type buildStats struct {
	total, filtered, outOfRange, counted int64
}

// Build creates an archive from transcriptome alignments. Every input must
// share the same reference sequences; the references become the archive's
// transcripts. Inputs are read in parallel.
func Build(ctx context.Context, inputs []Input, opts BuildOpts) (*Archive, error) {
	if len(inputs) == 0 {
		return nil, errors.E(errors.Invalid, "ribo.Build: no inputs")
	}
	if opts.FlagExclude&sam.Reverse == 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("ribo.Build: flag exclude mask %#x must include reverse strand (0x10)", uint16(opts.FlagExclude)))
	}
	refs, err := readRefs(ctx, inputs[0].Path)
	if err != nil {
		return nil, err
	}
	transcripts, err := transcriptsFromRefs(refs)
	if err != nil {
		return nil, err
	}
	if opts.RegionsPath != "" {
		regions, err := transcript.ReadRegions(ctx, opts.RegionsPath)
		if err != nil {
			return nil, err
		}
		applyRegions(transcripts, regions)
	}
	a, err := NewArchive(opts.MinLen, opts.MaxLen, transcripts)
	if err != nil {
		return nil, err
	}
	experiments := make([]*Experiment, len(inputs))
	for i, in := range inputs {
		if experiments[i], err = a.NewExperiment(in.Experiment); err != nil {
			return nil, err
		}
	}
	log.Printf("ribo.Build: %d transcripts, %d experiments, read lengths [%d, %d]",
		len(transcripts), len(inputs), opts.MinLen, opts.MaxLen)
	err = traverse.Each(len(inputs), func(i int) error {
		start := time.Now()
		stats, err := countReads(ctx, inputs[i].Path, refs, experiments[i], opts)
		if err != nil {
			return errors.E(err, "experiment", inputs[i].Experiment)
		}
		log.Printf("ribo.Build: %s: %d reads, %d filtered, %d outside length range, %d counted (%v)",
			inputs[i].Experiment, stats.total, stats.filtered, stats.outOfRange, stats.counted, time.Since(start))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

func transcriptsFromRefs(refs []*sam.Reference) ([]Transcript, error) {
	transcripts := make([]Transcript, len(refs))
	for i, ref := range refs {
		n, err := transcript.ParseName(ref.Name())
		if err != nil {
			return nil, errors.E(errors.Invalid, err)
		}
		if n.HasCDS && n.CDS.Stop > ref.Len() {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("transcript %s: CDS ends at %d, past its length %d", n.Alias, n.CDS.Stop, ref.Len()))
		}
		transcripts[i] = Transcript{
			Name:   n.Full,
			Alias:  n.Alias,
			Length: ref.Len(),
			CDS:    n.CDS,
			HasCDS: n.HasCDS,
		}
	}
	return transcripts, nil
}

func applyRegions(transcripts []Transcript, regions transcript.Table) {
	nFound := 0
	for i := range transcripts {
		t := &transcripts[i]
		r, ok := regions[t.Alias]
		t.CDS, t.HasCDS = r, ok
		if ok {
			nFound++
		}
	}
	if nFound != len(regions) {
		log.Printf("ribo.Build: warning: %d CDS region(s) name transcripts missing from the alignments", len(regions)-nFound)
	}
}

func readRefs(ctx context.Context, path string) (refs []*sam.Reference, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, "open", path)
	}
	defer file.CloseAndReport(ctx, in, &err)
	r, err := bam.NewReader(in.Reader(ctx), 1)
	if err != nil {
		return nil, errors.E(err, path)
	}
	refs = r.Header().Refs()
	return refs, r.Close()
}

func sameRefs(a, b []*sam.Reference) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name() != b[i].Name() || a[i].Len() != b[i].Len() {
			return false
		}
	}
	return true
}

// countReads adds the 5' end of every eligible read in the BAM at path to e.
func countReads(ctx context.Context, path string, refs []*sam.Reference, e *Experiment, opts BuildOpts) (stats buildStats, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return stats, errors.E(err, "open", path)
	}
	defer file.CloseAndReport(ctx, in, &err)
	r, err := bam.NewReader(in.Reader(ctx), 1)
	if err != nil {
		return stats, errors.E(err, path)
	}
	defer func() {
		if closeErr := r.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	if !sameRefs(refs, r.Header().Refs()) {
		return stats, errors.E(errors.Invalid, path, "references differ from the other inputs")
	}
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return stats, errors.E(err, path)
		}
		stats.total++
		if rec.Flags&opts.FlagExclude != 0 || int(rec.MapQ) < opts.MinMapQ || rec.Ref == nil {
			stats.filtered++
			sam.PutInFreePool(rec)
			continue
		}
		readLen := rec.Seq.Length
		if readLen < opts.MinLen || readLen > opts.MaxLen {
			stats.outOfRange++
			sam.PutInFreePool(rec)
			continue
		}
		if err := e.Add(readLen, rec.Ref.ID(), rec.Pos, 1); err != nil {
			return stats, errors.E(err, fmt.Sprintf("%s: read %s", path, rec.Name))
		}
		stats.counted++
		sam.PutInFreePool(rec)
	}
	return stats, nil
}

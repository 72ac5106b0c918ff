package ribo

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// MetageneRadius is the number of positions on each side of the start codon
// covered by a start-site metagene.
const MetageneRadius = 50

// Metagene returns the start-site metagene of the given experiment for reads
// of length readLen: element i is the number of read 5' ends located at
// (CDS start + i - radius), summed over all transcripts with a CDS. Positions
// that fall outside a transcript contribute nothing.
func (a *Archive) Metagene(experiment string, readLen, radius int) ([]uint64, error) {
	e, err := a.Experiment(experiment)
	if err != nil {
		return nil, err
	}
	if readLen < a.MinLen || readLen > a.MaxLen {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("read length %d outside archive range [%d, %d]", readLen, a.MinLen, a.MaxLen))
	}
	mg := make([]uint64, 2*radius+1)
	for ti, t := range a.transcripts {
		if !t.HasCDS {
			continue
		}
		v := e.vector(readLen, ti)
		if v == nil {
			continue
		}
		for i := range mg {
			pos := t.CDS.Start + i - radius
			if pos < 0 || pos >= len(v) {
				continue
			}
			mg[i] += uint64(v[pos])
		}
	}
	return mg, nil
}

// PSiteOffset derives a P-site offset from a start-site metagene built with
// the given radius. The offset is the distance from the start codon to the
// first highest peak at or upstream of it.
func PSiteOffset(mg []uint64, radius int) (int, error) {
	if len(mg) != 2*radius+1 {
		return 0, errors.E(errors.Invalid, fmt.Sprintf("metagene has %d positions, expected %d", len(mg), 2*radius+1))
	}
	peak, peakCount := -1, uint64(0)
	for i := 0; i <= radius; i++ {
		if mg[i] > peakCount {
			peak, peakCount = i, mg[i]
		}
	}
	if peak < 0 {
		return 0, errors.E(errors.Invalid, "no read 5' ends upstream of start codons")
	}
	return radius - peak, nil
}

// PSiteOffsets computes the P-site offset of every read length in [minLen,
// maxLen] from the start-site metagenes of the experiment.
func (a *Archive) PSiteOffsets(ctx context.Context, experiment string, minLen, maxLen int) (Offsets, error) {
	if minLen < a.MinLen || maxLen > a.MaxLen || maxLen < minLen {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("read length range [%d, %d] not within archive range [%d, %d]",
			minLen, maxLen, a.MinLen, a.MaxLen))
	}
	o := Offsets{}
	for l := minLen; l <= maxLen; l++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		mg, err := a.Metagene(experiment, l, MetageneRadius)
		if err != nil {
			return nil, err
		}
		if o[l], err = PSiteOffset(mg, MetageneRadius); err != nil {
			return nil, errors.E(err, fmt.Sprintf("experiment %s, read length %d", experiment, l))
		}
		log.Debug.Printf("PSiteOffsets: %s: length %d: offset %d", experiment, l, o[l])
	}
	return o, nil
}

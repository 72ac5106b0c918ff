// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package ribo

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/antzucaro/matchr"
	"github.com/google/uuid"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/riboprof/transcript"
)

// Transcript describes one reference sequence of the archive.
type Transcript struct {
	// Name is the full reference name, e.g. a GENCODE transcriptome FASTA key.
	Name string
	// Alias is the canonical identifier; see transcript.Alias.
	Alias string
	// Length is the transcript length in bases.
	Length int
	// CDS is the coding region. Valid only if HasCDS.
	CDS    transcript.Range
	HasCDS bool
}

// Experiment holds the per-read-length 5'-end coverage of one sequencing
// experiment. Thread compatible.
type Experiment struct {
	// Name is the experiment label.
	Name string
	// Reads is the number of reads counted into the coverage vectors.
	Reads int64

	lengths []int // transcript lengths, indexed like Archive.transcripts.
	minLen  int
	// coverage[readLen-minLen][transcriptIdx] is the coverage vector, or nil
	// if no read of that length starts on the transcript.
	coverage [][][]uint32
}

// Add records count reads of length readLen whose 5' end is at pos on the
// transcriptIdx'th transcript.
func (e *Experiment) Add(readLen, transcriptIdx, pos int, count uint32) error {
	li := readLen - e.minLen
	if li < 0 || li >= len(e.coverage) {
		return errors.E(errors.Invalid, fmt.Sprintf("experiment %s: read length %d out of range", e.Name, readLen))
	}
	if transcriptIdx < 0 || transcriptIdx >= len(e.lengths) {
		return errors.E(errors.Invalid, fmt.Sprintf("experiment %s: transcript index %d out of range", e.Name, transcriptIdx))
	}
	if pos < 0 || pos >= e.lengths[transcriptIdx] {
		return errors.E(errors.Invalid, fmt.Sprintf("experiment %s: position %d out of range for transcript %d", e.Name, pos, transcriptIdx))
	}
	v := e.coverage[li][transcriptIdx]
	if v == nil {
		v = make([]uint32, e.lengths[transcriptIdx])
		e.coverage[li][transcriptIdx] = v
	}
	v[pos] += count
	e.Reads += int64(count)
	return nil
}

// vector returns the raw coverage vector. It may be nil.
func (e *Experiment) vector(readLen, transcriptIdx int) []uint32 {
	return e.coverage[readLen-e.minLen][transcriptIdx]
}

// Archive stores ribosome-profiling coverage for a set of experiments over a
// common transcriptome and read-length range.
//
// An archive is mutable only while it is being built; afterwards all of its
// methods are safe for concurrent use.
type Archive struct {
	// ID uniquely identifies the archive. It is assigned when the archive is
	// created and preserved across Write/Open.
	ID string
	// MinLen and MaxLen bound the read lengths stored, both inclusive.
	MinLen, MaxLen int

	transcripts []Transcript
	index       map[string]int // alias -> index in transcripts
	cds         transcript.Table
	experiments map[string]*Experiment
}

// Limits of the on-disk record layout.
const (
	maxReadLen     = math.MaxUint16
	maxExperiments = math.MaxUint16 + 1
)

// NewArchive creates an empty archive for the given transcripts.
func NewArchive(minLen, maxLen int, transcripts []Transcript) (*Archive, error) {
	if minLen <= 0 || maxLen < minLen || maxLen > maxReadLen {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("invalid read length range [%d, %d]", minLen, maxLen))
	}
	if int64(len(transcripts)) > math.MaxUint32 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("too many transcripts (%d)", len(transcripts)))
	}
	a := &Archive{
		ID:          uuid.New().String(),
		MinLen:      minLen,
		MaxLen:      maxLen,
		transcripts: transcripts,
		index:       make(map[string]int, len(transcripts)),
		cds:         transcript.Table{},
		experiments: map[string]*Experiment{},
	}
	for i, t := range transcripts {
		if _, ok := a.index[t.Alias]; ok {
			return nil, errors.E(errors.Invalid, "duplicate transcript alias", t.Alias)
		}
		if t.HasCDS && (t.CDS.Start < 0 || t.CDS.Stop < t.CDS.Start || t.CDS.Stop > t.Length) {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("transcript %s: CDS [%d, %d) outside [0, %d)",
				t.Alias, t.CDS.Start, t.CDS.Stop, t.Length))
		}
		a.index[t.Alias] = i
		if t.HasCDS {
			a.cds[t.Alias] = t.CDS
		}
	}
	return a, nil
}

// NewExperiment adds an empty experiment to the archive.
func (a *Archive) NewExperiment(name string) (*Experiment, error) {
	if _, ok := a.experiments[name]; ok {
		return nil, errors.E(errors.Exists, "experiment", name)
	}
	if len(a.experiments) >= maxExperiments {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("archive already holds %d experiments", len(a.experiments)))
	}
	lengths := make([]int, len(a.transcripts))
	for i, t := range a.transcripts {
		lengths[i] = t.Length
	}
	e := &Experiment{
		Name:     name,
		lengths:  lengths,
		minLen:   a.MinLen,
		coverage: make([][][]uint32, a.MaxLen-a.MinLen+1),
	}
	for i := range e.coverage {
		e.coverage[i] = make([][]uint32, len(a.transcripts))
	}
	a.experiments[name] = e
	return e, nil
}

// Experiment looks up an experiment by name. The error for an unknown name
// suggests the closest existing one.
func (a *Archive) Experiment(name string) (*Experiment, error) {
	if e, ok := a.experiments[name]; ok {
		return e, nil
	}
	if s := a.closestExperiment(name); s != "" {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("experiment %q not found (did you mean %q?)", name, s))
	}
	return nil, errors.E(errors.NotExist, fmt.Sprintf("experiment %q not found", name))
}

func (a *Archive) closestExperiment(name string) string {
	best, bestDist := "", -1
	for _, e := range a.Experiments() {
		if d := matchr.Levenshtein(name, e); bestDist < 0 || d < bestDist {
			best, bestDist = e, d
		}
	}
	return best
}

// Experiments lists the experiment names in sorted order.
func (a *Archive) Experiments() []string {
	names := make([]string, 0, len(a.experiments))
	for name := range a.experiments {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ReadLengths returns the range of read lengths stored in the archive.
func (a *Archive) ReadLengths() (minLen, maxLen int) { return a.MinLen, a.MaxLen }

// Transcripts returns the transcript table of the archive. The caller must
// not modify it.
func (a *Archive) Transcripts() []Transcript { return a.transcripts }

// TranscriptIDs returns the transcript aliases in archive order.
func (a *Archive) TranscriptIDs() []string {
	ids := make([]string, len(a.transcripts))
	for i, t := range a.transcripts {
		ids[i] = t.Alias
	}
	return ids
}

// CDSRanges returns the coding region of every transcript that has one. The
// caller must not modify it.
func (a *Archive) CDSRanges() transcript.Table { return a.cds }

// Coverage returns the 5'-end coverage vector of the given transcript for
// reads of length readLen. The vector has the transcript's length. The caller
// must not modify it.
func (a *Archive) Coverage(ctx context.Context, experiment string, readLen int, id string) ([]uint32, error) {
	e, err := a.Experiment(experiment)
	if err != nil {
		return nil, err
	}
	if readLen < a.MinLen || readLen > a.MaxLen {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("read length %d outside archive range [%d, %d]", readLen, a.MinLen, a.MaxLen))
	}
	ti, ok := a.index[id]
	if !ok {
		return nil, errors.E(errors.NotExist, "transcript", id)
	}
	v := e.vector(readLen, ti)
	if v == nil {
		v = make([]uint32, a.transcripts[ti].Length)
	}
	return v, nil
}

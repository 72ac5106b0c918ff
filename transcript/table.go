package transcript

import (
	"bufio"
	"context"
	"io"

	"github.com/grailbio/base/compress"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
)

// Table maps transcript aliases to coding regions. It must not be modified
// once built; it is shared by concurrent readers.
type Table map[string]Range

// Lookup returns the coding region of the given transcript.
func (t Table) Lookup(alias string) (Range, error) {
	r, ok := t[alias]
	if !ok {
		return Range{}, errors.E(errors.NotExist, "no coding region for transcript", alias)
	}
	return r, nil
}

// regionRow is one line of a regions file, e.g.
//
//   GAPDH-201	0	76	UTR5
//   GAPDH-201	76	1084	CDS
//
// Coordinates are 0-based and half-open, as in BED.
type regionRow struct {
	Name   string
	Start  int
	Stop   int
	Region string
}

const cdsRegion = "CDS"

// ReadRegions reads a BED-like regions file and returns the CDS rows keyed
// by transcript alias. Rows for other regions are ignored. The file may be
// compressed.
func ReadRegions(ctx context.Context, path string) (t Table, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, "open regions", path)
	}
	defer file.CloseAndReport(ctx, in, &err)
	var r io.Reader = in.Reader(ctx)
	if u := compress.NewReaderPath(r, in.Name()); u != nil {
		r = u
	}
	t, err = parseRegions(bufio.NewReaderSize(r, 64<<10))
	if err != nil {
		err = errors.E(err, path)
	}
	return
}

func parseRegions(r io.Reader) (Table, error) {
	scanner := tsv.NewReader(r)
	scanner.Comment = '#'
	t := Table{}
	for {
		var row regionRow
		if err := scanner.Read(&row); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.E(errors.Invalid, err)
		}
		if row.Region != cdsRegion {
			continue
		}
		if row.Start < 0 || row.Stop < row.Start {
			return nil, errors.E(errors.Invalid, "bad CDS range for", row.Name)
		}
		alias := Alias(row.Name)
		if _, ok := t[alias]; ok {
			return nil, errors.E(errors.Invalid, "duplicate CDS row for", alias)
		}
		t[alias] = Range{Start: row.Start, Stop: row.Stop}
	}
	return t, nil
}

package ribo

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/grailbio/base/compress"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/tsv"
)

// Offsets maps a read length to its P-site offset, i.e., the distance from
// the read 5' end to the ribosome P-site.
type Offsets map[int]int

// Max returns the largest offset, or zero if o is empty.
func (o Offsets) Max() int {
	max := 0
	for _, v := range o {
		if v > max {
			max = v
		}
	}
	return max
}

// Lengths returns the read lengths in o in increasing order.
func (o Offsets) Lengths() []int {
	lengths := make([]int, 0, len(o))
	for l := range o {
		lengths = append(lengths, l)
	}
	sort.Ints(lengths)
	return lengths
}

// Check verifies that o has a non-negative offset for every length in
// [minLen, maxLen].
func (o Offsets) Check(minLen, maxLen int) error {
	for l := minLen; l <= maxLen; l++ {
		v, ok := o[l]
		if !ok {
			return errors.E(errors.Invalid, fmt.Sprintf("no P-site offset for read length %d", l))
		}
		if v < 0 {
			return errors.E(errors.Invalid, fmt.Sprintf("negative P-site offset %d for read length %d", v, l))
		}
	}
	return nil
}

// Subset returns the offsets for lengths in [minLen, maxLen].
func (o Offsets) Subset(minLen, maxLen int) Offsets {
	s := Offsets{}
	for l, v := range o {
		if l >= minLen && l <= maxLen {
			s[l] = v
		}
	}
	return s
}

type offsetRow struct {
	Length int `tsv:"length"`
	Offset int `tsv:"offset"`
}

// WriteOffsets writes o as a two-column TSV with a header line.
func WriteOffsets(w io.Writer, o Offsets) error {
	out := tsv.NewWriter(w)
	out.WriteString("length")
	out.WriteString("offset")
	if err := out.EndLine(); err != nil {
		return err
	}
	for _, l := range o.Lengths() {
		out.WriteString(strconv.Itoa(l))
		out.WriteString(strconv.Itoa(o[l]))
		if err := out.EndLine(); err != nil {
			return err
		}
	}
	return out.Flush()
}

// ParseOffsets reads a TSV written by WriteOffsets.
func ParseOffsets(r io.Reader) (Offsets, error) {
	scanner := tsv.NewReader(r)
	scanner.HasHeaderRow = true
	scanner.UseHeaderNames = true
	o := Offsets{}
	for {
		var row offsetRow
		if err := scanner.Read(&row); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.E(errors.Invalid, err)
		}
		if _, ok := o[row.Length]; ok {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("duplicate offset for read length %d", row.Length))
		}
		o[row.Length] = row.Offset
	}
	return o, nil
}

// ReadOffsets reads an offsets TSV from path. The file may be compressed.
func ReadOffsets(ctx context.Context, path string) (o Offsets, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, "open offsets", path)
	}
	defer file.CloseAndReport(ctx, in, &err)
	var r io.Reader = in.Reader(ctx)
	if u := compress.NewReaderPath(r, in.Name()); u != nil {
		r = u
	}
	if o, err = ParseOffsets(bufio.NewReader(r)); err != nil {
		err = errors.E(err, path)
	}
	return
}

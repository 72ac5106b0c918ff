// Package transcript parses transcriptome reference names and holds the
// coding-sequence boundaries of each transcript.
package transcript

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// AliasField is the index of the pipe-delimited field used as the canonical
// transcript identifier.
//
// Name example:
// "ENST00000335137.4|ENSG00000186092.6|OTTHUMG00000001094.4|-|OR4F5-201|OR4F5|918|CDS:1-918|"
const AliasField = 4

// Range is a 0-based, half-open interval in transcript coordinates.
type Range struct {
	Start, Stop int
}

// Len returns the number of positions in the range.
func (r Range) Len() int { return r.Stop - r.Start }

// Name is a parsed transcriptome reference name.
type Name struct {
	// Full is the name as it appears in the BAM header or FASTA key.
	Full string
	// Alias is the canonical identifier, i.e., field AliasField of Full. Names
	// with fewer fields are their own alias.
	Alias string
	// CDS is the coding region parsed from a "CDS:<first>-<last>" field.
	// Valid only if HasCDS.
	CDS    Range
	HasCDS bool
}

// Alias extracts the canonical identifier from a pipe-delimited transcript
// name.
func Alias(full string) string {
	fields := strings.Split(full, "|")
	if len(fields) <= AliasField || fields[AliasField] == "" {
		return full
	}
	return fields[AliasField]
}

// ParseName parses a pipe-delimited transcriptome name. The "CDS:a-b" field,
// if present, uses GENCODE's 1-based closed coordinates.
func ParseName(full string) (Name, error) {
	n := Name{Full: full, Alias: Alias(full)}
	for _, field := range strings.Split(full, "|") {
		if !strings.HasPrefix(field, "CDS:") {
			continue
		}
		r, err := parseClosedRange(field[len("CDS:"):])
		if err != nil {
			return n, errors.Wrapf(err, "transcript %s", full)
		}
		n.CDS, n.HasCDS = r, true
		break
	}
	return n, nil
}

// parseClosedRange converts "first-last" (1-based, closed) into a Range.
func parseClosedRange(s string) (Range, error) {
	dash := strings.IndexByte(s, '-')
	if dash < 0 {
		return Range{}, errors.Errorf("malformed range '%s'", s)
	}
	first, err := strconv.Atoi(s[:dash])
	if err != nil {
		return Range{}, errors.Wrapf(err, "malformed range '%s'", s)
	}
	last, err := strconv.Atoi(s[dash+1:])
	if err != nil {
		return Range{}, errors.Wrapf(err, "malformed range '%s'", s)
	}
	if first < 1 || last < first-1 {
		return Range{}, errors.Errorf("invalid range '%s'", s)
	}
	return Range{Start: first - 1, Stop: last}, nil
}

package coverage

// Result file formats.
//
// FormatRIO is a recordio file with zstd-compressed blocks. The header carries
// <resultVersionHeader, resultVersion>. There is one record per transcript, in
// sorted transcript order, little endian:
//
//   u16 name length, followed by the name bytes
//   u8  1 if the coverage is present, 0 if absent
//   u32 n, followed by n u32 counts (n is 0 when absent)
//
// The trailer is a gob-encoded resultTrailer.
//
// FormatNPY writes all present vectors, concatenated in sorted transcript
// order, as a one-dimensional uint32 .npy array. A companion
// "<name>.index.tsv" lists transcript, start and length of each vector;
// absent vectors have length -1.
//
// FormatTSV and its compressed variants have columns transcript, length and
// the comma-separated counts. Absent vectors have length -1 and counts ".".

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
	"math"
	"runtime"
	"sort"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/recordio"
	"github.com/grailbio/base/recordio/recordiozstd"
	"github.com/grailbio/base/tsv"
	"github.com/grailbio/hts/bgzf"
	"github.com/grailbio/riboprof/ribo"
	"github.com/klauspost/compress/gzip"
	"github.com/kshedden/gonpy"
)

// Format is a result file format. Its value is the file extension.
type Format string

const (
	// FormatRIO is the default, self-describing format.
	FormatRIO Format = "rio"
	// FormatGob is an opaque Go serialization of the Result.
	FormatGob Format = "gob"
	// FormatNPY is a NumPy array plus a TSV index.
	FormatNPY    Format = "npy"
	FormatTSV    Format = "tsv"
	FormatTSVGz  Format = "tsv.gz"
	FormatTSVBgz Format = "tsv.bgz"
)

// Formats lists the supported formats.
var Formats = []Format{FormatRIO, FormatGob, FormatNPY, FormatTSV, FormatTSVGz, FormatTSVBgz}

const (
	resultVersionHeader = "ribo-coverage-version"
	resultVersion       = "COV_V1"
)

func init() {
	recordiozstd.Init()
}

// ParseFormat converts a format name to a Format.
func ParseFormat(s string) (Format, error) {
	for _, f := range Formats {
		if string(f) == s {
			return f, nil
		}
	}
	return "", errors.E(errors.Invalid, fmt.Sprintf("unknown output format %q, expect one of %v", s, Formats))
}

// FormatOf infers the format of a result file from its name.
func FormatOf(path string) (Format, error) {
	// Longest extensions first so that "x.tsv.gz" does not match "gz".
	for _, f := range []Format{FormatTSVGz, FormatTSVBgz, FormatTSV, FormatRIO, FormatGob, FormatNPY} {
		if strings.HasSuffix(path, "."+string(f)) {
			return f, nil
		}
	}
	return "", errors.E(errors.Invalid, "cannot infer result format of", path)
}

// OutputPath returns the path of the result file for an experiment and read
// length range under dir, e.g. "dir/coverage_WT_1_26-30.rio".
func OutputPath(dir, experiment string, minLen, maxLen int, format Format) string {
	name := fmt.Sprintf("coverage_%s_%d-%d.%s", experiment, minLen, maxLen, format)
	if dir == "" {
		return name
	}
	return strings.TrimSuffix(dir, "/") + "/" + name
}

// IndexPath returns the path of the index written next to a FormatNPY file.
func IndexPath(npyPath string) string {
	return strings.TrimSuffix(npyPath, "."+string(FormatNPY)) + ".index.tsv"
}

// resultTrailer is stored in the trailer of FormatRIO files.
type resultTrailer struct {
	Experiment     string
	MinLen, MaxLen int
	Offsets        map[int]int
	ArchiveID      string
	Stats          Stats
	NumRecords     int
}

// gobResult is the FormatGob encoding of a Result. gob does not distinguish
// nil from empty slices, so absent transcripts are listed separately.
type gobResult struct {
	Trailer  resultTrailer
	Coverage map[string][]uint32
	Absent   []string
}

func sortedKeys(m map[string][]uint32) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (r *Result) trailer() resultTrailer {
	return resultTrailer{
		Experiment: r.Experiment,
		MinLen:     r.MinLen,
		MaxLen:     r.MaxLen,
		Offsets:    r.Offsets,
		ArchiveID:  r.ArchiveID,
		Stats:      r.Stats,
		NumRecords: len(r.Coverage),
	}
}

func (r *Result) setTrailer(t resultTrailer) {
	r.Experiment = t.Experiment
	r.MinLen, r.MaxLen = t.MinLen, t.MaxLen
	r.Offsets = ribo.Offsets(t.Offsets)
	r.ArchiveID = t.ArchiveID
	r.Stats = t.Stats
}

// Write stores the result at path in the given format.
func Write(ctx context.Context, path string, format Format, r *Result) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, "create", path)
	}
	defer file.CloseAndReport(ctx, out, &err)
	w := out.Writer(ctx)
	switch format {
	case FormatRIO:
		err = writeRIO(w, r)
	case FormatGob:
		err = writeGob(w, r)
	case FormatNPY:
		err = writeNPY(ctx, w, IndexPath(path), r)
	case FormatTSV:
		err = WriteTSV(w, r)
	case FormatTSVGz:
		gz := gzip.NewWriter(w)
		err = WriteTSV(gz, r)
		if e := gz.Close(); e != nil && err == nil {
			err = e
		}
	case FormatTSVBgz:
		bgz := bgzf.NewWriter(w, runtime.NumCPU())
		err = WriteTSV(bgz, r)
		if e := bgz.Close(); e != nil && err == nil {
			err = e
		}
	default:
		err = errors.E(errors.Invalid, fmt.Sprintf("unknown output format %q", format))
	}
	if err != nil {
		return errors.E(err, "write", path)
	}
	log.Printf("coverage.Write: wrote %d transcripts to %s", len(r.Coverage), path)
	return nil
}

func marshalRecord(buf []byte, id string, v []uint32) []byte {
	n := 2 + len(id) + 1 + 4 + 4*len(v)
	if cap(buf) < n {
		buf = make([]byte, n)
	}
	buf = buf[:n]
	binary.LittleEndian.PutUint16(buf, uint16(len(id)))
	off := 2 + copy(buf[2:], id)
	if v != nil {
		buf[off] = 1
	} else {
		buf[off] = 0
	}
	off++
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(v)))
	off += 4
	for _, c := range v {
		binary.LittleEndian.PutUint32(buf[off:], c)
		off += 4
	}
	return buf
}

func unmarshalRecord(in []byte) (string, []uint32, error) {
	if len(in) < 2 {
		return "", nil, errors.E(errors.Integrity, "short coverage record")
	}
	nameLen := int(binary.LittleEndian.Uint16(in))
	off := 2 + nameLen
	if len(in) < off+5 {
		return "", nil, errors.E(errors.Integrity, "short coverage record")
	}
	id := string(in[2:off])
	present := in[off] != 0
	off++
	n := int(binary.LittleEndian.Uint32(in[off:]))
	off += 4
	if len(in) != off+4*n {
		return "", nil, errors.E(errors.Integrity, fmt.Sprintf("coverage record %s has %d bytes, expected %d", id, len(in), off+4*n))
	}
	if !present {
		if n != 0 {
			return "", nil, errors.E(errors.Integrity, fmt.Sprintf("absent coverage record %s has %d counts", id, n))
		}
		return id, nil, nil
	}
	v := make([]uint32, n)
	for i := range v {
		v[i] = binary.LittleEndian.Uint32(in[off+4*i:])
	}
	return id, v, nil
}

func writeRIO(out io.Writer, r *Result) error {
	w := recordio.NewWriter(out, recordio.WriterOpts{
		Transformers: []string{recordiozstd.Name},
	})
	w.AddHeader(resultVersionHeader, resultVersion)
	w.AddHeader(recordio.KeyTrailer, true)
	for _, id := range r.IDs() {
		if len(id) > math.MaxUint16 {
			return errors.E(errors.Invalid, "transcript name too long", id[:64])
		}
		w.Append(marshalRecord(nil, id, r.Coverage[id]))
	}
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(r.trailer()); err != nil {
		return errors.E(err, "encode result trailer")
	}
	w.SetTrailer(b.Bytes())
	return w.Finish()
}

func readRIO(in io.ReadSeeker) (*Result, error) {
	sc := recordio.NewScanner(in, recordio.ScannerOpts{})
	versionFound := false
	for _, kv := range sc.Header() {
		if kv.Key == resultVersionHeader {
			if v, ok := kv.Value.(string); !ok || v != resultVersion {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("result version mismatch, got %v, expect %v", kv.Value, resultVersion))
			}
			versionFound = true
			break
		}
	}
	if !versionFound {
		if err := sc.Err(); err != nil {
			return nil, err
		}
		return nil, errors.E(errors.Invalid, resultVersionHeader+" not found")
	}
	var trailer resultTrailer
	if err := gob.NewDecoder(bytes.NewReader(sc.Trailer())).Decode(&trailer); err != nil {
		return nil, errors.E(errors.Integrity, "decode result trailer", err)
	}
	r := &Result{Coverage: make(map[string][]uint32, trailer.NumRecords)}
	r.setTrailer(trailer)
	for sc.Scan() {
		id, v, err := unmarshalRecord(sc.Get().([]byte))
		if err != nil {
			return nil, err
		}
		if _, ok := r.Coverage[id]; ok {
			return nil, errors.E(errors.Integrity, "duplicate transcript", id)
		}
		r.Coverage[id] = v
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(r.Coverage) != trailer.NumRecords {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("result has %d records, trailer says %d", len(r.Coverage), trailer.NumRecords))
	}
	return r, nil
}

func writeGob(out io.Writer, r *Result) error {
	g := gobResult{
		Trailer:  r.trailer(),
		Coverage: make(map[string][]uint32, len(r.Coverage)),
	}
	for id, v := range r.Coverage {
		if v == nil {
			g.Absent = append(g.Absent, id)
			continue
		}
		g.Coverage[id] = v
	}
	sort.Strings(g.Absent)
	return gob.NewEncoder(out).Encode(g)
}

func readGob(in io.Reader) (*Result, error) {
	var g gobResult
	if err := gob.NewDecoder(in).Decode(&g); err != nil {
		return nil, errors.E(errors.Integrity, "decode result", err)
	}
	r := &Result{Coverage: g.Coverage}
	if r.Coverage == nil {
		r.Coverage = map[string][]uint32{}
	}
	r.setTrailer(g.Trailer)
	for id, v := range r.Coverage {
		if v == nil {
			r.Coverage[id] = []uint32{}
		}
	}
	for _, id := range g.Absent {
		r.Coverage[id] = nil
	}
	return r, nil
}

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

func writeNPY(ctx context.Context, out io.Writer, indexPath string, r *Result) (err error) {
	ids := r.IDs()
	var total int
	for _, id := range ids {
		total += len(r.Coverage[id])
	}
	data := make([]uint32, 0, total)

	index, err := file.Create(ctx, indexPath)
	if err != nil {
		return errors.E(err, "create", indexPath)
	}
	defer file.CloseAndReport(ctx, index, &err)
	tw := tsv.NewWriter(index.Writer(ctx))
	tw.WriteString("transcript")
	tw.WriteString("start")
	tw.WriteString("length")
	if err = tw.EndLine(); err != nil {
		return err
	}
	for _, id := range ids {
		v := r.Coverage[id]
		tw.WriteString(id)
		tw.WriteInt64(int64(len(data)))
		if v == nil {
			tw.WriteInt64(-1)
		} else {
			tw.WriteInt64(int64(len(v)))
		}
		if err = tw.EndLine(); err != nil {
			return err
		}
		data = append(data, v...)
	}
	if err = tw.Flush(); err != nil {
		return err
	}

	bw := bufio.NewWriter(out)
	npw, err := gonpy.NewWriter(nopCloser{bw})
	if err != nil {
		return err
	}
	npw.Shape = []int{len(data)}
	if err = npw.WriteUint32(data); err != nil {
		return err
	}
	return bw.Flush()
}

// WriteTSV writes the result in FormatTSV.
func WriteTSV(out io.Writer, r *Result) error {
	w := tsv.NewWriter(out)
	w.WriteString("transcript")
	w.WriteString("length")
	w.WriteString("coverage")
	if err := w.EndLine(); err != nil {
		return err
	}
	for _, id := range r.IDs() {
		v := r.Coverage[id]
		w.WriteString(id)
		if v == nil {
			w.WriteInt64(-1)
			w.WriteString(".")
		} else if len(v) == 0 {
			w.WriteInt64(0)
			w.WriteString("")
		} else {
			w.WriteInt64(int64(len(v)))
			for _, c := range v {
				w.WriteCsvUint32(c)
			}
			w.EndCsv()
		}
		if err := w.EndLine(); err != nil {
			return err
		}
	}
	return w.Flush()
}

// Read loads a result written in FormatRIO or FormatGob. The format is
// inferred from the file name.
func Read(ctx context.Context, path string) (r *Result, err error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, "open", path)
	}
	defer file.CloseAndReport(ctx, in, &err)
	switch format {
	case FormatRIO:
		r, err = readRIO(in.Reader(ctx))
	case FormatGob:
		r, err = readGob(in.Reader(ctx))
	default:
		err = errors.E(errors.Invalid, fmt.Sprintf("cannot read %s results", format))
	}
	if err != nil {
		err = errors.E(err, path)
	}
	return
}

package ribo

// This file defines the on-disk archive format.
//
// An archive is a recordio file with zstd-compressed blocks. The header
// carries <fileVersionHeader, fileVersion>. Each record holds one nonempty
// coverage vector, little endian:
//
//   u16 experiment index (into the trailer's experiment list)
//   u16 read length
//   u32 transcript index (into the trailer's transcript list)
//   u32 n, followed by n u32 counts
//
// Records appear in (experiment, read length, transcript) order. The trailer
// is a gob-encoded archiveTrailer, including a seahash checksum of the record
// payloads in file order.

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"

	"blainsmith.com/go/seahash"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/recordio"
	"github.com/grailbio/base/recordio/recordiozstd"
)

const (
	fileVersionHeader = "riboversion"
	fileVersion       = "RIBO_V1"

	recordHeaderSize = 12
)

func init() {
	recordiozstd.Init()
}

type experimentInfo struct {
	Name  string
	Reads int64
}

// archiveTrailer is stored in the trailer section of the recordio file.
type archiveTrailer struct {
	ID             string
	MinLen, MaxLen int
	Transcripts    []Transcript
	Experiments    []experimentInfo
	NumRecords     int64
	Checksum       uint64
}

type coverageRecord struct {
	experiment, readLen, transcript int
	counts                          []uint32
}

func marshalCoverageRecord(buf []byte, r coverageRecord) []byte {
	n := recordHeaderSize + 4*len(r.counts)
	if cap(buf) < n {
		buf = make([]byte, n)
	}
	buf = buf[:n]
	binary.LittleEndian.PutUint16(buf[0:2], uint16(r.experiment))
	binary.LittleEndian.PutUint16(buf[2:4], uint16(r.readLen))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(r.transcript))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(r.counts)))
	for i, c := range r.counts {
		binary.LittleEndian.PutUint32(buf[recordHeaderSize+4*i:], c)
	}
	return buf
}

func unmarshalCoverageRecord(in []byte) (coverageRecord, error) {
	if len(in) < recordHeaderSize {
		return coverageRecord{}, errors.E(errors.Integrity, fmt.Sprintf("short coverage record (%d bytes)", len(in)))
	}
	r := coverageRecord{
		experiment: int(binary.LittleEndian.Uint16(in[0:2])),
		readLen:    int(binary.LittleEndian.Uint16(in[2:4])),
		transcript: int(binary.LittleEndian.Uint32(in[4:8])),
	}
	n := int(binary.LittleEndian.Uint32(in[8:12]))
	if len(in) != recordHeaderSize+4*n {
		return coverageRecord{}, errors.E(errors.Integrity, fmt.Sprintf("coverage record has %d bytes, expected %d", len(in), recordHeaderSize+4*n))
	}
	r.counts = make([]uint32, n)
	for i := range r.counts {
		r.counts[i] = binary.LittleEndian.Uint32(in[recordHeaderSize+4*i:])
	}
	return r, nil
}

// Write stores the archive at path.
func (a *Archive) Write(ctx context.Context, path string) (err error) {
	out, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, "create archive", path)
	}
	defer file.CloseAndReport(ctx, out, &err)
	return a.write(out.Writer(ctx))
}

func (a *Archive) write(out io.Writer) error {
	w := recordio.NewWriter(out, recordio.WriterOpts{
		Transformers: []string{recordiozstd.Name},
	})
	w.AddHeader(fileVersionHeader, fileVersion)
	w.AddHeader(recordio.KeyTrailer, true)

	trailer := archiveTrailer{
		ID:          a.ID,
		MinLen:      a.MinLen,
		MaxLen:      a.MaxLen,
		Transcripts: a.transcripts,
	}
	h := seahash.New()
	var buf []byte
	for ei, name := range a.Experiments() {
		e := a.experiments[name]
		trailer.Experiments = append(trailer.Experiments, experimentInfo{Name: e.Name, Reads: e.Reads})
		for li, byTranscript := range e.coverage {
			for ti, v := range byTranscript {
				if v == nil {
					continue
				}
				buf = marshalCoverageRecord(buf, coverageRecord{
					experiment: ei,
					readLen:    a.MinLen + li,
					transcript: ti,
					counts:     v,
				})
				h.Write(buf)
				// Append may hold on to the slice until the block is flushed.
				w.Append(append([]byte(nil), buf...))
				trailer.NumRecords++
			}
		}
	}
	trailer.Checksum = h.Sum64()

	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(trailer); err != nil {
		return errors.E(err, "encode archive trailer")
	}
	w.SetTrailer(b.Bytes())
	if err := w.Finish(); err != nil {
		return err
	}
	log.Debug.Printf("ribo.Archive.Write: %s: %d experiments, %d records", a.ID, len(trailer.Experiments), trailer.NumRecords)
	return nil
}

// Open reads an archive written by Archive.Write.
func Open(ctx context.Context, path string) (a *Archive, err error) {
	in, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, "open archive", path)
	}
	defer file.CloseAndReport(ctx, in, &err)
	if a, err = read(in.Reader(ctx)); err != nil {
		err = errors.E(err, path)
	}
	return
}

func read(in io.ReadSeeker) (*Archive, error) {
	r := recordio.NewScanner(in, recordio.ScannerOpts{})
	versionFound := false
	for _, kv := range r.Header() {
		if kv.Key == fileVersionHeader {
			if v, ok := kv.Value.(string); !ok || v != fileVersion {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("archive version mismatch, got %v, expect %v", kv.Value, fileVersion))
			}
			versionFound = true
			break
		}
	}
	if !versionFound {
		if err := r.Err(); err != nil {
			return nil, err
		}
		return nil, errors.E(errors.Invalid, fileVersionHeader+" not found")
	}
	var trailer archiveTrailer
	if err := gob.NewDecoder(bytes.NewReader(r.Trailer())).Decode(&trailer); err != nil {
		return nil, errors.E(errors.Integrity, "decode archive trailer", err)
	}
	a, err := NewArchive(trailer.MinLen, trailer.MaxLen, trailer.Transcripts)
	if err != nil {
		return nil, err
	}
	a.ID = trailer.ID
	experiments := make([]*Experiment, len(trailer.Experiments))
	for i, info := range trailer.Experiments {
		if experiments[i], err = a.NewExperiment(info.Name); err != nil {
			return nil, err
		}
		experiments[i].Reads = info.Reads
	}

	h := seahash.New()
	var nRecords int64
	for r.Scan() {
		b := r.Get().([]byte)
		h.Write(b)
		rec, err := unmarshalCoverageRecord(b)
		if err != nil {
			return nil, err
		}
		if rec.experiment >= len(experiments) || rec.readLen < a.MinLen || rec.readLen > a.MaxLen ||
			rec.transcript >= len(a.transcripts) || len(rec.counts) != a.transcripts[rec.transcript].Length {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("coverage record %d is inconsistent with the archive trailer", nRecords))
		}
		experiments[rec.experiment].coverage[rec.readLen-a.MinLen][rec.transcript] = rec.counts
		nRecords++
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	if nRecords != trailer.NumRecords {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("archive has %d records, trailer says %d", nRecords, trailer.NumRecords))
	}
	if sum := h.Sum64(); sum != trailer.Checksum {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("archive checksum mismatch: got %x, expect %x", sum, trailer.Checksum))
	}
	return a, nil
}

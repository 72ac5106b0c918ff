package coverage

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/grail"
	"github.com/grailbio/riboprof/ribo"
	"github.com/grailbio/riboprof/transcript"
	"github.com/grailbio/testutil/expect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ Source = (*ribo.Archive)(nil)

// fakeSource serves synthetic coverage: for transcript id and read length l,
// position p holds p + l*seed(id).
type fakeSource struct {
	ids     []string
	cds     transcript.Table
	lengths map[string]int
	offsets ribo.Offsets
	// Transcripts whose Coverage call fails, panics or returns a short vector.
	fail, panics, short map[string]bool
}

func newFakeSource(n int) *fakeSource {
	s := &fakeSource{
		cds:     transcript.Table{},
		lengths: map[string]int{},
		offsets: ribo.Offsets{26: 2, 27: 2, 28: 3, 29: 3, 30: 4},
		fail:    map[string]bool{},
		panics:  map[string]bool{},
		short:   map[string]bool{},
	}
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("T%03d", i)
		s.ids = append(s.ids, id)
		s.cds[id] = transcript.Range{Start: 100 + i, Stop: 200 + 2*i}
		s.lengths[id] = 300 + 2*i
	}
	return s
}

func seed(id string) uint32 {
	var h uint32
	for _, c := range id {
		h = h*31 + uint32(c)
	}
	return h % 7
}

func (s *fakeSource) TranscriptIDs() []string           { return s.ids }
func (s *fakeSource) CDSRanges() transcript.Table       { return s.cds }
func (s *fakeSource) Experiments() []string             { return []string{"exp"} }
func (s *fakeSource) ReadLengths() (minLen, maxLen int) { return 26, 30 }

func (s *fakeSource) PSiteOffsets(ctx context.Context, experiment string, minLen, maxLen int) (ribo.Offsets, error) {
	if experiment != "exp" {
		return nil, errors.E(errors.NotExist, "experiment", experiment)
	}
	return s.offsets.Subset(minLen, maxLen), nil
}

func (s *fakeSource) Coverage(ctx context.Context, experiment string, readLen int, id string) ([]uint32, error) {
	if s.fail[id] {
		return nil, errors.E("injected failure", id)
	}
	if s.panics[id] {
		panic("injected panic " + id)
	}
	n, ok := s.lengths[id]
	if !ok {
		return nil, errors.E(errors.NotExist, "transcript", id)
	}
	if s.short[id] {
		n = 10
	}
	v := make([]uint32, n)
	for p := range v {
		v[p] = uint32(p) + uint32(readLen)*seed(id)
	}
	return v, nil
}

func testPlan(t *testing.T, s *fakeSource) *Plan {
	plan, err := Resolve(context.Background(), s, "exp", 26, 30)
	require.NoError(t, err)
	return plan
}

func TestTranscriptWindows(t *testing.T) {
	ctx := context.Background()
	s := newFakeSource(0)
	s.ids = []string{"X"}
	s.cds["X"] = transcript.Range{Start: 100, Stop: 200}
	s.lengths["X"] = 300
	plan := testPlan(t, s)
	expect.EQ(t, plan.MaxOffset, 4)

	agg, ok, err := Transcript(ctx, s, plan, "X")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, agg, 100)

	// Windows [98:198], [98:198], [97:197], [97:197] and [96:196].
	want := make([]uint32, 100)
	for l, start := range map[int]int{26: 98, 27: 98, 28: 97, 29: 97, 30: 96} {
		v, err := s.Coverage(ctx, "exp", l, "X")
		require.NoError(t, err)
		for i := range want {
			want[i] += v[start+i]
		}
	}
	assert.Equal(t, want, agg)
}

func TestTranscriptExcluded(t *testing.T) {
	ctx := context.Background()
	s := newFakeSource(0)
	s.cds["E"] = transcript.Range{Start: 3, Stop: 50}
	s.lengths["E"] = 60
	s.cds["B"] = transcript.Range{Start: 4, Stop: 50}
	s.lengths["B"] = 60
	plan := testPlan(t, s)

	agg, ok, err := Transcript(ctx, s, plan, "E")
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, agg)

	// Exclusion does not depend on the data.
	s.fail["E"] = true
	agg, ok, err = Transcript(ctx, s, plan, "E")
	assert.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, agg)

	// A CDS starting exactly at the largest offset is kept.
	agg, ok, err = Transcript(ctx, s, plan, "B")
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, agg, 46)
}

func TestTranscriptErrors(t *testing.T) {
	ctx := context.Background()
	s := newFakeSource(4)
	s.fail["T000"] = true
	s.panics["T001"] = true
	s.short["T002"] = true
	delete(s.cds, "T003")
	plan := testPlan(t, s)

	for _, id := range []string{"T000", "T001", "T002", "T003"} {
		agg, ok, err := Transcript(ctx, s, plan, id)
		assert.Error(t, err, id)
		assert.False(t, ok, id)
		assert.Nil(t, agg, id)
	}
	_, _, err := Transcript(ctx, s, plan, "T001")
	assert.True(t, strings.Contains(err.Error(), "injected panic"), "%v", err)
	_, _, err = Transcript(ctx, s, plan, "T003")
	assert.True(t, errors.Is(errors.NotExist, err))
	assert.Contains(t, err.Error(), "no coding region")
}

func TestBatchSize(t *testing.T) {
	tests := []struct {
		n, workers, want int
	}{
		{10, 3, 4},
		{9, 3, 3},
		{1, 8, 1},
		{8, 8, 1},
		{9, 8, 2},
		{0, 4, 0},
		{100, 1, 100},
	}
	for _, test := range tests {
		expect.EQ(t, BatchSize(test.n, test.workers), test.want, "n=%d workers=%d", test.n, test.workers)
	}
	assert.True(t, BatchSize(5, 0) >= 1)
}

func TestPartition(t *testing.T) {
	assert.Nil(t, Partition(nil, 4))

	s := newFakeSource(10)
	batches := Partition(s.ids, 3)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 4)
	assert.Len(t, batches[1], 4)
	assert.Len(t, batches[2], 2)
	var joined []string
	for _, b := range batches {
		joined = append(joined, b...)
	}
	assert.Equal(t, s.ids, joined)

	for workers := 1; workers <= 12; workers++ {
		batches := Partition(s.ids, workers)
		size := BatchSize(len(s.ids), workers)
		var joined []string
		for i, b := range batches {
			if i < len(batches)-1 {
				assert.Len(t, b, size)
			} else {
				assert.True(t, len(b) >= 1 && len(b) <= size)
			}
			joined = append(joined, b...)
		}
		assert.Equal(t, s.ids, joined, "workers=%d", workers)
	}
}

func TestAggregate(t *testing.T) {
	ctx := context.Background()
	s := newFakeSource(37)
	plan := testPlan(t, s)

	want := map[string][]uint32{}
	for _, id := range s.ids {
		agg, ok, err := Transcript(ctx, s, plan, id)
		require.NoError(t, err)
		require.True(t, ok)
		want[id] = agg
	}
	for _, parallelism := range []int{0, 1, 2, 3, 8, 37, 100} {
		r, err := Aggregate(ctx, s, plan, s.ids, parallelism)
		require.NoError(t, err)
		assert.Equal(t, want, r.Coverage, "parallelism=%d", parallelism)
		assert.Equal(t, Stats{Computed: 37}, r.Stats)
		assert.Equal(t, "exp", r.Experiment)
		assert.Equal(t, plan.Offsets, r.Offsets)
	}

	r, err := Aggregate(ctx, s, plan, nil, 4)
	require.NoError(t, err)
	assert.Empty(t, r.Coverage)
}

func TestAggregateFaultIsolation(t *testing.T) {
	ctx := context.Background()
	s := newFakeSource(20)
	s.fail["T003"] = true
	s.panics["T011"] = true
	s.short["T017"] = true
	s.cds["T019"] = transcript.Range{Start: 1, Stop: 30}
	plan := testPlan(t, s)

	r, err := Aggregate(ctx, s, plan, s.ids, 4)
	require.NoError(t, err)
	require.Len(t, r.Coverage, 20)
	for _, id := range s.ids {
		v, ok := r.Coverage[id]
		require.True(t, ok, id)
		switch id {
		case "T003", "T011", "T017", "T019":
			assert.Nil(t, v, id)
		default:
			assert.Len(t, v, s.cds[id].Len(), id)
		}
	}
	assert.Equal(t, Stats{Computed: 16, Excluded: 1, Failed: 3}, r.Stats)
}

func TestAggregateDuplicate(t *testing.T) {
	ctx := context.Background()
	s := newFakeSource(3)
	plan := testPlan(t, s)
	ids := []string{"T000", "T001", "T000"}
	for _, parallelism := range []int{1, 3} {
		_, err := Aggregate(ctx, s, plan, ids, parallelism)
		assert.True(t, errors.Is(errors.Invalid, err), "parallelism=%d: %v", parallelism, err)
	}
}

func TestAggregateCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := newFakeSource(5)
	plan := testPlan(t, s)
	_, err := Aggregate(ctx, s, plan, s.ids, 2)
	assert.Error(t, err)
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	s := newFakeSource(1)

	plan, err := Resolve(ctx, s, "exp", 27, 29)
	require.NoError(t, err)
	assert.Equal(t, ribo.Offsets{27: 2, 28: 3, 29: 3}, plan.Offsets)
	assert.Equal(t, 3, plan.MaxOffset)
	assert.Equal(t, s.cds, plan.CDS)

	_, err = Resolve(ctx, s, "exp", 30, 26)
	assert.True(t, errors.Is(errors.Invalid, err))
	_, err = Resolve(ctx, s, "exp", 0, 26)
	assert.True(t, errors.Is(errors.Invalid, err))
	// No offset for length 31.
	_, err = Resolve(ctx, s, "exp", 26, 31)
	assert.True(t, errors.Is(errors.Invalid, err))
	_, err = Resolve(ctx, s, "other", 26, 30)
	assert.True(t, errors.Is(errors.NotExist, err))

	plan, err = ResolveWithOffsets(s, "exp", 26, 27, ribo.Offsets{25: 9, 26: 1, 27: 0, 40: 12})
	require.NoError(t, err)
	assert.Equal(t, ribo.Offsets{26: 1, 27: 0}, plan.Offsets)
	assert.Equal(t, 1, plan.MaxOffset)
	_, err = ResolveWithOffsets(s, "exp", 26, 27, ribo.Offsets{26: 1, 27: -1})
	assert.True(t, errors.Is(errors.Invalid, err))

	// Caller-supplied offsets are still checked against the source.
	offsets := ribo.Offsets{20: 0, 25: 1, 26: 1, 27: 1, 30: 2, 31: 2}
	_, err = ResolveWithOffsets(s, "other", 26, 27, offsets)
	assert.True(t, errors.Is(errors.NotExist, err), "%v", err)
	_, err = ResolveWithOffsets(s, "exp", 20, 27, offsets)
	assert.True(t, errors.Is(errors.Invalid, err), "%v", err)
	_, err = ResolveWithOffsets(s, "exp", 26, 31, offsets)
	assert.True(t, errors.Is(errors.Invalid, err), "%v", err)
	_, err = ResolveWithOffsets(s, "exp", 25, 30, offsets)
	assert.True(t, errors.Is(errors.Invalid, err), "%v", err)
	plan, err = ResolveWithOffsets(s, "exp", 26, 30, ribo.Offsets{26: 1, 27: 1, 28: 1, 29: 1, 30: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, plan.MaxOffset)
}

// TestArchive runs a profile end to end against a ribo.Archive.
func TestArchive(t *testing.T) {
	ctx := context.Background()
	a, err := ribo.NewArchive(28, 29, []ribo.Transcript{
		{Name: "A", Alias: "A", Length: 200, CDS: transcript.Range{Start: 60, Stop: 150}, HasCDS: true},
		{Name: "B", Alias: "B", Length: 200, CDS: transcript.Range{Start: 10, Stop: 40}, HasCDS: true},
		{Name: "C", Alias: "C", Length: 50},
	})
	require.NoError(t, err)
	e, err := a.NewExperiment("exp")
	require.NoError(t, err)
	// Start-codon peaks at -12 for length 28 and -13 for length 29.
	require.NoError(t, e.Add(28, 0, 48, 10))
	require.NoError(t, e.Add(29, 0, 47, 10))
	require.NoError(t, e.Add(28, 0, 70, 2))
	require.NoError(t, e.Add(29, 0, 71, 3))

	plan, err := Resolve(ctx, a, "exp", 28, 29)
	require.NoError(t, err)
	assert.Equal(t, ribo.Offsets{28: 12, 29: 13}, plan.Offsets)

	r, err := Aggregate(ctx, a, plan, a.TranscriptIDs(), 2)
	require.NoError(t, err)
	require.Len(t, r.Coverage, 3)
	assert.Nil(t, r.Coverage["B"])
	assert.Nil(t, r.Coverage["C"])
	v := r.Coverage["A"]
	require.Len(t, v, 90)
	// Read 5' ends shifted by their offsets land on CDS positions 0 (start
	// codon) and 22 (70+12-60) and 24 (71+13-60).
	assert.EqualValues(t, 20, v[0])
	assert.EqualValues(t, 2, v[22])
	assert.EqualValues(t, 3, v[24])
	assert.Equal(t, Stats{Computed: 1, Excluded: 1, Failed: 1}, r.Stats)
}

func TestMain(m *testing.M) {
	shutdown := grail.Init()
	defer shutdown()
	os.Exit(m.Run())
}

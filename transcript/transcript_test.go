package transcript

import (
	"context"
	"io/ioutil"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func TestAlias(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"ENST00000335137.4|ENSG00000186092.6|OTTHUMG00000001094.4|-|OR4F5-201|OR4F5|918|CDS:1-918|", "OR4F5-201"},
		{"a|b|c|d|e", "e"},
		{"a|b|c|d", "a|b|c|d"},
		{"a|b|c|d||f", "a|b|c|d||f"},
		{"GAPDH-201", "GAPDH-201"},
	}
	for _, test := range tests {
		expect.EQ(t, Alias(test.name), test.want, "name %s", test.name)
	}
}

func TestParseName(t *testing.T) {
	n, err := ParseName("ENST1.1|ENSG1.1|-|-|GENE1-201|GENE1|1200|UTR5:1-60|CDS:61-1000|UTR3:1001-1200|")
	assert.NoError(t, err)
	expect.EQ(t, n.Alias, "GENE1-201")
	expect.True(t, n.HasCDS)
	expect.EQ(t, n.CDS, Range{Start: 60, Stop: 1000})
	expect.EQ(t, n.CDS.Len(), 940)

	n, err = ParseName("ENST2.1|ENSG2.1|-|-|GENE2-201|GENE2|500|")
	assert.NoError(t, err)
	expect.False(t, n.HasCDS)

	_, err = ParseName("ENST3.1|ENSG3.1|-|-|GENE3-201|GENE3|500|CDS:x-10|")
	expect.NotNil(t, err)
	_, err = ParseName("ENST3.1|ENSG3.1|-|-|GENE3-201|GENE3|500|CDS:20-10|")
	expect.NotNil(t, err)
}

func TestTableLookup(t *testing.T) {
	table := Table{"b": {10, 20}, "a": {0, 5}}
	r, err := table.Lookup("b")
	assert.NoError(t, err)
	expect.EQ(t, r, Range{10, 20})
	_, err = table.Lookup("c")
	expect.True(t, errors.Is(errors.NotExist, err))
}

func TestParseRegions(t *testing.T) {
	data := `# name	start	stop	region
GAPDH-201	0	76	UTR5
GAPDH-201	76	1084	CDS
GAPDH-201	1084	1285	UTR3
ENST1|ENSG1|-|-|ACTB-201|ACTB|300|	10	250	CDS
`
	table, err := parseRegions(strings.NewReader(data))
	assert.NoError(t, err)
	expect.EQ(t, table, Table{
		"GAPDH-201": {76, 1084},
		"ACTB-201":  {10, 250},
	})

	_, err = parseRegions(strings.NewReader("A\t0\t10\tCDS\nA\t20\t30\tCDS\n"))
	expect.True(t, errors.Is(errors.Invalid, err))
	_, err = parseRegions(strings.NewReader("A\t30\t10\tCDS\n"))
	expect.True(t, errors.Is(errors.Invalid, err))
}

func TestReadRegions(t *testing.T) {
	tmpdir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := filepath.Join(tmpdir, "regions.bed")
	assert.NoError(t, ioutil.WriteFile(path, []byte("T1\t3\t9\tCDS\n"), 0644))
	table, err := ReadRegions(context.Background(), path)
	assert.NoError(t, err)
	expect.EQ(t, table, Table{"T1": {3, 9}})

	_, err = ReadRegions(context.Background(), filepath.Join(tmpdir, "missing.bed"))
	expect.NotNil(t, err)
}

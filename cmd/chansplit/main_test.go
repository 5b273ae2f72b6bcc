package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chansplit/chansplit/pkg/types"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeMapping(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "Mapping2Detector.csv")
	require.NoError(t, os.WriteFile(path, []byte("A,B,C,0,1\nX,Y,Z,2,3\n"), 0644))
	return path
}

func TestGenerateRunVerify(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "synthetic.db")
	mapping := writeMapping(t, dir)

	out, err := execute(t, "generate", input, "--records", "500", "--range-lo", "0", "--range-hi", "4")
	require.NoError(t, err)
	assert.Contains(t, out, "wrote 500 entries")

	out, err = execute(t, "run",
		"--input", input,
		"--mapping", mapping,
		"--range-lo", "0",
		"--range-hi", "4",
		"--autosave", "50",
		"--max-virtual-size", "1KB",
		"--work-dir", filepath.Join(dir, "work"),
		"--no-progress",
		"--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "Program started")
	assert.Contains(t, out, "Program finished")
	assert.Contains(t, out, "500 read, 500 routed, 0 skipped")

	outPath := filepath.Join(dir, "synthetic OUTPUT.db")
	out, err = execute(t, "verify", outPath)
	require.NoError(t, err)
	assert.Contains(t, out, "4 tables OK")
	assert.Contains(t, out, "time [")
}

func TestRunFailsOnUnmappedChannel(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "synthetic.db")
	mapping := writeMapping(t, dir)

	_, err := execute(t, "generate", input, "--records", "100", "--range-lo", "0", "--range-hi", "4", "--unmapped-every", "10")
	require.NoError(t, err)

	_, err = execute(t, "run", "--input", input, "--mapping", mapping,
		"--range-lo", "0", "--range-hi", "4", "--no-progress", "--log-level", "error")
	require.Error(t, err)

	_, statErr := os.Stat(filepath.Join(dir, "synthetic OUTPUT.db"))
	assert.True(t, os.IsNotExist(statErr))

	out, err := execute(t, "run", "--input", input, "--mapping", mapping,
		"--range-lo", "0", "--range-hi", "4", "--on-unmapped", "skip", "--no-progress", "--log-level", "error")
	require.NoError(t, err)
	assert.Contains(t, out, "10 skipped")
}

func TestRunRejectsBadFlags(t *testing.T) {
	_, err := execute(t, "run")
	assert.Error(t, err, "input is required")

	_, err = execute(t, "run", "--input", "x.db", "--on-unmapped", "ignore")
	assert.Error(t, err)

	_, err = execute(t, "run", "--input", "x.db", "--prefetch", "plenty")
	assert.Error(t, err)
}

func TestSyntheticRecords(t *testing.T) {
	rng := types.ChannelRange{Lo: 256, Hi: 512}
	recs := syntheticRecords(1000, rng, 100, 7)
	require.Len(t, recs, 1000)

	unmapped := 0
	for i, rec := range recs {
		if !rng.Contains(int(rec.ChannelID)) {
			unmapped++
		}
		if i > 0 {
			assert.GreaterOrEqual(t, rec.Time, recs[i-1].Time)
		}
	}
	assert.Equal(t, 10, unmapped)
	assert.Equal(t, recs, syntheticRecords(1000, rng, 100, 7))
}

package output

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/chansplit/chansplit/internal/errors"
	"github.com/chansplit/chansplit/internal/partition"
	"github.com/chansplit/chansplit/internal/stream"
	"github.com/chansplit/chansplit/pkg/types"
)

// sliceSource replays a fixed record slice.
type sliceSource []types.Record

func (s sliceSource) Len() int64 { return int64(len(s)) }

func (s sliceSource) Replay(fn func(types.Record) error) error {
	for _, rec := range s {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

func testRun() RunInfo {
	return RunInfo{
		RunID:     "00000000-0000-0000-0000-000000000001",
		Input:     "run.db",
		Mapping:   "Mapping2Detector.csv",
		RangeLo:   256,
		RangeHi:   512,
		CreatedAt: time.Unix(1700000000, 0).UTC(),
	}
}

func TestOutputName(t *testing.T) {
	cases := map[string]string{
		"run.db":               "run OUTPUT.db",
		"data/run07.db":        "run07 OUTPUT.db",
		"/abs/path/x.y.sqlite": "x.y OUTPUT.sqlite",
		"noext":                "noext OUTPUT",
	}
	for in, want := range cases {
		assert.Equal(t, want, OutputName(in), in)
	}
}

func TestWriterRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "run OUTPUT.db")

	w, err := Create(ctx, path, Options{})
	require.NoError(t, err)
	defer w.Close()

	up := sliceSource{
		{ChannelID: 300, Time: 1, Energy: 10.5, TOT: 1},
		{ChannelID: 300, Time: 2, Energy: 20.25, TOT: 2},
	}
	down := sliceSource{{ChannelID: 301, Time: 3, Energy: 30, TOT: 3}}

	_, err = w.WritePartition(ctx, "ABCu", 300, up)
	require.NoError(t, err)
	_, err = w.WritePartition(ctx, "ABCd", 301, down)
	require.NoError(t, err)
	_, err = w.WritePartition(ctx, "XYZu", 302, sliceSource{})
	require.NoError(t, err)

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "final path must not exist before commit")

	size, err := w.Commit(ctx, testRun())
	require.NoError(t, err)
	assert.Greater(t, size, int64(0))

	_, err = os.Stat(path + partialSuffix)
	assert.True(t, os.IsNotExist(err), "partial file must be gone after commit")

	names, err := TableNames(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, []string{"ABCu", "ABCd", "XYZu"}, names)

	got, err := ReadTable(ctx, path, "ABCu")
	require.NoError(t, err)
	assert.Equal(t, []types.Record(up), got)

	got, err = ReadTable(ctx, path, "XYZu")
	require.NoError(t, err)
	assert.Empty(t, got)

	results, err := Verify(ctx, path)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, int64(2), results[0].ActualRows)
	assert.True(t, results[2].OK())

	run, err := ReadRunInfo(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, testRun(), *run)
}

func TestWriterCloseWithoutCommitRemovesPartial(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "out.db")

	w, err := Create(ctx, path, Options{})
	require.NoError(t, err)
	_, err = w.WritePartition(ctx, "ABCu", 300, sliceSource{{ChannelID: 300}})
	require.NoError(t, err)

	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestWriterReplacesStalePartial(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "out.db")
	require.NoError(t, os.WriteFile(path+partialSuffix, []byte("left over from a crash"), 0644))

	w, err := Create(ctx, path, Options{})
	require.NoError(t, err)
	defer w.Close()

	_, err = w.WritePartition(ctx, "ABCu", 300, sliceSource{{ChannelID: 300}})
	require.NoError(t, err)
	_, err = w.Commit(ctx, testRun())
	require.NoError(t, err)
}

func TestWriterAutoSaveBatches(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "out.db")

	w, err := Create(ctx, path, Options{AutoSave: 3, MaxVirtualSize: 1 << 20})
	require.NoError(t, err)
	defer w.Close()

	src := make(sliceSource, 10)
	for i := range src {
		src[i] = types.Record{ChannelID: 300, Time: int64(i)}
	}
	info, err := w.WritePartition(ctx, "ABCu", 300, src)
	require.NoError(t, err)
	assert.Equal(t, int64(10), info.RowCount)

	_, err = w.Commit(ctx, testRun())
	require.NoError(t, err)

	got, err := ReadTable(ctx, path, "ABCu")
	require.NoError(t, err)
	assert.Equal(t, []types.Record(src), got)
}

func TestWriterRejectsBadNames(t *testing.T) {
	ctx := context.Background()
	w, err := Create(ctx, filepath.Join(t.TempDir(), "out.db"), Options{})
	require.NoError(t, err)
	defer w.Close()

	_, err = w.WritePartition(ctx, "", 1, sliceSource{})
	assert.Error(t, err)
	_, err = w.WritePartition(ctx, ManifestTable, 1, sliceSource{})
	assert.Error(t, err)

	_, err = w.WritePartition(ctx, "sqlite_xu", 1, sliceSource{})
	assert.Error(t, err)
	_, err = w.WritePartition(ctx, "_CHANSPLIT_runu", 1, sliceSource{})
	assert.Error(t, err)

	_, err = w.WritePartition(ctx, "ABCu", 300, sliceSource{})
	require.NoError(t, err)
	_, err = w.WritePartition(ctx, "ABCu", 300, sliceSource{})
	require.Error(t, err)
	assert.Equal(t, cerrors.CodeOutputWriteFailed, cerrors.GetCode(err))

	_, err = w.WritePartition(ctx, "abcu", 302, sliceSource{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already written")
}

func TestWriterRecordsValueRanges(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "out.db")

	w, err := Create(ctx, path, Options{})
	require.NoError(t, err)
	defer w.Close()

	info, err := w.WritePartition(ctx, "ABCu", 300, sliceSource{
		{ChannelID: 300, Time: 50, Energy: 1.5},
		{ChannelID: 300, Time: 10, Energy: 9.25},
		{ChannelID: 300, Time: 30, Energy: -2},
	})
	require.NoError(t, err)
	assert.Equal(t, Stats{Count: 3, MinTime: 10, MaxTime: 50, MinEnergy: -2, MaxEnergy: 9.25}, info.Stats)

	empty, err := w.WritePartition(ctx, "ABCd", 301, sliceSource{})
	require.NoError(t, err)
	assert.Equal(t, Stats{}, empty.Stats)

	_, err = w.Commit(ctx, testRun())
	require.NoError(t, err)

	results, err := Verify(ctx, path)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, info.Stats, results[0].ExpectedStats)
	assert.Equal(t, info.Stats, results[0].ActualStats)
	assert.Equal(t, Stats{}, results[1].ExpectedStats)

	// a manifest whose ranges disagree with the table fails verification
	db, err := sql.Open("sqlite3", stream.DSN(path, "rw"))
	require.NoError(t, err)
	_, err = db.Exec(`UPDATE "_chansplit_partitions" SET max_time = 49 WHERE name = 'ABCu'`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	results, err = Verify(ctx, path)
	require.Error(t, err)
	assert.False(t, results[0].OK())
	assert.Equal(t, results[0].ExpectedFingerprint, results[0].ActualFingerprint)
	assert.Equal(t, int64(49), results[0].ExpectedStats.MaxTime)
}

func TestWriterClosedAfterCommit(t *testing.T) {
	ctx := context.Background()
	w, err := Create(ctx, filepath.Join(t.TempDir(), "out.db"), Options{})
	require.NoError(t, err)
	_, err = w.Commit(ctx, testRun())
	require.NoError(t, err)

	_, err = w.WritePartition(ctx, "ABCu", 300, sliceSource{})
	assert.Error(t, err)
	_, err = w.Commit(ctx, testRun())
	assert.Error(t, err)
	assert.NoError(t, w.Close())
}

// lyingSource declares more records than it replays.
type lyingSource struct{ sliceSource }

func (s lyingSource) Len() int64 { return s.sliceSource.Len() + 1 }

func TestWriterDetectsShortReplay(t *testing.T) {
	ctx := context.Background()
	w, err := Create(ctx, filepath.Join(t.TempDir(), "out.db"), Options{})
	require.NoError(t, err)
	defer w.Close()

	_, err = w.WritePartition(ctx, "ABCu", 300, lyingSource{sliceSource{{ChannelID: 300}}})
	require.Error(t, err)
}

func newRegistry(t *testing.T, inverse map[int]string, rng types.ChannelRange) *partition.Registry {
	t.Helper()
	reg, err := partition.NewRegistry(inverse, rng, partition.Options{WorkDir: t.TempDir()}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestWriteAllFollowsKeyOrder(t *testing.T) {
	ctx := context.Background()
	ids := map[string]int{"ZZd": 10, "AAu": 11, "MMu": 12, "OUTu": 900}
	inverse := map[int]string{10: "ZZd", 11: "AAu", 12: "MMu", 900: "OUTu"}
	order := []string{"MMu", "OUTu", "ZZd", "AAu"}

	reg := newRegistry(t, inverse, types.ChannelRange{Lo: 10, Hi: 13})
	router := partition.NewRouter(reg)
	for _, rec := range []types.Record{
		{ChannelID: 11, Time: 1},
		{ChannelID: 12, Time: 2},
		{ChannelID: 11, Time: 3},
	} {
		require.NoError(t, router.Route(rec))
	}
	reg.Seal()

	path := filepath.Join(t.TempDir(), "out.db")
	w, err := Create(ctx, path, Options{})
	require.NoError(t, err)
	defer w.Close()

	resolve := func(key string) (int, bool) {
		id, ok := ids[key]
		return id, ok
	}
	infos, err := w.WriteAll(ctx, order, resolve, reg)
	require.NoError(t, err)
	require.Len(t, infos, 3)
	_, err = w.Commit(ctx, testRun())
	require.NoError(t, err)

	names, err := TableNames(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, []string{"MMu", "ZZd", "AAu"}, names)

	got, err := ReadTable(ctx, path, "AAu")
	require.NoError(t, err)
	assert.Equal(t, []types.Record{{ChannelID: 11, Time: 1}, {ChannelID: 11, Time: 3}}, got)

	_, err = Verify(ctx, path)
	assert.NoError(t, err)
}

func TestWriteAllRequiresEveryPartition(t *testing.T) {
	ctx := context.Background()
	inverse := map[int]string{10: "ZZd", 11: "AAu"}
	reg := newRegistry(t, inverse, types.ChannelRange{Lo: 10, Hi: 12})

	w, err := Create(ctx, filepath.Join(t.TempDir(), "out.db"), Options{})
	require.NoError(t, err)
	defer w.Close()

	resolve := func(key string) (int, bool) {
		if key == "ZZd" {
			return 10, true
		}
		return 0, false
	}
	_, err = w.WriteAll(ctx, []string{"ZZd"}, resolve, reg)
	require.Error(t, err)
	assert.Equal(t, cerrors.CodeOutputWriteFailed, cerrors.GetCode(err))
}

func TestVerifyDetectsTampering(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "out.db")

	w, err := Create(ctx, path, Options{})
	require.NoError(t, err)
	_, err = w.WritePartition(ctx, "ABCu", 300, sliceSource{{ChannelID: 300, Time: 1}, {ChannelID: 300, Time: 2}})
	require.NoError(t, err)
	_, err = w.Commit(ctx, testRun())
	require.NoError(t, err)

	db, err := sql.Open("sqlite3", stream.DSN(path, "rw"))
	require.NoError(t, err)
	_, err = db.Exec(`UPDATE "ABCu" SET "time" = 99 WHERE "time" = 2`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	results, err := Verify(ctx, path)
	require.Error(t, err)
	assert.Equal(t, cerrors.CodeVerifyFailed, cerrors.GetCode(err))
	require.Len(t, results, 1)
	assert.False(t, results[0].OK())
	assert.Equal(t, results[0].ExpectedRows, results[0].ActualRows)
}

func TestVerifyMissingFile(t *testing.T) {
	_, err := Verify(context.Background(), filepath.Join(t.TempDir(), "absent.db"))
	require.Error(t, err)
	assert.Equal(t, cerrors.CodeVerifyFailed, cerrors.GetCode(err))
}

func TestFingerprintIsOrderSensitive(t *testing.T) {
	a, b := NewFingerprint(), NewFingerprint()
	r1 := types.Record{ChannelID: 1, Time: 1}
	r2 := types.Record{ChannelID: 1, Time: 2}
	a.Add(r1)
	a.Add(r2)
	b.Add(r2)
	b.Add(r1)
	assert.NotEqual(t, a.Sum(), b.Sum())
	assert.Equal(t, int64(2), a.Count())
	assert.Len(t, NewFingerprint().Sum(), 32)
}

package mapping

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/chansplit/chansplit/internal/errors"
)

func TestLoadSingleRow(t *testing.T) {
	m, err := LoadReader(strings.NewReader("A,B,C,300,301\n"), "inline")
	require.NoError(t, err)

	assert.Equal(t, 2, m.Len())
	assert.Equal(t, []string{"ABCu", "ABCd"}, m.Order())

	id, ok := m.ID("ABCu")
	require.True(t, ok)
	assert.Equal(t, 300, id)

	id, ok = m.ID("ABCd")
	require.True(t, ok)
	assert.Equal(t, 301, id)

	_, ok = m.ID("ABC")
	assert.False(t, ok)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Mapping2Detector.csv")
	content := "LPD,01,A,257,256\r\nLPD,01,B,259,258\r\nLPD,02,A,261,260,extra\r\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	m, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, path, m.Source())
	assert.Equal(t, []string{"LPD01Au", "LPD01Ad", "LPD01Bu", "LPD01Bd", "LPD02Au", "LPD02Ad"}, m.Order())
	id, _ := m.ID("LPD02Ad")
	assert.Equal(t, 260, id)
}

func TestLoadTrimsFields(t *testing.T) {
	m, err := LoadReader(strings.NewReader("A , B,C ,  12 , 13\n"), "inline")
	require.NoError(t, err)
	id, ok := m.ID("ABCd")
	require.True(t, ok)
	assert.Equal(t, 13, id)
}

func TestLoadFailures(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		wantCode string
	}{
		{name: "empty source", content: "", wantCode: cerrors.CodeEmptyMapping},
		{name: "too few fields", content: "A,B,C,300,301\nA,B,300\n", wantCode: cerrors.CodeMalformedRow},
		{name: "non numeric up", content: "A,B,C,x,301\n", wantCode: cerrors.CodeMalformedRow},
		{name: "non numeric down", content: "A,B,C,300,3o1\n", wantCode: cerrors.CodeMalformedRow},
		{name: "duplicate key", content: "A,B,C,300,301\nA,B,C,302,303\n", wantCode: cerrors.CodeDuplicateKey},
		{name: "keys differing only in case", content: "A,B,C,0,1\na,b,c,2,3\n", wantCode: cerrors.CodeDuplicateKey},
		{name: "sqlite prefix", content: "sqlite,_,x,0,1\n", wantCode: cerrors.CodeReservedKey},
		{name: "sqlite prefix upper case", content: "SQLite,_,X,0,1\n", wantCode: cerrors.CodeReservedKey},
		{name: "manifest prefix", content: "A,B,C,0,1\n_chansplit,_,run,2,3\n", wantCode: cerrors.CodeReservedKey},
		{name: "bad quoting", content: "A,\"B,C,300,301\n", wantCode: cerrors.CodeMappingLoadFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := LoadReader(strings.NewReader(tt.content), "inline")
			require.Error(t, err)
			assert.Nil(t, m, "no partial mapping may be returned")
			assert.Equal(t, cerrors.ErrCategoryMapping, cerrors.GetCategory(err))
			assert.Equal(t, tt.wantCode, cerrors.GetCode(err))
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.csv"))
	require.Error(t, err)
	assert.ErrorIs(t, err, cerrors.ErrMappingLoad)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestInvert(t *testing.T) {
	m, err := LoadReader(strings.NewReader("A,B,C,300,301\nD,E,F,257,256\n"), "inline")
	require.NoError(t, err)

	inverse, err := m.Invert()
	require.NoError(t, err)
	assert.Equal(t, map[int]string{300: "ABCu", 301: "ABCd", 257: "DEFu", 256: "DEFd"}, inverse)
}

func TestInvertRejectsSharedID(t *testing.T) {
	m, err := LoadReader(strings.NewReader("A,B,C,300,301\nD,E,F,301,302\n"), "inline")
	require.NoError(t, err)

	_, err = m.Invert()
	require.Error(t, err)
	assert.Equal(t, cerrors.CodeDuplicateID, cerrors.GetCode(err))
}

func TestOrderReturnsCopy(t *testing.T) {
	m, err := LoadReader(strings.NewReader("A,B,C,1,2\n"), "inline")
	require.NoError(t, err)

	order := m.Order()
	order[0] = "mutated"
	assert.Equal(t, "ABCu", m.Order()[0])
}

// TestProperty_TwoEntriesPerRow checks that every valid row contributes
// exactly two unique keys, in row order, each resolving to its row's ids.
func TestProperty_TwoEntriesPerRow(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("each row yields an up and a down key", prop.ForAll(
		func(ids []int) bool {
			var sb strings.Builder
			for i, id := range ids {
				fmt.Fprintf(&sb, "D%d,R,%d,%d,%d\n", i, i, id, id+1)
			}

			m, err := LoadReader(strings.NewReader(sb.String()), "generated")
			if err != nil {
				return false
			}
			if m.Len() != 2*len(ids) || len(m.Order()) != 2*len(ids) {
				return false
			}

			order := m.Order()
			for i, id := range ids {
				up, down := order[2*i], order[2*i+1]
				if up != fmt.Sprintf("D%dR%du", i, i) || down != fmt.Sprintf("D%dR%dd", i, i) {
					return false
				}
				if got, _ := m.ID(up); got != id {
					return false
				}
				if got, _ := m.ID(down); got != id+1 {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 4096)).SuchThat(func(v []int) bool { return len(v) > 0 }),
	))

	properties.TestingRun(t)
}

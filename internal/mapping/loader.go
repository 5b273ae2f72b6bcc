// Package mapping loads the channel-to-detector table that names every
// output partition.
package mapping

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	cerrors "github.com/chansplit/chansplit/internal/errors"
)

// MinFields is the number of fields every mapping row must carry:
// three descriptor fields followed by the up and down channel ids.
const MinFields = 5

// Side suffixes appended to the descriptor prefix.
const (
	SuffixUp   = "u"
	SuffixDown = "d"
)

// ReservedPrefixes are table name prefixes a detector key may not use:
// SQLite owns sqlite_ and the output manifest owns _chansplit_.
var ReservedPrefixes = []string{"sqlite_", "_chansplit_"}

// Mapping is a detector key to channel id table plus the declaration order
// of its keys. It is immutable once loaded.
type Mapping struct {
	source string
	ids    map[string]int
	folded map[string]string // lower-cased key to declared key
	order  []string
}

// Load reads a mapping table from a comma-separated file without header.
// Every row must parse completely; any failure rejects the whole table.
func Load(path string) (*Mapping, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, cerrors.NewMappingError(cerrors.CodeMappingLoadFailed,
			fmt.Sprintf("cannot open mapping source %s", path), err)
	}
	defer f.Close()

	return LoadReader(f, path)
}

// LoadReader parses a mapping table from r. name is used in error messages.
func LoadReader(r io.Reader, name string) (*Mapping, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = true

	m := &Mapping{
		source: name,
		ids:    make(map[string]int),
		folded: make(map[string]string),
	}

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, cerrors.NewMappingError(cerrors.CodeMappingLoadFailed,
				fmt.Sprintf("cannot read mapping source %s", name), err)
		}
		line, _ := reader.FieldPos(0)
		if err := m.addRow(record, line); err != nil {
			return nil, err
		}
	}

	if len(m.order) == 0 {
		return nil, cerrors.NewMappingError(cerrors.CodeEmptyMapping,
			fmt.Sprintf("mapping source %s has no rows", name), nil)
	}
	return m, nil
}

// addRow derives the up and down keys of one row.
func (m *Mapping) addRow(record []string, line int) error {
	if len(record) < MinFields {
		return cerrors.NewMappingError(cerrors.CodeMalformedRow,
			fmt.Sprintf("%s:%d: expected at least %d fields, got %d", m.source, line, MinFields, len(record)), nil)
	}

	prefix := strings.TrimSpace(record[0]) + strings.TrimSpace(record[1]) + strings.TrimSpace(record[2])
	up, err := parseID(record[3])
	if err != nil {
		return cerrors.NewMappingError(cerrors.CodeMalformedRow,
			fmt.Sprintf("%s:%d: invalid up channel id %q", m.source, line, record[3]), err)
	}
	down, err := parseID(record[4])
	if err != nil {
		return cerrors.NewMappingError(cerrors.CodeMalformedRow,
			fmt.Sprintf("%s:%d: invalid down channel id %q", m.source, line, record[4]), err)
	}

	for _, entry := range []struct {
		key string
		id  int
	}{{prefix + SuffixUp, up}, {prefix + SuffixDown, down}} {
		lower := strings.ToLower(entry.key)
		for _, prefix := range ReservedPrefixes {
			if strings.HasPrefix(lower, prefix) {
				return cerrors.NewMappingError(cerrors.CodeReservedKey,
					fmt.Sprintf("%s:%d: detector key %q uses reserved prefix %q", m.source, line, entry.key, prefix), nil)
			}
		}
		// table names compare case-insensitively in the output container
		if other, exists := m.folded[lower]; exists {
			return cerrors.NewMappingError(cerrors.CodeDuplicateKey,
				fmt.Sprintf("%s:%d: detector key %q collides with %q", m.source, line, entry.key, other), nil)
		}
		m.ids[entry.key] = entry.id
		m.folded[lower] = entry.key
		m.order = append(m.order, entry.key)
	}
	return nil
}

func parseID(field string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(field))
}

// ID returns the channel id of key.
func (m *Mapping) ID(key string) (int, bool) {
	id, ok := m.ids[key]
	return id, ok
}

// Order returns the keys in declaration order. The slice is a copy.
func (m *Mapping) Order() []string {
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// Len returns the number of keys.
func (m *Mapping) Len() int {
	return len(m.ids)
}

// Source returns the name the mapping was loaded from.
func (m *Mapping) Source() string {
	return m.source
}

// Invert builds the channel id to key table. Two keys sharing a channel id
// make the mapping ambiguous and are rejected.
func (m *Mapping) Invert() (map[int]string, error) {
	inverse := make(map[int]string, len(m.ids))
	for _, key := range m.order {
		id := m.ids[key]
		if other, exists := inverse[id]; exists {
			return nil, cerrors.NewMappingError(cerrors.CodeDuplicateID,
				fmt.Sprintf("channel %d is claimed by both %q and %q", id, other, key), nil).
				WithDetails(map[string]interface{}{"channel_id": id})
		}
		inverse[id] = key
	}
	return inverse, nil
}

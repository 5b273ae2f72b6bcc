package partition

import (
	"fmt"
	"io"
	"os"

	"github.com/golang/snappy"

	"github.com/chansplit/chansplit/pkg/types"
)

// spillFile is the on-disk overflow of one partition. Records are appended
// as fixed-width little-endian frames inside Snappy framed streams, one
// stream per write. The file is only open while a write or replay runs, so
// a wide channel range does not pin one descriptor per partition.
type spillFile struct {
	path string
	buf  [types.RecordSize]byte
}

func createSpill(path string) (*spillFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("spill: failed to create %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("spill: failed to create %s: %w", path, err)
	}
	return &spillFile{path: path}, nil
}

// write appends records as a new Snappy stream and closes the file again.
func (s *spillFile) write(records []types.Record) (err error) {
	f, err := os.OpenFile(s.path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("spill: failed to open %s: %w", s.path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("spill: failed to close %s: %w", s.path, cerr)
		}
	}()

	w := snappy.NewBufferedWriter(f)
	for _, rec := range records {
		types.EncodeRecord(s.buf[:], rec)
		if _, err := w.Write(s.buf[:]); err != nil {
			return fmt.Errorf("spill: failed to write %s: %w", s.path, err)
		}
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("spill: failed to flush %s: %w", s.path, err)
	}
	return nil
}

// replay decodes every spilled record in write order. The reader accepts
// the stream identifier that starts each appended stream.
func (s *spillFile) replay(fn func(types.Record) error) error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("spill: failed to open %s: %w", s.path, err)
	}
	defer f.Close()

	r := snappy.NewReader(f)
	var buf [types.RecordSize]byte
	for {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("spill: corrupt frame in %s: %w", s.path, err)
		}
		if err := fn(types.DecodeRecord(buf[:])); err != nil {
			return err
		}
	}
}

func (s *spillFile) remove() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

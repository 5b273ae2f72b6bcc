// Package partition holds the per-channel output buffers and routes input
// records into them.
package partition

import (
	"fmt"
	"path/filepath"

	cerrors "github.com/chansplit/chansplit/internal/errors"
	"github.com/chansplit/chansplit/pkg/types"
)

// Options bounds the in-memory staging of every partition.
type Options struct {
	// MaxVirtualSize is the staged byte ceiling per partition; 0 disables it
	MaxVirtualSize int64
	// AutoSave is the maximum staged appends per partition; 0 disables it
	AutoSave int
	// WorkDir holds spill files; empty means a private temporary directory
	WorkDir string
}

// Partition is the append-only, order-preserving record sequence of one
// channel. Records beyond the staging limits are spilled to disk and
// replayed ahead of the staged tail.
type Partition struct {
	id     int
	name   string
	opts   *Options
	staged []types.Record
	spill  *spillFile
	count  int64
	spills int
	sealed bool
}

func newPartition(id int, name string, opts *Options) *Partition {
	return &Partition{
		id:   id,
		name: name,
		opts: opts,
	}
}

// ID returns the channel id.
func (p *Partition) ID() int { return p.id }

// Name returns the detector key.
func (p *Partition) Name() string { return p.name }

// Len returns the number of records appended so far.
func (p *Partition) Len() int64 { return p.count }

// Staged returns the number of records held in memory.
func (p *Partition) Staged() int { return len(p.staged) }

// Spills returns how many times staging was flushed to disk.
func (p *Partition) Spills() int { return p.spills }

// Sealed reports whether the partition accepts no more records.
func (p *Partition) Sealed() bool { return p.sealed }

// Append adds rec after every previously appended record.
func (p *Partition) Append(rec types.Record) error {
	if p.sealed {
		return cerrors.NewRoutingError(cerrors.CodePartitionSealed,
			fmt.Sprintf("partition %s (channel %d) is sealed", p.name, p.id), nil)
	}

	p.staged = append(p.staged, rec)
	p.count++

	if p.overLimit() {
		return p.flush()
	}
	return nil
}

func (p *Partition) overLimit() bool {
	if p.opts.AutoSave > 0 && len(p.staged) >= p.opts.AutoSave {
		return true
	}
	if p.opts.MaxVirtualSize > 0 && int64(len(p.staged))*types.RecordSize >= p.opts.MaxVirtualSize {
		return true
	}
	return false
}

// flush moves the staged records to the spill file.
func (p *Partition) flush() error {
	if len(p.staged) == 0 {
		return nil
	}
	if p.spill == nil {
		path := filepath.Join(p.opts.WorkDir, fmt.Sprintf("channel-%d.spill", p.id))
		s, err := createSpill(path)
		if err != nil {
			return cerrors.NewRoutingError(cerrors.CodeSpillFailed,
				fmt.Sprintf("partition %s", p.name), err)
		}
		p.spill = s
	}
	if err := p.spill.write(p.staged); err != nil {
		return cerrors.NewRoutingError(cerrors.CodeSpillFailed,
			fmt.Sprintf("partition %s", p.name), err)
	}
	p.staged = p.staged[:0]
	p.spills++
	return nil
}

// Replay visits every record in append order: spilled records first, then
// the staged tail. It may be called more than once.
func (p *Partition) Replay(fn func(types.Record) error) error {
	if p.spill != nil {
		if err := p.spill.replay(fn); err != nil {
			return err
		}
	}
	for _, rec := range p.staged {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// Seal stops the partition from accepting records.
func (p *Partition) Seal() {
	p.sealed = true
}

// release drops staged records and removes the spill file.
func (p *Partition) release() error {
	p.sealed = true
	p.staged = nil
	if p.spill == nil {
		return nil
	}
	err := p.spill.remove()
	p.spill = nil
	return err
}

package partition

import (
	"fmt"
	"os"
	"sort"

	"go.uber.org/zap"

	cerrors "github.com/chansplit/chansplit/internal/errors"
	"github.com/chansplit/chansplit/pkg/types"
)

// Registry owns one partition per channel id in a closed-open range. Every
// partition exists before streaming starts, so lookups for in-range ids
// never miss.
type Registry struct {
	rng         types.ChannelRange
	opts        Options
	byID        map[int]*Partition
	ordered     []*Partition
	ownsWorkDir bool
	logger      *zap.Logger
}

// NewRegistry creates an empty partition for every id in rng, named by the
// inverse mapping. An id in range without a detector key fails the whole
// registry.
func NewRegistry(inverse map[int]string, rng types.ChannelRange, opts Options, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if rng.Hi < rng.Lo {
		return nil, cerrors.NewConfigError(fmt.Sprintf("channel range [%d,%d) is inverted", rng.Lo, rng.Hi))
	}
	if opts.MaxVirtualSize < 0 || opts.AutoSave < 0 {
		return nil, cerrors.NewConfigError("staging limits must not be negative")
	}

	r := &Registry{
		rng:    rng,
		opts:   opts,
		byID:   make(map[int]*Partition, rng.Len()),
		logger: logger,
	}

	for id := rng.Lo; id < rng.Hi; id++ {
		name, ok := inverse[id]
		if !ok {
			return nil, cerrors.NewRoutingError(cerrors.CodeChannelNotMapped,
				fmt.Sprintf("channel %d in range [%d,%d) has no detector key", id, rng.Lo, rng.Hi), nil).
				WithDetails(map[string]interface{}{"channel_id": id})
		}
		p := newPartition(id, name, &r.opts)
		r.byID[id] = p
		r.ordered = append(r.ordered, p)
	}

	if r.opts.WorkDir == "" {
		dir, err := os.MkdirTemp("", "chansplit-spill-*")
		if err != nil {
			return nil, cerrors.NewInternalError(cerrors.CodeUnexpected, "failed to create spill directory", err)
		}
		r.opts.WorkDir = dir
		r.ownsWorkDir = true
	} else if err := os.MkdirAll(r.opts.WorkDir, 0755); err != nil {
		return nil, cerrors.NewInternalError(cerrors.CodeUnexpected, "failed to create spill directory", err)
	}

	logger.Debug("partition registry created",
		zap.Int("partitions", len(r.ordered)),
		zap.Int("range_lo", rng.Lo),
		zap.Int("range_hi", rng.Hi),
		zap.String("work_dir", r.opts.WorkDir))
	return r, nil
}

// Lookup returns the partition of channel id.
func (r *Registry) Lookup(id uint32) (*Partition, bool) {
	if !r.rng.Contains(int(id)) {
		return nil, false
	}
	p, ok := r.byID[int(id)]
	return p, ok
}

// Partitions returns every partition in ascending channel id order.
func (r *Registry) Partitions() []*Partition {
	out := make([]*Partition, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Len returns the number of partitions.
func (r *Registry) Len() int {
	return len(r.ordered)
}

// Range returns the channel range the registry covers.
func (r *Registry) Range() types.ChannelRange {
	return r.rng
}

// TotalRecords returns the sum of records across all partitions.
func (r *Registry) TotalRecords() int64 {
	var total int64
	for _, p := range r.ordered {
		total += p.Len()
	}
	return total
}

// Seal seals every partition.
func (r *Registry) Seal() {
	for _, p := range r.ordered {
		p.Seal()
	}
}

// Spilled returns the ids of partitions that flushed to disk at least once.
func (r *Registry) Spilled() []int {
	var ids []int
	for _, p := range r.ordered {
		if p.Spills() > 0 {
			ids = append(ids, p.ID())
		}
	}
	sort.Ints(ids)
	return ids
}

// Close releases every partition and removes spill files. It is safe to
// call more than once.
func (r *Registry) Close() error {
	var firstErr error
	for _, p := range r.ordered {
		if err := p.release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if r.ownsWorkDir {
		if err := os.RemoveAll(r.opts.WorkDir); err != nil && firstErr == nil {
			firstErr = err
		}
		r.ownsWorkDir = false
	}
	return firstErr
}

package output

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	cerrors "github.com/chansplit/chansplit/internal/errors"
	"github.com/chansplit/chansplit/internal/partition"
)

// Resolver maps a detector key to its channel id.
type Resolver func(key string) (int, bool)

// WriteAll writes every registry partition in the given key order. Keys
// whose id lies outside the registry are skipped. Each partition must be
// reached exactly once by order.
func (w *Writer) WriteAll(ctx context.Context, order []string, resolve Resolver, reg *partition.Registry) ([]*PartitionInfo, error) {
	seen := make(map[int]string, reg.Len())
	var infos []*PartitionInfo
	skipped := 0

	for _, key := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		id, ok := resolve(key)
		if !ok {
			return nil, cerrors.NewOutputError(cerrors.CodeOutputWriteFailed,
				fmt.Sprintf("detector key %q has no channel id", key), nil)
		}
		if id < 0 || id > int(^uint32(0)) {
			skipped++
			continue
		}
		p, ok := reg.Lookup(uint32(id))
		if !ok {
			skipped++
			w.logger.Debug("detector key outside channel range",
				zap.String("key", key), zap.Int("channel_id", id))
			continue
		}
		if prev, dup := seen[id]; dup {
			return nil, cerrors.NewOutputError(cerrors.CodeOutputWriteFailed,
				fmt.Sprintf("channel %d reached by both %q and %q", id, prev, key), nil)
		}
		seen[id] = key

		info, err := w.WritePartition(ctx, p.Name(), p.ID(), p)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}

	if len(seen) != reg.Len() {
		for _, p := range reg.Partitions() {
			if _, ok := seen[p.ID()]; !ok {
				return nil, cerrors.NewOutputError(cerrors.CodeOutputWriteFailed,
					fmt.Sprintf("partition %s (channel %d) is not in the write order", p.Name(), p.ID()), nil)
			}
		}
	}

	if skipped > 0 {
		w.logger.Warn("detector keys outside channel range were not written",
			zap.Int("skipped", skipped),
			zap.Int("range_lo", reg.Range().Lo),
			zap.Int("range_hi", reg.Range().Hi))
	}
	return infos, nil
}

package partition

import (
	cerrors "github.com/chansplit/chansplit/internal/errors"
	"github.com/chansplit/chansplit/pkg/types"
)

// Router dispatches records to the partition matching their channel id.
// It is the only writer to the registry's partitions.
type Router struct {
	registry *Registry
	routed   int64
	unmapped int64
}

// NewRouter creates a router over registry.
func NewRouter(registry *Registry) *Router {
	return &Router{registry: registry}
}

// Route appends rec to its channel's partition. A channel id without a
// partition yields an unmapped channel error and leaves every partition
// untouched; the caller decides whether to abort or skip.
func (r *Router) Route(rec types.Record) error {
	p, ok := r.registry.Lookup(rec.ChannelID)
	if !ok {
		r.unmapped++
		return cerrors.NewUnmappedChannelError(rec.ChannelID)
	}
	if err := p.Append(rec); err != nil {
		return err
	}
	r.routed++
	return nil
}

// Routed returns the number of records appended to a partition.
func (r *Router) Routed() int64 {
	return r.routed
}

// Unmapped returns the number of records whose channel had no partition.
func (r *Router) Unmapped() int64 {
	return r.unmapped
}

package output

import (
	"database/sql"

	"github.com/chansplit/chansplit/pkg/types"
)

// Stats tracks min/max time and energy of a table while it is written.
// The ranges are meaningless while Count is zero.
type Stats struct {
	Count     int64
	MinTime   int64
	MaxTime   int64
	MinEnergy float32
	MaxEnergy float32
}

// Update folds rec into the ranges.
func (s *Stats) Update(rec types.Record) {
	if s.Count == 0 {
		s.MinTime, s.MaxTime = rec.Time, rec.Time
		s.MinEnergy, s.MaxEnergy = rec.Energy, rec.Energy
		s.Count = 1
		return
	}
	s.Count++

	if rec.Time < s.MinTime {
		s.MinTime = rec.Time
	}
	if rec.Time > s.MaxTime {
		s.MaxTime = rec.Time
	}
	if rec.Energy < s.MinEnergy {
		s.MinEnergy = rec.Energy
	}
	if rec.Energy > s.MaxEnergy {
		s.MaxEnergy = rec.Energy
	}
}

// columns returns the manifest values; an empty table stores NULLs.
func (s Stats) columns() []interface{} {
	if s.Count == 0 {
		return []interface{}{nil, nil, nil, nil}
	}
	return []interface{}{s.MinTime, s.MaxTime, float64(s.MinEnergy), float64(s.MaxEnergy)}
}

// statsColumns scans the nullable manifest columns back into Stats.
type statsColumns struct {
	minTime, maxTime     sql.NullInt64
	minEnergy, maxEnergy sql.NullFloat64
}

func (c *statsColumns) dest() []interface{} {
	return []interface{}{&c.minTime, &c.maxTime, &c.minEnergy, &c.maxEnergy}
}

func (c *statsColumns) stats(rows int64) Stats {
	if !c.minTime.Valid {
		return Stats{}
	}
	return Stats{
		Count:     rows,
		MinTime:   c.minTime.Int64,
		MaxTime:   c.maxTime.Int64,
		MinEnergy: float32(c.minEnergy.Float64),
		MaxEnergy: float32(c.maxEnergy.Float64),
	}
}

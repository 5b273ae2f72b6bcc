// Package observability tallies run anomalies for the end-of-run report.
package observability

import (
	"sort"
	"sync"
)

// ChannelStats holds how often one unmapped channel id was seen.
type ChannelStats struct {
	ChannelID  uint32
	Count      int64
	FirstEntry int64 // input position of the first occurrence
}

// UnmappedStats counts records per channel id that had no partition.
type UnmappedStats struct {
	mu       sync.RWMutex
	channels map[uint32]*ChannelStats
	total    int64
}

// NewUnmappedStats creates an empty tally.
func NewUnmappedStats() *UnmappedStats {
	return &UnmappedStats{channels: make(map[uint32]*ChannelStats)}
}

// Record counts one unmapped record at input position entry.
func (u *UnmappedStats) Record(channelID uint32, entry int64) {
	u.mu.Lock()
	defer u.mu.Unlock()

	stats, exists := u.channels[channelID]
	if !exists {
		stats = &ChannelStats{ChannelID: channelID, FirstEntry: entry}
		u.channels[channelID] = stats
	}
	stats.Count++
	u.total++
}

// Total returns the number of recorded records.
func (u *UnmappedStats) Total() int64 {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.total
}

// Distinct returns the number of distinct channel ids recorded.
func (u *UnmappedStats) Distinct() int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return len(u.channels)
}

// Top returns copies of the n most frequent channels, most frequent first.
// Ties are broken by ascending channel id.
func (u *UnmappedStats) Top(n int) []ChannelStats {
	u.mu.RLock()
	defer u.mu.RUnlock()

	if n <= 0 || len(u.channels) == 0 {
		return []ChannelStats{}
	}

	stats := make([]ChannelStats, 0, len(u.channels))
	for _, s := range u.channels {
		stats = append(stats, *s)
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Count != stats[j].Count {
			return stats[i].Count > stats[j].Count
		}
		return stats[i].ChannelID < stats[j].ChannelID
	})

	if n > len(stats) {
		n = len(stats)
	}
	return stats[:n]
}

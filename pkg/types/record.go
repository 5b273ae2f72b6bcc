// Package types provides the core data types shared across chansplit.
package types

// RecordSize is the encoded size of a Record in bytes: channel id (4),
// time (8), energy (4) and time over threshold (4).
const RecordSize = 20

// Record is one sensor event. Records are plain values; routing copies them
// into their partition.
type Record struct {
	// ChannelID addresses the physical detector channel
	ChannelID uint32 `json:"channelID"`
	// Time is the event timestamp in the acquisition clock's ticks
	Time int64 `json:"time"`
	// Energy is the deposited energy
	Energy float32 `json:"energy"`
	// TOT is the time over threshold
	TOT float32 `json:"tot"`
}

// ChannelRange is the closed-open interval [Lo, Hi) of valid channel ids.
type ChannelRange struct {
	Lo int `json:"lo" yaml:"lo"`
	Hi int `json:"hi" yaml:"hi"`
}

// Len returns the number of ids in the range, or 0 for an empty or inverted range.
func (r ChannelRange) Len() int {
	if r.Hi <= r.Lo {
		return 0
	}
	return r.Hi - r.Lo
}

// Contains reports whether id lies in [Lo, Hi).
func (r ChannelRange) Contains(id int) bool {
	return id >= r.Lo && id < r.Hi
}

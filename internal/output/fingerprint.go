package output

import (
	"encoding/hex"
	"hash"

	"github.com/spaolacci/murmur3"

	"github.com/chansplit/chansplit/pkg/types"
)

// Fingerprint is an order-sensitive 128-bit murmur3 digest of a record
// sequence. Two sequences share a fingerprint only if they hold the same
// records in the same order (up to hash collisions).
type Fingerprint struct {
	h     hash.Hash
	buf   [types.RecordSize]byte
	count int64
}

// NewFingerprint returns an empty fingerprint.
func NewFingerprint() *Fingerprint {
	return &Fingerprint{h: murmur3.New128()}
}

// Add folds rec into the digest.
func (f *Fingerprint) Add(rec types.Record) {
	types.EncodeRecord(f.buf[:], rec)
	f.h.Write(f.buf[:])
	f.count++
}

// Count returns the number of records added.
func (f *Fingerprint) Count() int64 {
	return f.count
}

// Sum returns the hex digest.
func (f *Fingerprint) Sum() string {
	return hex.EncodeToString(f.h.Sum(nil))
}

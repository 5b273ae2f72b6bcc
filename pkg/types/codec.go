package types

import (
	"encoding/binary"
	"math"
)

// EncodeRecord writes rec into b as fixed-width little-endian fields.
// b must be at least RecordSize bytes long.
func EncodeRecord(b []byte, rec Record) {
	binary.LittleEndian.PutUint32(b[0:4], rec.ChannelID)
	binary.LittleEndian.PutUint64(b[4:12], uint64(rec.Time))
	binary.LittleEndian.PutUint32(b[12:16], math.Float32bits(rec.Energy))
	binary.LittleEndian.PutUint32(b[16:20], math.Float32bits(rec.TOT))
}

// DecodeRecord reads a record written by EncodeRecord.
func DecodeRecord(b []byte) Record {
	return Record{
		ChannelID: binary.LittleEndian.Uint32(b[0:4]),
		Time:      int64(binary.LittleEndian.Uint64(b[4:12])),
		Energy:    math.Float32frombits(binary.LittleEndian.Uint32(b[12:16])),
		TOT:       math.Float32frombits(binary.LittleEndian.Uint32(b[16:20])),
	}
}

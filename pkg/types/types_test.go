package types

import (
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestChannelRange(t *testing.T) {
	lpd := ChannelRange{Lo: 256, Hi: 512}
	if lpd.Len() != 256 {
		t.Errorf("expected 256 ids, got %d", lpd.Len())
	}
	if !lpd.Contains(256) || !lpd.Contains(511) {
		t.Error("expected range to contain its bounds")
	}
	if lpd.Contains(512) || lpd.Contains(255) {
		t.Error("range must be closed-open")
	}

	if (ChannelRange{Lo: 5, Hi: 5}).Len() != 0 {
		t.Error("empty range must have length 0")
	}
	if (ChannelRange{Lo: 9, Hi: 5}).Len() != 0 {
		t.Error("inverted range must have length 0")
	}
}

func TestRecordCodecEdges(t *testing.T) {
	recs := []Record{
		{},
		{ChannelID: math.MaxUint32, Time: math.MinInt64, Energy: float32(math.Inf(1)), TOT: -0.5},
		{ChannelID: 300, Time: 1234567890123, Energy: 511.0, TOT: 42.125},
	}
	buf := make([]byte, RecordSize)
	for _, rec := range recs {
		EncodeRecord(buf, rec)
		if got := DecodeRecord(buf); got != rec {
			t.Errorf("round trip mismatch: got %+v, want %+v", got, rec)
		}
	}
}

func TestProperty_RecordCodecRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("decode(encode(r)) == r", prop.ForAll(
		func(ch uint32, ts int64, energy, tot float32) bool {
			rec := Record{ChannelID: ch, Time: ts, Energy: energy, TOT: tot}
			var buf [RecordSize]byte
			EncodeRecord(buf[:], rec)
			return DecodeRecord(buf[:]) == rec
		},
		gen.UInt32(),
		gen.Int64(),
		gen.Float32Range(-1e6, 1e6),
		gen.Float32Range(0, 1e4),
	))

	properties.TestingRun(t)
}

func TestSchemaSQL(t *testing.T) {
	s := EventSchema()

	create := s.CreateTableSQL(`AB"Cu`)
	want := `CREATE TABLE "AB""Cu" ("channelID" INTEGER NOT NULL, "time" INTEGER NOT NULL, "energy" REAL NOT NULL, "tot" REAL NOT NULL)`
	if create != want {
		t.Errorf("got %q, want %q", create, want)
	}

	insert := s.InsertSQL("data")
	want = `INSERT INTO "data" ("channelID", "time", "energy", "tot") VALUES (?, ?, ?, ?)`
	if insert != want {
		t.Errorf("got %q, want %q", insert, want)
	}

	sel := s.SelectSQL("data")
	want = `SELECT "channelID", "time", "energy", "tot" FROM "data" ORDER BY rowid`
	if sel != want {
		t.Errorf("got %q, want %q", sel, want)
	}
}

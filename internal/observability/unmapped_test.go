package observability

import (
	"sync"
	"testing"
)

func TestRecordConcurrent(t *testing.T) {
	u := NewUnmappedStats()
	var wg sync.WaitGroup
	workers, perWorker := 10, 100

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				u.Record(999, int64(j))
				u.Record(7, int64(j))
			}
		}()
	}
	wg.Wait()

	if got := u.Total(); got != int64(2*workers*perWorker) {
		t.Errorf("expected total %d, got %d", 2*workers*perWorker, got)
	}
	if u.Distinct() != 2 {
		t.Errorf("expected 2 distinct channels, got %d", u.Distinct())
	}
}

func TestTopOrdering(t *testing.T) {
	u := NewUnmappedStats()
	for i := 0; i < 3; i++ {
		u.Record(600, int64(10+i))
	}
	for i := 0; i < 5; i++ {
		u.Record(9000, int64(20+i))
	}
	u.Record(42, 1)
	u.Record(41, 2)

	top := u.Top(10)
	if len(top) != 4 {
		t.Fatalf("expected 4 channels, got %d", len(top))
	}
	want := []uint32{9000, 600, 41, 42}
	for i, id := range want {
		if top[i].ChannelID != id {
			t.Errorf("position %d: expected channel %d, got %d", i, id, top[i].ChannelID)
		}
	}
	if top[1].FirstEntry != 10 {
		t.Errorf("expected first entry 10, got %d", top[1].FirstEntry)
	}

	if len(u.Top(2)) != 2 {
		t.Error("expected Top to truncate")
	}
	if len(u.Top(0)) != 0 {
		t.Error("expected empty result for n=0")
	}
}

func TestTopReturnsCopies(t *testing.T) {
	u := NewUnmappedStats()
	u.Record(5, 0)
	top := u.Top(1)
	top[0].Count = 100
	if u.Top(1)[0].Count != 1 {
		t.Error("Top must not expose internal state")
	}
}

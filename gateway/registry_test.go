package gateway

import (
	"sync"
	"testing"
	"time"
)

func TestRegistryUnregisterIgnoresStaleConnection(t *testing.T) {
	r := NewRegistry()
	var counts []int
	r.OnChange(func(n int) { counts = append(counts, n) })

	old, current := newFakeConn(), newFakeConn()
	at := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	if replaced := r.Register(7, old, at); replaced != nil {
		t.Fatalf("first registration replaced %v", replaced)
	}
	if replaced := r.Register(7, current, at.Add(time.Minute)); replaced != old {
		t.Fatalf("second registration should return the old connection")
	}
	if r.Unregister(7, old) {
		t.Fatalf("stale connection removed its successor")
	}
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}
	if !r.Unregister(7, current) {
		t.Fatalf("current connection was not removed")
	}
	if r.Unregister(7, current) {
		t.Fatalf("second unregister should report false")
	}

	want := []int{1, 1, 0}
	if len(counts) != len(want) {
		t.Fatalf("OnChange counts = %v, want %v", counts, want)
	}
	for i := range want {
		if counts[i] != want[i] {
			t.Fatalf("OnChange counts = %v, want %v", counts, want)
		}
	}
}

func TestRegistrySnapshotOrderedByStation(t *testing.T) {
	r := NewRegistry()
	at := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	closed := newFakeConn()
	_ = closed.Close(1000, "")
	r.Register(9, newFakeConn(), at)
	r.Register(2, closed, at)
	r.Register(5, newFakeConn(), at)

	snap := r.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("Snapshot = %+v", snap)
	}
	for i, id := range []int{2, 5, 9} {
		if snap[i].GroundStationID != id {
			t.Fatalf("snap[%d] = %d, want %d", i, snap[i].GroundStationID, id)
		}
	}
	if snap[0].Open {
		t.Fatalf("closed connection reported open")
	}
	if !snap[1].ConnectedAt.Equal(at) {
		t.Fatalf("ConnectedAt = %s", snap[1].ConnectedAt)
	}
}

func TestRegistryCountsFollowConcurrentChanges(t *testing.T) {
	r := NewRegistry()
	var counts []int
	r.OnChange(func(n int) { counts = append(counts, n) })

	at := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	var wg sync.WaitGroup
	for id := 1; id <= 32; id++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			conn := newFakeConn()
			for i := 0; i < 20; i++ {
				r.Register(id, conn, at)
				r.Unregister(id, conn)
			}
			if id%2 == 0 {
				r.Register(id, conn, at)
			}
		}(id)
	}
	wg.Wait()

	if len(counts) == 0 {
		t.Fatalf("OnChange never called")
	}
	if last := counts[len(counts)-1]; last != r.Len() || last != 16 {
		t.Fatalf("last reported count = %d, Len = %d, want 16", last, r.Len())
	}
	prev := 0
	for i, n := range counts {
		if d := n - prev; d < -1 || d > 1 {
			t.Fatalf("counts[%d] jumped from %d to %d: %v", i, prev, n, counts)
		}
		prev = n
	}
}

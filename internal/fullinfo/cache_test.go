package fullinfo

import (
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"
)

type full struct {
	About string
}

type harness struct {
	cache   *Cache[int64, full]
	fetches []int64
	now     time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{now: time.Unix(1000, 0)}
	h.cache = New[int64, full]("testfull", time.Minute, zap.NewNop())
	h.cache.SetClock(func() time.Time { return h.now })
	h.cache.SetFetcher(func(id int64) { h.fetches = append(h.fetches, id) })
	return h
}

func TestCoalescedFetch(t *testing.T) {
	h := newHarness(t)

	var got []*full
	for i := 0; i < 3; i++ {
		h.cache.GetWithRefresh(1, func(f *full, err error) {
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			got = append(got, f)
		})
	}

	if len(h.fetches) != 1 {
		t.Fatalf("issued %d fetches, want 1", len(h.fetches))
	}
	if len(got) != 0 {
		t.Fatalf("callbacks fired before completion")
	}

	result := &full{About: "hi"}
	h.cache.Apply(1, result)

	if len(got) != 3 {
		t.Fatalf("satisfied %d waiters, want 3", len(got))
	}
	for _, f := range got {
		if f != result {
			t.Error("all waiters must receive the same result")
		}
	}
	if h.cache.InFlight(1) {
		t.Error("pending entry must be removed on completion")
	}
}

func TestFreshServedWithoutFetch(t *testing.T) {
	h := newHarness(t)
	h.cache.Apply(2, &full{About: "cached"})

	var served *full
	h.cache.GetWithRefresh(2, func(f *full, err error) { served = f })

	if served == nil || served.About != "cached" {
		t.Fatalf("fresh record must be served synchronously, got %+v", served)
	}
	if len(h.fetches) != 0 {
		t.Fatalf("fresh read must not fetch, issued %d", len(h.fetches))
	}
}

func TestExpiredServedStaleWithBackgroundRefresh(t *testing.T) {
	h := newHarness(t)
	h.cache.Apply(3, &full{About: "old"})
	h.now = h.now.Add(2 * time.Minute)

	var served *full
	h.cache.GetWithRefresh(3, func(f *full, err error) { served = f })

	if served == nil || served.About != "old" {
		t.Fatal("expired read must still serve the stale value immediately")
	}
	if len(h.fetches) != 1 {
		t.Fatalf("expired read must refresh in background, issued %d fetches", len(h.fetches))
	}

	// A second expired read while the refresh is in flight must not duplicate.
	h.cache.GetWithRefresh(3, func(f *full, err error) {})
	if len(h.fetches) != 1 {
		t.Fatalf("in-flight refresh must coalesce, issued %d fetches", len(h.fetches))
	}
}

func TestGetFreshBlocksOnExpired(t *testing.T) {
	h := newHarness(t)
	h.cache.Apply(4, &full{About: "old"})
	h.now = h.now.Add(2 * time.Minute)

	var served *full
	h.cache.GetFresh(4, func(f *full, err error) { served = f })
	if served != nil {
		t.Fatal("GetFresh must not serve an expired record")
	}
	if len(h.fetches) != 1 {
		t.Fatalf("GetFresh must fetch, issued %d", len(h.fetches))
	}

	h.cache.Apply(4, &full{About: "new"})
	if served == nil || served.About != "new" {
		t.Fatalf("GetFresh waiter must get the refreshed record, got %+v", served)
	}
}

func TestFailFansOutError(t *testing.T) {
	h := newHarness(t)

	var errs []error
	for i := 0; i < 2; i++ {
		h.cache.GetFresh(5, func(f *full, err error) { errs = append(errs, err) })
	}
	h.cache.Fail(5, fmt.Errorf("boom"))

	if len(errs) != 2 {
		t.Fatalf("delivered %d errors, want 2", len(errs))
	}
	for _, err := range errs {
		if err == nil {
			t.Error("each waiter must receive the error")
		}
	}
	if h.cache.Get(5) != nil {
		t.Error("failed fetch must not install a record")
	}
}

func TestInvalidateExpiresImmediately(t *testing.T) {
	h := newHarness(t)
	h.cache.Apply(6, &full{About: "x"})
	if !h.cache.IsFresh(6) {
		t.Fatal("just-applied record must be fresh")
	}

	h.cache.Invalidate(6)
	if h.cache.IsFresh(6) {
		t.Fatal("invalidated record must read as expired")
	}
	if h.cache.Get(6) == nil {
		t.Fatal("invalidation keeps the stale value readable")
	}
}

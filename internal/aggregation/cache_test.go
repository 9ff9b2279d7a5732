package aggregation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestComputeCacheAtMostOnce(t *testing.T) {
	c := NewComputeCache(time.Second)

	var computes atomic.Int32
	release := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.Do(context.Background(), "k", func() (interface{}, error) {
				computes.Add(1)
				<-release
				return 42, nil
			})
			if err != nil || v != 42 {
				t.Errorf("Do = %v, %v", v, err)
			}
		}()
	}

	// let the goroutines pile onto the in-flight entry before resolving
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := computes.Load(); got != 1 {
		t.Errorf("compute ran %d times, want 1", got)
	}
}

func TestComputeCacheTTL(t *testing.T) {
	c := NewComputeCache(20 * time.Millisecond)

	var computes int
	compute := func() (interface{}, error) {
		computes++
		return computes, nil
	}

	if v, _ := c.Do(context.Background(), "k", compute); v != 1 {
		t.Fatalf("first Do = %v", v)
	}
	if v, _ := c.Do(context.Background(), "k", compute); v != 1 {
		t.Errorf("inside TTL Do = %v, want cached 1", v)
	}

	time.Sleep(30 * time.Millisecond)
	if v, _ := c.Do(context.Background(), "k", compute); v != 2 {
		t.Errorf("after TTL Do = %v, want recompute 2", v)
	}
}

func TestComputeCacheErrorsNotCached(t *testing.T) {
	c := NewComputeCache(time.Second)

	boom := errors.New("boom")
	calls := 0

	for i := 0; i < 2; i++ {
		_, err := c.Do(context.Background(), "k", func() (interface{}, error) {
			calls++
			return nil, boom
		})
		if !errors.Is(err, boom) {
			t.Fatalf("Do err = %v", err)
		}
	}
	if calls != 2 {
		t.Errorf("failed compute cached: %d calls, want 2", calls)
	}

	// a successful compute after failures is served from cache
	if v, err := c.Do(context.Background(), "k", func() (interface{}, error) { return "ok", nil }); err != nil || v != "ok" {
		t.Fatalf("recovery Do = %v, %v", v, err)
	}
	if v, _ := c.Do(context.Background(), "k", func() (interface{}, error) { return "recomputed", nil }); v != "ok" {
		t.Errorf("success not cached, got %v", v)
	}
}

func TestComputeCachePrune(t *testing.T) {
	c := NewComputeCache(10 * time.Millisecond)

	c.Do(context.Background(), "a", func() (interface{}, error) { return 1, nil })
	c.Do(context.Background(), "b", func() (interface{}, error) { return 2, nil })

	time.Sleep(20 * time.Millisecond)
	c.Prune()

	if got := c.Stats()["entries"]; got != 0 {
		t.Errorf("entries after prune = %v, want 0", got)
	}
}

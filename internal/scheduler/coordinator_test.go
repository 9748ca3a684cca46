package scheduler

import (
	"sync"
	"testing"
)

func TestCoordinatorLockSerialises(t *testing.T) {
	c := NewCoordinator()
	var (
		wg      sync.WaitGroup
		inside  int
		maxSeen int
		mu      sync.Mutex
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := c.Lock("a")
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()

			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Fatalf("lock held by %d goroutines at once", maxSeen)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.locks) != 0 {
		t.Fatalf("expected lock table cleaned up, got %d entries", len(c.locks))
	}
}

func TestCoordinatorLeases(t *testing.T) {
	c := NewCoordinator()
	releasePulse := c.Lease("pulse", []string{"a", "b"})
	releaseOther := c.Lease("manual", []string{"b", "c"})

	for _, h := range []string{"a", "b", "c"} {
		if !c.Leased(h) {
			t.Fatalf("%s should be leased", h)
		}
	}

	releaseOther()
	if !c.Leased("b") {
		t.Fatal("b belongs to the pulse lease and must survive")
	}
	if c.Leased("c") {
		t.Fatal("c should be released")
	}

	releasePulse()
	releasePulse()
	if c.Leased("a") || c.Leased("b") {
		t.Fatal("pulse leases not released")
	}
}

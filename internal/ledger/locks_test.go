package ledger

import (
	"sync"
	"testing"
)

func TestKeyedMutex_ReleasesEntries(t *testing.T) {
	k := newKeyedMutex()

	unlock := k.LockAll([]string{"b", "a", "b"})
	if len(k.locks) != 2 {
		t.Fatalf("expected 2 held keys, got %d", len(k.locks))
	}
	unlock()
	if len(k.locks) != 0 {
		t.Errorf("expected entries to be released, got %d", len(k.locks))
	}
}

func TestKeyedMutex_OverlappingSetsDoNotDeadlock(t *testing.T) {
	k := newKeyedMutex()
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			keys := []string{"x", "y"}
			if i%2 == 1 {
				keys = []string{"y", "x"}
			}
			unlock := k.LockAll(keys)
			counter++
			unlock()
		}()
	}
	wg.Wait()

	if counter != 100 {
		t.Errorf("expected 100 increments, got %d", counter)
	}
}

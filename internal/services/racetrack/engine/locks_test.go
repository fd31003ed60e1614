package engine

import (
	"sync"
	"testing"
	"time"
)

func TestSessionLocksSerializeSameSession(t *testing.T) {
	locks := newSessionLocks()
	unlock := locks.lock("s1")

	acquired := make(chan struct{})
	go func() {
		release := locks.lock("s1")
		close(acquired)
		release()
	}()

	select {
	case <-acquired:
		t.Fatal("second holder acquired a held session lock")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second holder never acquired the lock")
	}
}

func TestSessionLocksIndependentSessions(t *testing.T) {
	locks := newSessionLocks()
	unlockA := locks.lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		locks.lock("b")()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked behind a")
	}
}

func TestSessionLocksDropEntries(t *testing.T) {
	locks := newSessionLocks()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			locks.lock("s1")()
		}()
	}
	wg.Wait()
	if got := locks.size(); got != 0 {
		t.Fatalf("size = %d, want 0", got)
	}
}

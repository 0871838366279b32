package alerts

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeyedLocker_SerializesSameKey(t *testing.T) {
	l := newKeyedLocker()

	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock("temperature")
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			unlock()
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Errorf("expected at most 1 holder, saw %d", maxInside)
	}
	if l.size() != 0 {
		t.Errorf("expected locks to be released, %d left", l.size())
	}
}

func TestKeyedLocker_IndependentKeys(t *testing.T) {
	l := newKeyedLocker()

	unlockA := l.Lock("temperature")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := l.Lock("power")
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key blocked")
	}
}

package keylock

import (
	"sync"
	"testing"
)

func TestSameKeySerialised(t *testing.T) {
	l := New()
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock("user|feature")
			v := counter
			v++
			counter = v
			unlock()
		}()
	}
	wg.Wait()
	if counter != 200 {
		t.Fatalf("lost updates: %d", counter)
	}
	if l.Len() != 0 {
		t.Fatalf("idle entries not released: %d", l.Len())
	}
}

func TestDistinctKeysIndependent(t *testing.T) {
	l := New()
	unlockA := l.Lock("a")
	done := make(chan struct{})
	go func() {
		unlock := l.Lock("b")
		unlock()
		close(done)
	}()
	<-done
	unlockA()
}

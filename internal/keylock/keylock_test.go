package keylock

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLockSerializesOneKey(t *testing.T) {
	var m Map
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock("cart")
			defer unlock()
			v := counter
			time.Sleep(time.Microsecond)
			counter = v + 1
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, counter)
	assert.Equal(t, 0, m.Len())
}

func TestEntriesAreDroppedAfterUnlock(t *testing.T) {
	var m Map
	for i := 0; i < 1000; i++ {
		unlock := m.Lock(fmt.Sprintf("guest:%d", i))
		unlock()
	}
	assert.Equal(t, 0, m.Len())
}

func TestKeysAreIndependent(t *testing.T) {
	var m Map
	unlockA := m.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := m.Lock("b")
		unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b waited for a")
	}
	assert.Equal(t, 1, m.Len())
}

func TestUnlockTwiceIsHarmless(t *testing.T) {
	var m Map
	unlock := m.Lock("a")
	unlock()
	unlock()
	assert.Equal(t, 0, m.Len())

	unlock = m.Lock("a")
	assert.Equal(t, 1, m.Len())
	unlock()
}

package lock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyedMutexSerializesSameKey(t *testing.T) {
	m := NewKeyedMutex()

	const loops = 200
	counter := 0
	var wg sync.WaitGroup

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < loops; j++ {
				m.Lock("wallet-1")
				counter++
				m.Unlock("wallet-1")
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 4*loops, counter)
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	m := NewKeyedMutex()
	m.Lock("wallet-a")

	done := make(chan struct{})
	go func() {
		// 不同 wallet 的锁互不阻塞
		m.Lock("wallet-b")
		m.Unlock("wallet-b")
		close(done)
	}()

	<-done
	m.Unlock("wallet-a")
}

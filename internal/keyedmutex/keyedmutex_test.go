package keyedmutex_test

import (
	"sync"
	"testing"

	"github.com/vorion-labs/cognigate/internal/keyedmutex"
)

func TestLock_serializesPerKey(t *testing.T) {
	m := keyedmutex.New()

	const n = 100
	var a, b int
	counters := map[string]*int{"a": &a, "b": &b}
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		for _, key := range []string{"a", "b"} {
			wg.Add(1)
			go func(key string) {
				defer wg.Done()
				m.Lock(key)
				*counters[key]++
				m.Unlock(key)
			}(key)
		}
	}
	wg.Wait()

	if a != n || b != n {
		t.Errorf("lost updates: a=%d b=%d, want %d each", a, b, n)
	}
}

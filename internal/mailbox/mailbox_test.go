package mailbox

import (
	"sync"
	"testing"
	"time"
)

func TestPriorityOvertake(t *testing.T) {
	m := New()
	for i := 0; i < 10000; i++ {
		m.Push(i)
	}
	m.PushPriority("priority")
	for i := 10000; i < 20000; i++ {
		m.Push(i)
	}

	for i := 0; i < 10000; i++ {
		v, ok := m.TryPop()
		if !ok || v != i {
			t.Fatalf("position %d: got %v, want %d", i, v, i)
		}
	}
	v, ok := m.TryPop()
	if !ok || v != "priority" {
		t.Fatalf("expected priority item at position 10001, got %v", v)
	}
	for i := 10000; i < 20000; i++ {
		v, ok := m.TryPop()
		if !ok || v != i {
			t.Fatalf("position %d: got %v, want %d", i, v, i)
		}
	}
}

func TestExactlyOnceDelivery(t *testing.T) {
	const producers = 8
	const perProducer = 500
	const consumers = 4
	total := producers * perProducer

	m := New()
	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				m.Push(p*perProducer + i)
			}
		}(p)
	}

	seen := make([]int32, total)
	var seenMu sync.Mutex
	var consumerWG sync.WaitGroup
	consumerWG.Add(consumers)
	stop := make(chan struct{})
	popped := 0
	var poppedMu sync.Mutex

	for c := 0; c < consumers; c++ {
		go func() {
			defer consumerWG.Done()
			for {
				item, ok := m.PopWithTimeout(100 * time.Millisecond)
				if !ok {
					select {
					case <-stop:
						return
					default:
						continue
					}
				}
				idx := item.(int)
				seenMu.Lock()
				seen[idx]++
				seenMu.Unlock()
				poppedMu.Lock()
				popped++
				done := popped == total
				poppedMu.Unlock()
				if done {
					close(stop)
				}
			}
		}()
	}

	wg.Wait()
	<-stop
	consumerWG.Wait()

	for i, c := range seen {
		if c != 1 {
			t.Fatalf("item %d delivered %d times, want exactly 1", i, c)
		}
	}
}

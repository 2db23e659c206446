package messenger

import (
	"runtime"
	"sync"
	"testing"
	"time"
)

type tick struct {
	Envelope
	N int
}

func TestDelayQueuePopsOnlyDueEntries(t *testing.T) {
	t.Parallel()
	var q delayQueue
	t0 := time.Unix(1000, 0)

	q.insert(&tick{N: 3}, t0.Add(300*time.Millisecond))
	q.insert(&tick{N: 1}, t0.Add(100*time.Millisecond))
	q.insert(&tick{N: 2}, t0.Add(200*time.Millisecond))

	if _, ok := q.popDue(t0.Add(99 * time.Millisecond)); ok {
		t.Fatal("popped an entry that is not due yet")
	}
	if q.Len() != 3 {
		t.Fatalf("Len = %d, want 3", q.Len())
	}

	var got []int
	now := t0.Add(200 * time.Millisecond)
	for {
		e, ok := q.popDue(now)
		if !ok {
			break
		}
		got = append(got, e.msg.(*tick).N)
	}
	if len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("popped %v, want [1 2]", got)
	}
	if due, ok := q.nextDue(); !ok || !due.Equal(t0.Add(300*time.Millisecond)) {
		t.Fatalf("nextDue = %v (ok=%v)", due, ok)
	}
	if n := q.reset(); n != 1 || !q.isEmpty() {
		t.Fatalf("reset discarded %d, empty=%v", n, q.isEmpty())
	}
}

func TestDelayQueueConcurrentInsertDuringDrain(t *testing.T) {
	t.Parallel()
	var q delayQueue
	t0 := time.Unix(1000, 0)
	const producers, perProducer = 8, 200

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.insert(&tick{N: i}, t0)
			}
		}()
	}

	seen := map[*tick]int{}
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for {
		e, ok := q.popDue(t0)
		if ok {
			seen[e.msg.(*tick)]++
			continue
		}
		select {
		case <-done:
			for {
				e, ok := q.popDue(t0)
				if !ok {
					break
				}
				seen[e.msg.(*tick)]++
			}
			if len(seen) != producers*perProducer {
				t.Fatalf("visited %d entries, want %d", len(seen), producers*perProducer)
			}
			for m, n := range seen {
				if n != 1 {
					t.Fatalf("entry %d visited %d times", m.N, n)
				}
			}
			return
		default:
			runtime.Gosched()
		}
	}
}

package notify

import (
	"fmt"
	"sync"
	"testing"
)

func TestQueueShowsExactlyOneAtATime(t *testing.T) {
	q := NewQueue()
	if _, ok := q.Current(); ok {
		t.Fatalf("expected empty queue to show nothing")
	}

	first := q.Raise(KindSuccess, "events added")
	q.Raise(KindWarning, "conflicts found")
	q.Raise(KindError, "push failed")

	current, ok := q.Current()
	if !ok || current.ID != first.ID {
		t.Fatalf("expected first raised notification to be visible, got %+v (ok=%v)", current, ok)
	}
	if q.Pending() != 2 {
		t.Fatalf("expected 2 pending, got %d", q.Pending())
	}
}

func TestDismissAdvancesInOrder(t *testing.T) {
	q := NewQueue()
	q.Raise(KindSuccess, "one")
	q.Raise(KindWarning, "two")
	q.Raise(KindInfo, "three")

	next, ok := q.Dismiss()
	if !ok || next.Message != "two" {
		t.Fatalf("expected second notification after dismiss, got %+v (ok=%v)", next, ok)
	}
	next, ok = q.Dismiss()
	if !ok || next.Message != "three" {
		t.Fatalf("expected third notification after dismiss, got %+v (ok=%v)", next, ok)
	}
	if _, ok := q.Dismiss(); ok {
		t.Fatalf("expected queue to be empty after final dismiss")
	}
	if _, ok := q.Current(); ok {
		t.Fatalf("expected nothing visible after draining")
	}
}

func TestDismissOnEmptyQueueIsNoop(t *testing.T) {
	q := NewQueue()
	if _, ok := q.Dismiss(); ok {
		t.Fatalf("expected dismiss on empty queue to report nothing")
	}
}

func TestKindPreservedEndToEnd(t *testing.T) {
	q := NewQueue()
	q.Raise(KindWarning, "scheduling conflict")
	current, ok := q.Current()
	if !ok || current.Kind != KindWarning {
		t.Fatalf("expected warning kind preserved, got %+v", current)
	}
	q.Dismiss()
	q.Raise(Kind("bogus"), "unknown kind")
	current, _ = q.Current()
	if current.Kind != KindInfo {
		t.Fatalf("expected unknown kind to normalize to info, got %s", current.Kind)
	}
}

func TestConcurrentProducersLoseNothing(t *testing.T) {
	q := NewQueue()
	const producers = 8
	const perProducer = 25

	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Raise(KindInfo, fmt.Sprintf("producer %d item %d", p, i))
			}
		}(p)
	}
	wg.Wait()

	seen := 0
	if _, ok := q.Current(); ok {
		seen++
	}
	for {
		if _, ok := q.Dismiss(); !ok {
			break
		}
		seen++
	}
	if seen != producers*perProducer {
		t.Fatalf("expected %d notifications surfaced, got %d", producers*perProducer, seen)
	}
}

func TestSubscribeObservesTransitions(t *testing.T) {
	q := NewQueue()
	var mu sync.Mutex
	var states []string
	cancel := q.Subscribe(func(current *Notification, pending int) {
		mu.Lock()
		defer mu.Unlock()
		if current == nil {
			states = append(states, fmt.Sprintf("none/%d", pending))
			return
		}
		states = append(states, fmt.Sprintf("%s/%d", current.Message, pending))
	})
	defer cancel()

	q.Raise(KindSuccess, "a")
	q.Raise(KindSuccess, "b")
	q.Dismiss()
	q.Dismiss()

	mu.Lock()
	defer mu.Unlock()
	want := []string{"none/0", "a/0", "a/1", "b/0", "none/0"}
	if len(states) != len(want) {
		t.Fatalf("expected %d listener calls, got %d: %v", len(want), len(states), states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("expected state %q at position %d, got %q (all: %v)", want[i], i, states[i], states)
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	q := NewQueue()
	calls := 0
	cancel := q.Subscribe(func(current *Notification, pending int) { calls++ })
	cancel()
	q.Raise(KindInfo, "after cancel")
	if calls != 1 {
		t.Fatalf("expected only the initial listener call, got %d", calls)
	}
}

package message

import (
	"sync"
	"testing"
)

func TestThreadAppendPreservesOrder(t *testing.T) {
	th := &Thread{}
	for i := 0; i < 100; i++ {
		th.Append(NewDirectMessage("a1", "a2", map[string]any{"i": i}, float64(i)))
	}

	snap := th.Snapshot()
	if len(snap) != 100 {
		t.Fatalf("expected 100 envelopes, got %d", len(snap))
	}
	for i, e := range snap {
		if int(e.Content["i"].(int)) != i {
			t.Fatalf("out of order at index %d: %v", i, e.Content["i"])
		}
	}
}

func TestStoreAppendCreatesThreadLazily(t *testing.T) {
	s := NewStore()
	if th := s.Get("direct_message:a2"); th != nil {
		t.Fatalf("expected nil thread before any append")
	}

	s.Append("direct_message:a2", NewDirectMessage("a1", "a2", nil, 1.0))
	th := s.Get("direct_message:a2")
	if th == nil || th.Len() != 1 {
		t.Fatalf("expected thread with 1 envelope")
	}
}

func TestStoreConcurrentAppend(t *testing.T) {
	s := NewStore()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Append("broadcast_message", NewBroadcastMessage("a1", map[string]any{"i": i}, float64(i)))
		}(i)
	}
	wg.Wait()

	snap := s.Snapshot()
	if len(snap["broadcast_message"]) != 50 {
		t.Fatalf("expected 50 envelopes, got %d", len(snap["broadcast_message"]))
	}
}

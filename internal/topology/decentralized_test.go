package topology

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestDecentralizedAnnounceRegistersRemoteEntry(t *testing.T) {
	d := NewDecentralized(newTestLogger(), "self", noopRelay, noNeighbors)

	issuedAt := time.Now()
	d.Announce(context.Background(), Announcement{AgentID: "remote-1", Address: "10.0.0.5:9000", IssuedAt: issuedAt})

	entry, ok := d.Lookup("remote-1")
	if !ok {
		t.Fatal("expected remote-1 to be registered after announcement")
	}
	if entry.Address != "10.0.0.5:9000" {
		t.Errorf("address = %q, want 10.0.0.5:9000", entry.Address)
	}
}

func TestDecentralizedAnnounceDropsDuplicate(t *testing.T) {
	var relayed int
	var mu sync.Mutex
	relay := func(ctx context.Context, addr string, ann Announcement) error {
		mu.Lock()
		relayed++
		mu.Unlock()
		return nil
	}
	d := NewDecentralized(newTestLogger(), "self", relay, func() []string { return []string{"peer-node:1"} })

	ann := Announcement{AgentID: "remote-1", Address: "10.0.0.5:9000", IssuedAt: time.Now()}
	d.Announce(context.Background(), ann)
	d.Announce(context.Background(), ann) // duplicate, same dedup key

	waitForRelays(t, &mu, &relayed, 1)
}

func TestDecentralizedAnnounceStopsAtMaxHops(t *testing.T) {
	var relayed int
	var mu sync.Mutex
	relay := func(ctx context.Context, addr string, ann Announcement) error {
		mu.Lock()
		relayed++
		mu.Unlock()
		return nil
	}
	d := NewDecentralized(newTestLogger(), "self", relay, func() []string { return []string{"peer-node:1"} }, WithMaxHops(2))

	ann := Announcement{AgentID: "remote-1", Address: "x", IssuedAt: time.Now(), Hops: 2}
	d.Announce(context.Background(), ann)

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if relayed != 0 {
		t.Fatalf("relayed = %d, want 0 once hops reached the max", relayed)
	}
}

func TestDecentralizedPublishFloodsToNeighbors(t *testing.T) {
	var addrs []string
	var mu sync.Mutex
	relay := func(ctx context.Context, addr string, ann Announcement) error {
		mu.Lock()
		addrs = append(addrs, addr)
		mu.Unlock()
		return nil
	}
	d := NewDecentralized(newTestLogger(), "self", relay, func() []string { return []string{"n1", "n2"} })

	d.Publish(context.Background(), "local-agent", "1.2.3.4:9000", time.Now())

	deadline := time.After(time.Second)
	for {
		mu.Lock()
		n := len(addrs)
		mu.Unlock()
		if n == 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("flood reached %d neighbors, want 2", n)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestDecentralizedIgnoresOwnAnnouncement(t *testing.T) {
	d := NewDecentralized(newTestLogger(), "self", noopRelay, noNeighbors)
	d.Announce(context.Background(), Announcement{AgentID: "self", Address: "me:9000", IssuedAt: time.Now()})
	if _, ok := d.Lookup("self"); ok {
		t.Fatal("a node should not register its own gossip announcement as a remote entry")
	}
}

func noopRelay(ctx context.Context, addr string, ann Announcement) error { return nil }
func noNeighbors() []string                                             { return nil }

func waitForRelays(t *testing.T, mu *sync.Mutex, relayed *int, want int) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		mu.Lock()
		n := *relayed
		mu.Unlock()
		if n == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("relayed = %d, want %d", n, want)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

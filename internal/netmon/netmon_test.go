package netmon

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiff(t *testing.T) {
	old := map[string]bool{"10.0.0.1/24": true, "fe80::1/64": true}
	cur := map[string]bool{"10.0.0.1/24": true, "192.168.1.5/24": true}

	added, removed := diff(old, cur)
	assert.Equal(t, []string{"192.168.1.5/24"}, added)
	assert.Equal(t, []string{"fe80::1/64"}, removed)

	added, removed = diff(cur, cur)
	assert.Empty(t, added)
	assert.Empty(t, removed)
}

func TestIgnoredInterfaces(t *testing.T) {
	m := New(Config{IgnoreInterfaces: []string{"mesh*", "lo"}})
	assert.True(t, m.ignored("mesh0"))
	assert.True(t, m.ignored("lo"))
	assert.False(t, m.ignored("eth0"))
}

func TestMonitorEmitsSettledChange(t *testing.T) {
	clk := clock.NewMock()
	m := NewWithClock(Config{PollInterval: time.Second, SettleDelay: 2 * time.Second}, clk)

	var mu sync.Mutex
	addrs := map[string]bool{"10.0.0.1/24": true}
	m.addrs = func() map[string]bool {
		mu.Lock()
		defer mu.Unlock()
		out := make(map[string]bool, len(addrs))
		for k, v := range addrs {
			out[k] = v
		}
		return out
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond) // let Run install its ticker

	// Stable address set: polls emit nothing.
	clk.Add(time.Second)
	select {
	case ev := <-m.Events():
		t.Fatalf("unexpected event %+v", ev)
	default:
	}

	mu.Lock()
	addrs["192.168.1.5/24"] = true
	mu.Unlock()

	// One poll detects the change, later polls wait out the settle delay.
	for i := 0; i < 4; i++ {
		clk.Add(time.Second)
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case ev := <-m.Events():
		assert.Equal(t, []string{"192.168.1.5/24"}, ev.Added)
		assert.Empty(t, ev.Removed)
	case <-time.After(2 * time.Second):
		t.Fatal("no event after settled change")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop after cancel")
	}
}

func TestMonitorCoalescesFlapping(t *testing.T) {
	clk := clock.NewMock()
	m := NewWithClock(Config{PollInterval: time.Second, SettleDelay: 3 * time.Second}, clk)

	var mu sync.Mutex
	addrs := map[string]bool{}
	m.addrs = func() map[string]bool {
		mu.Lock()
		defer mu.Unlock()
		out := make(map[string]bool, len(addrs))
		for k, v := range addrs {
			out[k] = v
		}
		return out
	}
	set := func(key string, present bool) {
		mu.Lock()
		defer mu.Unlock()
		if present {
			addrs[key] = true
		} else {
			delete(addrs, key)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)
	time.Sleep(10 * time.Millisecond)

	// Two changes inside the settle window collapse into one event.
	set("10.0.0.2/24", true)
	clk.Add(time.Second)
	time.Sleep(5 * time.Millisecond)
	set("172.16.0.9/16", true)
	for i := 0; i < 5; i++ {
		clk.Add(time.Second)
		time.Sleep(5 * time.Millisecond)
	}

	var events []Event
	for {
		select {
		case ev := <-m.Events():
			events = append(events, ev)
			continue
		case <-time.After(100 * time.Millisecond):
		}
		break
	}
	require.Len(t, events, 1)
	assert.ElementsMatch(t, []string{"10.0.0.2/24", "172.16.0.9/16"}, events[0].Added)
}

// Package netmon watches the local address set so the node can restart
// traversal after the machine moves networks. Cached endpoints and NAT
// mappings are worthless after such a move; the sooner a new cycle
// starts, the shorter the connectivity gap.
package netmon

import (
	"context"
	"net"
	"path/filepath"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
)

// Config tunes the monitor.
type Config struct {
	// PollInterval is how often the address set is sampled.
	PollInterval time.Duration
	// SettleDelay is how long the address set must stay unchanged before
	// a change event is emitted. DHCP renewals and VPN attach sequences
	// flap several times; one event per move is enough.
	SettleDelay time.Duration
	// IgnoreInterfaces are glob patterns of interface names to skip,
	// e.g. the node's own tunnel device.
	IgnoreInterfaces []string
}

// DefaultConfig returns the stock monitor tuning.
func DefaultConfig() Config {
	return Config{
		PollInterval: 5 * time.Second,
		SettleDelay:  3 * time.Second,
	}
}

func (c *Config) withDefaults() Config {
	d := DefaultConfig()
	out := *c
	if out.PollInterval <= 0 {
		out.PollInterval = d.PollInterval
	}
	if out.SettleDelay <= 0 {
		out.SettleDelay = d.SettleDelay
	}
	return out
}

// Event is one settled change of the local address set.
type Event struct {
	At      time.Time
	Added   []string
	Removed []string
}

// Monitor polls the interface address set and emits an Event after each
// settled change.
type Monitor struct {
	cfg    Config
	clk    clock.Clock
	events chan Event

	// addrs overrides interface enumeration in tests.
	addrs func() map[string]bool
}

// New builds a monitor.
func New(cfg Config) *Monitor {
	return NewWithClock(cfg, clock.New())
}

// NewWithClock is New with an injectable clock for tests.
func NewWithClock(cfg Config, clk clock.Clock) *Monitor {
	m := &Monitor{
		cfg:    cfg.withDefaults(),
		clk:    clk,
		events: make(chan Event, 4),
	}
	m.addrs = m.systemAddrs
	return m
}

// Events returns the change stream. The channel is closed when Run
// returns.
func (m *Monitor) Events() <-chan Event { return m.events }

// Run polls until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	defer close(m.events)

	ticker := m.clk.Ticker(m.cfg.PollInterval)
	defer ticker.Stop()

	last := m.addrs()
	var pending *Event
	var settledAt time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := m.clk.Now()
		current := m.addrs()
		added, removed := diff(last, current)
		if len(added) > 0 || len(removed) > 0 {
			if pending == nil {
				pending = &Event{At: now}
			}
			pending.Added = append(pending.Added, added...)
			pending.Removed = append(pending.Removed, removed...)
			settledAt = now.Add(m.cfg.SettleDelay)
			last = current
			continue
		}

		if pending != nil && !now.Before(settledAt) {
			log.Info().Strs("added", pending.Added).Strs("removed", pending.Removed).
				Msg("network change settled")
			select {
			case m.events <- *pending:
			default: // slow consumer, drop rather than stall polling
			}
			pending = nil
		}
	}
}

// systemAddrs snapshots the current interface address set, minus ignored
// interfaces.
func (m *Monitor) systemAddrs() map[string]bool {
	out := make(map[string]bool)
	ifaces, err := net.Interfaces()
	if err != nil {
		return out
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || m.ignored(iface.Name) {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			out[a.String()] = true
		}
	}
	return out
}

func (m *Monitor) ignored(name string) bool {
	for _, pattern := range m.cfg.IgnoreInterfaces {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

func diff(old, current map[string]bool) (added, removed []string) {
	for a := range current {
		if !old[a] {
			added = append(added, a)
		}
	}
	for a := range old {
		if !current[a] {
			removed = append(removed, a)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}

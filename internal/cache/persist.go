package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/meshpath/meshpath/pkg/proto"
)

const snapshotVersion = 1

type snapshot struct {
	Version int                   `json:"version"`
	Peers   map[string]peerRecord `json:"peers"`
}

type peerRecord struct {
	Entries []Entry       `json:"entries,omitempty"`
	Relays  []RelayRecord `json:"relays,omitempty"`
}

// Save writes the cache snapshot to the configured path. The write is
// atomic: a temp file in the same directory renamed over the target.
func (c *Cache) Save() error {
	c.mu.Lock()
	if c.cfg.Path == "" {
		c.mu.Unlock()
		return nil
	}
	snap := snapshot{Version: snapshotVersion, Peers: make(map[string]peerRecord, len(c.peers))}
	for peer, ps := range c.peers {
		rec := peerRecord{}
		for _, e := range ps.entries {
			rec.Entries = append(rec.Entries, *e)
		}
		for _, r := range ps.relays {
			rec.Relays = append(rec.Relays, *r)
		}
		snap.Peers[peer.String()] = rec
	}
	path := c.cfg.Path
	c.dirty = false
	c.mu.Unlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cache snapshot: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".cache-*.json")
	if err != nil {
		return fmt.Errorf("create cache snapshot: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write cache snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close cache snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace cache snapshot: %w", err)
	}
	return nil
}

func (c *Cache) load() error {
	data, err := os.ReadFile(c.cfg.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read cache snapshot: %w", err)
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parse cache snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return fmt.Errorf("cache snapshot version %d not supported", snap.Version)
	}
	for key, rec := range snap.Peers {
		peer, err := proto.ParsePeerID(key)
		if err != nil {
			return fmt.Errorf("cache snapshot peer key: %w", err)
		}
		ps := c.state(peer)
		for i := range rec.Entries {
			e := rec.Entries[i]
			ps.entries = append(ps.entries, &e)
		}
		for i := range rec.Relays {
			r := rec.Relays[i]
			ps.relays[r.RelayID] = &r
		}
	}
	return nil
}

// Run flushes dirty state every FlushInterval until ctx is cancelled, then
// writes one final snapshot.
func (c *Cache) Run(ctx context.Context) {
	if c.cfg.Path == "" {
		<-ctx.Done()
		return
	}
	ticker := c.clk.Ticker(c.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := c.Save(); err != nil {
				log.Warn().Err(err).Msg("final cache flush failed")
			}
			return
		case <-ticker.C:
			c.Prune()
			c.mu.Lock()
			dirty := c.dirty
			c.mu.Unlock()
			if !dirty {
				continue
			}
			if err := c.Save(); err != nil {
				log.Warn().Err(err).Msg("cache flush failed")
			}
		}
	}
}

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/meshpath/meshpath/internal/cache"
	"github.com/meshpath/meshpath/internal/config"
	"github.com/meshpath/meshpath/internal/device"
	"github.com/meshpath/meshpath/internal/membership"
	"github.com/meshpath/meshpath/internal/metrics"
	"github.com/meshpath/meshpath/internal/netmon"
	"github.com/meshpath/meshpath/internal/relay"
	"github.com/meshpath/meshpath/internal/stunutil"
	"github.com/meshpath/meshpath/internal/traverse"
)

// collectInterval is how often the node samples component stats into
// Prometheus metrics.
const collectInterval = 15 * time.Second

// recheckInterval is the pause between traversal cycles once the current
// cycle has finished.
const recheckInterval = time.Minute

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run a mesh node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadNodeConfig()
			if err != nil {
				return err
			}
			setupLogging(cfg.Log)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigChan
				log.Info().Msg("shutting down...")
				cancel()
			}()

			return runNode(ctx, cfg)
		},
	}
}

func runNode(ctx context.Context, cfg *config.NodeConfig) error {
	key, err := config.EnsureKey(cfg.PrivateKey)
	if err != nil {
		return err
	}
	self := config.Identity(key)
	log.Info().Str("name", cfg.Name).Str("id", self.String()).Msg("node identity loaded")

	c := cache.New(cfg.CacheConfig())
	reg := relay.NewRegistry(cfg.RegistryConfig(), c)
	table := device.NewTable()

	mgr, err := relay.NewManager(cfg.ManagerConfig(), self, key, reg, c, table)
	if err != nil {
		return err
	}
	defer func() { _ = mgr.Close() }()

	engine := traverse.New(cfg.TraverseConfig(), mgr, c, table)
	escalator := traverse.NewEscalator(engine, c, mgr)

	roster := membership.NewMemorySource()
	changes := roster.Changes()
	go func() {
		for d := range changes {
			log.Debug().Stringer("op", d.Op).Str("peer", d.Peer.PublicKey.Short()).
				Msg("roster change")
			if d.Op != membership.OpRemoved && d.Peer.Observed.IsValid() {
				engine.SetObservedEndpoint(d.Peer.PublicKey, d.Peer.Observed)
			}
			engine.ApplyDiff(d)
		}
	}()
	peers, err := cfg.RosterPeers()
	if err != nil {
		return err
	}
	for _, p := range peers {
		roster.Apply(membership.Diff{Op: membership.OpAdded, Peer: p})
	}
	log.Info().Int("peers", len(peers)).Msg("roster loaded")

	discoverPublicAddress(ctx, cfg)

	m := metrics.InitNodeMetrics(cfg.Name)
	collector := metrics.NewNodeCollector(m, metrics.NodeCollectorConfig{
		Engine:    engine,
		Escalator: escalator,
		Cache:     c,
		Paths:     table,
		Relay:     mgr,
	})

	go c.Run(ctx)
	go reg.Run(ctx)
	go mgr.Run(ctx)
	go collector.Run(ctx, collectInterval)
	if cfg.MetricsAddr != "" {
		startMetricsServer(ctx, cfg.MetricsAddr)
	}

	mon := netmon.New(netmon.Config{})
	go mon.Run(ctx)
	netEvents := mon.Events()

	cycle := func(peers []membership.Peer) error {
		if len(peers) == 0 {
			return nil
		}
		for _, p := range peers {
			if p.Observed.IsValid() {
				engine.SetObservedEndpoint(p.PublicKey, p.Observed)
			}
		}
		engine.Begin(peers)
		return escalator.Run(ctx)
	}

	// Traversal cycles: drive the current cycle to completion, then idle
	// until the recheck tick and start over for peers without a live path.
	// Relayed peers stay in the rotation so a direct path can still
	// replace the relay once their NAT allows it. A network change
	// restarts traversal for the whole roster, since the old paths rode
	// NAT mappings that no longer exist.
	ticker := time.NewTicker(recheckInterval)
	defer ticker.Stop()
	for {
		if err := cycle(cyclePeers(roster, table)); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case _, ok := <-netEvents:
			if !ok {
				netEvents = nil
				continue
			}
			log.Info().Msg("network changed, restarting traversal")
			discoverPublicAddress(ctx, cfg)
			if err := cycle(roster.Peers()); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}
		}
	}
}

// cyclePeers returns roster entries the next traversal cycle should work
// on: peers with no installed path, and relayed peers that may yet get a
// direct one. Direct-connected peers are left alone.
func cyclePeers(roster *membership.MemorySource, table *device.Table) []membership.Peer {
	var out []membership.Peer
	for _, p := range roster.Peers() {
		path, ok := table.Path(p.PublicKey)
		if !ok || path.Kind == device.PathRelayed {
			out = append(out, p)
		}
	}
	return out
}

// discoverPublicAddress logs the STUN-discovered reflexive endpoint and
// NAT classification. Failure is not fatal: traversal still works from
// cached and advertised endpoints.
func discoverPublicAddress(ctx context.Context, cfg *config.NodeConfig) {
	if len(cfg.STUN.Servers) == 0 {
		return
	}
	sctx, cancel := context.WithTimeout(ctx, cfg.STUNTimeout())
	defer cancel()
	ep, nat, err := stunutil.Discover(sctx, cfg.STUN.Servers, cfg.STUNTimeout())
	if err != nil {
		log.Warn().Err(err).Msg("public address discovery failed")
		return
	}
	log.Info().Stringer("endpoint", ep).Stringer("nat", nat).Msg("public address discovered")
	if nat == stunutil.NATSymmetric {
		log.Warn().Msg("symmetric NAT detected, expect relay fallback for most peers")
	}
}

func startMetricsServer(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		log.Info().Str("addr", addr).Msg("metrics server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
}

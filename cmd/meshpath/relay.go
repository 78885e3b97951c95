package main

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/meshpath/meshpath/internal/config"
	"github.com/meshpath/meshpath/internal/relay"
	"github.com/meshpath/meshpath/internal/stunutil"
)

func newRelayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Run a relay node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadRelayConfig()
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

			return runRelay(ctx, cfg)
		},
	}
}

func runRelay(ctx context.Context, cfg *config.RelayConfig) error {
	key, err := config.EnsureKey(cfg.PrivateKey)
	if err != nil {
		return err
	}
	self := config.Identity(key)
	log.Info().Str("id", self.String()).Msg("relay identity loaded")

	reg := relay.NewRegistry(cfg.RegistryConfig(), nil)
	svc, err := relay.NewService(cfg.ServiceConfig(), self, key, reg)
	if err != nil {
		return err
	}

	go reg.Run(ctx)
	log.Info().Stringer("addr", svc.LocalAddr()).Str("ws", svc.WebsocketURL()).
		Msg("relay service listening")
	return svc.Run(ctx)
}

func newRelaysCmd() *cobra.Command {
	var query string
	cmd := &cobra.Command{
		Use:   "relays",
		Short: "List known relay nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadNodeConfig()
			if err != nil {
				return err
			}
			setupLogging(cfg.Log)

			reg := relay.NewRegistry(cfg.RegistryConfig(), nil)
			if query != "" {
				ep, err := netip.ParseAddrPort(query)
				if err != nil {
					return fmt.Errorf("parse --query endpoint: %w", err)
				}
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				n, err := reg.QueryRelay(ctx, ep)
				if err != nil {
					return fmt.Errorf("query %s: %w", ep, err)
				}
				fmt.Printf("learned %d relays from %s\n\n", n, ep)
			}

			relays := reg.Snapshot()
			if len(relays) == 0 {
				fmt.Println("no relays known")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RELAY\tREGION\tENDPOINTS\tLOAD\tCAPS\tLAST SEEN")
			for _, info := range relays {
				eps := ""
				for i, ep := range info.Endpoints {
					if i > 0 {
						eps += ","
					}
					eps += ep.String()
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d%%\t%s\t%s\n",
					info.RelayID.Short(), info.Region, eps, info.Load,
					info.Capabilities, info.LastSeen.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&query, "query", "", "relay endpoint to query live (host:port)")
	return cmd
}

func newSTUNCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stun",
		Short: "Discover the public address and NAT type",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadNodeConfig()
			if err != nil {
				return err
			}
			setupLogging(cfg.Log)

			ctx, cancel := context.WithTimeout(context.Background(), cfg.STUNTimeout()+time.Second)
			defer cancel()
			ep, nat, err := stunutil.Discover(ctx, cfg.STUN.Servers, cfg.STUNTimeout())
			if err != nil {
				return err
			}
			fmt.Printf("public endpoint: %s\n", ep)
			fmt.Printf("nat type:        %s\n", nat)
			return nil
		},
	}
}

// Package stunutil discovers this node's public mapped address via STUN.
// The result seeds endpoint probing as the observed endpoint; the NAT
// classification hints whether direct traversal is worth attempting at all.
package stunutil

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/pion/stun/v3"
	"github.com/rs/zerolog/log"
)

// NATType is a coarse classification of the NAT in front of this node.
type NATType int

const (
	NATUnknown NATType = iota
	// NATConeOrRestricted maps all sockets to one public address; direct
	// traversal usually works.
	NATConeOrRestricted
	// NATSymmetric hands every destination a different mapping; direct
	// traversal rarely works and relays are the realistic path.
	NATSymmetric
)

func (n NATType) String() string {
	switch n {
	case NATConeOrRestricted:
		return "cone_or_restricted"
	case NATSymmetric:
		return "symmetric"
	default:
		return "unknown"
	}
}

// Discover queries the given STUN servers and returns the first public
// mapped address together with the inferred NAT type. The mapping belongs
// to the STUN socket; under a symmetric NAT other sockets will differ.
func Discover(ctx context.Context, servers []string, timeout time.Duration) (netip.AddrPort, NATType, error) {
	if len(servers) == 0 {
		return netip.AddrPort{}, NATUnknown, fmt.Errorf("no stun servers configured")
	}

	mapped := make([]netip.AddrPort, 0, len(servers))
	var lastErr error
	for _, server := range servers {
		addr, err := querySingle(ctx, server, timeout)
		if err != nil {
			lastErr = err
			log.Debug().Str("server", server).Err(err).Msg("stun query failed")
			continue
		}
		mapped = append(mapped, addr)
	}
	if len(mapped) == 0 {
		if lastErr == nil {
			lastErr = fmt.Errorf("stun discovery failed")
		}
		return netip.AddrPort{}, NATUnknown, lastErr
	}

	nat := classify(mapped)
	log.Debug().Stringer("mapped", mapped[0]).Stringer("nat", nat).
		Int("servers", len(mapped)).Msg("stun discovery complete")
	return mapped[0], nat, nil
}

// classify compares mappings from different servers: a NAT that hands out
// distinct addresses per destination is symmetric.
func classify(addrs []netip.AddrPort) NATType {
	if len(addrs) < 2 {
		return NATUnknown
	}
	for _, addr := range addrs[1:] {
		if addr != addrs[0] {
			return NATSymmetric
		}
	}
	return NATConeOrRestricted
}

func querySingle(ctx context.Context, server string, timeout time.Duration) (netip.AddrPort, error) {
	uriStr := strings.TrimSpace(server)
	if uriStr == "" {
		return netip.AddrPort{}, fmt.Errorf("empty stun server")
	}
	if !strings.HasPrefix(uriStr, "stun:") {
		uriStr = "stun:" + uriStr
	}
	uri, err := stun.ParseURI(uriStr)
	if err != nil {
		return netip.AddrPort{}, err
	}
	client, err := stun.DialURI(uri, &stun.DialConfig{})
	if err != nil {
		return netip.AddrPort{}, err
	}
	defer client.Close()

	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	result := make(chan stun.XORMappedAddress, 1)
	fail := make(chan error, 1)
	go func() {
		var addr stun.XORMappedAddress
		err := client.Do(msg, func(res stun.Event) {
			if res.Error != nil {
				fail <- res.Error
				return
			}
			if err := addr.GetFrom(res.Message); err != nil {
				fail <- err
				return
			}
			result <- addr
		})
		if err != nil {
			fail <- err
		}
	}()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	select {
	case addr := <-result:
		ip, ok := netip.AddrFromSlice(addr.IP)
		if !ok {
			return netip.AddrPort{}, fmt.Errorf("stun returned unusable address %v", addr.IP)
		}
		return netip.AddrPortFrom(ip.Unmap(), uint16(addr.Port)), nil
	case err := <-fail:
		return netip.AddrPort{}, err
	case <-ctx.Done():
		return netip.AddrPort{}, ctx.Err()
	}
}

// Package resolve maps hostnames to addresses for the evaluator, using plain
// DNS queries against configured upstreams or the system resolver.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/miekg/dns"
)

var ErrNoAddress = errors.New("no address records")

type Options struct {
	// Servers are upstream "host:port" addresses tried in order. Empty means
	// the system resolver.
	Servers []string
	Timeout time.Duration
	// PreferIPv6 queries AAAA before A.
	PreferIPv6 bool
}

type Resolver struct {
	opt    Options
	client *dns.Client
}

func New(opt Options) *Resolver {
	if opt.Timeout <= 0 {
		opt.Timeout = 2 * time.Second
	}
	return &Resolver{
		opt:    opt,
		client: &dns.Client{Net: "udp", Timeout: opt.Timeout},
	}
}

// Resolve returns the first address of host. Literal IPs are returned as is.
func (r *Resolver) Resolve(ctx context.Context, host string) (netip.Addr, error) {
	host = strings.TrimSuffix(strings.Trim(host, "[]"), ".")
	if a, err := netip.ParseAddr(host); err == nil {
		return a.Unmap(), nil
	}
	if host == "" {
		return netip.Addr{}, ErrNoAddress
	}

	if len(r.opt.Servers) == 0 {
		addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
		if err != nil {
			return netip.Addr{}, err
		}
		if len(addrs) == 0 {
			return netip.Addr{}, ErrNoAddress
		}
		return addrs[0].Unmap(), nil
	}

	types := []uint16{dns.TypeA, dns.TypeAAAA}
	if r.opt.PreferIPv6 {
		types = []uint16{dns.TypeAAAA, dns.TypeA}
	}
	var lastErr error = ErrNoAddress
	for _, qt := range types {
		a, err := r.query(ctx, host, qt)
		if err == nil {
			return a, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return netip.Addr{}, ctx.Err()
		}
	}
	return netip.Addr{}, lastErr
}

func (r *Resolver) query(ctx context.Context, host string, qtype uint16) (netip.Addr, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), qtype)
	m.RecursionDesired = true

	var lastErr error = ErrNoAddress
	for _, server := range r.opt.Servers {
		resp, _, err := r.client.ExchangeContext(ctx, m, server)
		if err != nil {
			lastErr = err
			continue
		}
		if resp.Rcode != dns.RcodeSuccess {
			lastErr = fmt.Errorf("%s: rcode %s", server, dns.RcodeToString[resp.Rcode])
			continue
		}
		for _, rr := range resp.Answer {
			switch v := rr.(type) {
			case *dns.A:
				if a, ok := netip.AddrFromSlice(v.A); ok {
					return a.Unmap(), nil
				}
			case *dns.AAAA:
				if a, ok := netip.AddrFromSlice(v.AAAA); ok {
					return a.Unmap(), nil
				}
			}
		}
		lastErr = ErrNoAddress
	}
	return netip.Addr{}, lastErr
}

package recon

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/errgroup"
)

// Resolution is what a host resolved to.
type Resolution struct {
	IPs   []string
	CNAME string
}

func (r Resolution) Resolved() bool { return len(r.IPs) > 0 || r.CNAME != "" }

// Resolver checks that discovered hosts exist before they are probed.
type Resolver struct {
	servers     []string
	client      *dns.Client
	concurrency int
}

func NewResolver(timeout time.Duration, concurrency int, servers ...string) *Resolver {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if concurrency < 1 {
		concurrency = 20
	}
	return &Resolver{
		servers:     servers,
		client:      &dns.Client{Timeout: timeout},
		concurrency: concurrency,
	}
}

// Resolve queries A, then AAAA, trying each server in turn. NXDOMAIN and
// empty answers are not errors.
func (r *Resolver) Resolve(ctx context.Context, host string) (Resolution, error) {
	var res Resolution
	var lastErr error

	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(host), qtype)
		m.RecursionDesired = true

		for _, server := range r.servers {
			in, _, err := r.client.ExchangeContext(ctx, m, server)
			if err != nil {
				lastErr = err
				continue
			}
			lastErr = nil
			for _, ans := range in.Answer {
				switch v := ans.(type) {
				case *dns.A:
					res.IPs = append(res.IPs, v.A.String())
				case *dns.AAAA:
					res.IPs = append(res.IPs, v.AAAA.String())
				case *dns.CNAME:
					res.CNAME = v.Target
				}
			}
			break
		}
		if res.Resolved() {
			return res, nil
		}
	}
	if lastErr != nil {
		return res, fmt.Errorf("failed to resolve %s: %w", host, lastErr)
	}
	return res, nil
}

// Filter returns the hosts that resolve, in input order. IP literals pass
// through untouched.
func (r *Resolver) Filter(ctx context.Context, hosts []string) []string {
	keep := make([]bool, len(hosts))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, host := range hosts {
		i, host := i, host
		if net.ParseIP(host) != nil {
			keep[i] = true
			continue
		}
		g.Go(func() error {
			res, err := r.Resolve(ctx, host)
			keep[i] = err == nil && res.Resolved()
			return nil
		})
	}
	_ = g.Wait()

	var out []string
	for i, host := range hosts {
		if keep[i] {
			out = append(out, host)
		}
	}
	return out
}

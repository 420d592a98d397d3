package resolve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/netsip/dispatch/sipmsg"
)

// DNSResolver is the narrow subset of *net.Resolver the lookup functions
// need; narrowed to an interface so tests can substitute a fake without a
// real network.
type DNSResolver interface {
	LookupSRV(ctx context.Context, service, proto, name string) (string, []*net.SRV, error)
	LookupHost(ctx context.Context, host string) (addrs []string, err error)
}

// dnsLookup wraps DNSResolver with the retry policy applied to each
// individual query: DNS over UDP is lossy, so a transient failure is worth
// a bounded retry before falling through to the next resolution stage.
type dnsLookup struct {
	res DNSResolver
}

func newDNSLookup(res DNSResolver) *dnsLookup {
	if res == nil {
		res = net.DefaultResolver
	}
	return &dnsLookup{res: res}
}

func retryPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(50*time.Millisecond),
		backoff.WithMultiplier(2.0),
		backoff.WithMaxInterval(400*time.Millisecond),
		backoff.WithMaxElapsedTime(2*time.Second),
		backoff.WithRandomizationFactor(0),
	)
	return backoff.WithContext(b, ctx)
}

// srv resolves "_sip._<proto>.<domain>", retrying transient failures and
// giving up after retryPolicy's elapsed-time budget.
func (d *dnsLookup) srv(ctx context.Context, proto sipmsg.Proto, domain string) ([]*net.SRV, error) {
	var records []*net.SRV
	op := func() error {
		_, addrs, err := d.res.LookupSRV(ctx, "sip", string(proto), domain)
		if err != nil {
			return classifyDNSError(err)
		}
		records = addrs
		return nil
	}
	if err := backoff.Retry(op, retryPolicy(ctx)); err != nil {
		return nil, fmt.Errorf("%w: srv %s.%s: %v", ErrInval, proto, domain, err)
	}
	return records, nil
}

// a resolves domain's A records, the final DNS fallback when no SRV
// records exist.
func (d *dnsLookup) a(ctx context.Context, domain string) ([]string, error) {
	var addrs []string
	op := func() error {
		got, err := d.res.LookupHost(ctx, domain)
		if err != nil {
			return classifyDNSError(err)
		}
		addrs = got
		return nil
	}
	if err := backoff.Retry(op, retryPolicy(ctx)); err != nil {
		return nil, fmt.Errorf("%w: a %s: %v", ErrInval, domain, err)
	}
	return addrs, nil
}

// lookupSRVAll fans SRV queries out across every allowed protocol
// concurrently and joins the results, so a slow or failing query for one
// protocol doesn't delay the others. The A fallback only runs once every
// allowed protocol's SRV query has come back empty.
func (d *dnsLookup) lookupSRVAll(ctx context.Context, domain string, allowed []sipmsg.Proto) ([]sipmsg.HopCandidate, error) {
	results := make([][]sipmsg.HopCandidate, len(allowed))

	g, gctx := errgroup.WithContext(ctx)
	for i, proto := range allowed {
		i, proto := i, proto
		g.Go(func() error {
			records, err := d.srv(gctx, proto, domain)
			if err != nil {
				// One protocol's SRV failure doesn't doom the others; an
				// empty result for this proto just means the next stage
				// (A fallback) carries it.
				return nil
			}
			out := make([]sipmsg.HopCandidate, 0, len(records))
			for _, r := range records {
				out = append(out, sipmsg.HopCandidate{
					Prio:  int32(r.Priority),
					Proto: proto,
					Host:  trimDot(r.Target),
					Port:  r.Port,
				})
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []sipmsg.HopCandidate
	for _, r := range results {
		all = append(all, r...)
	}
	return all, nil
}

// lookupAAll resolves domain's A records for every allowed protocol, using
// defaultPort: no port information comes from an A record, so the URI's
// own port, or the protocol's standard port, applies.
func (d *dnsLookup) lookupAAll(ctx context.Context, domain string, allowed []sipmsg.Proto, defaultPort uint16) ([]sipmsg.HopCandidate, error) {
	addrs, err := d.a(ctx, domain)
	if err != nil {
		return nil, err
	}
	var out []sipmsg.HopCandidate
	for _, addr := range addrs {
		for _, proto := range allowed {
			out = append(out, sipmsg.HopCandidate{Prio: -1, Proto: proto, Host: addr, Port: defaultPort})
		}
	}
	return out, nil
}

// classifyDNSError marks authoritative NXDOMAIN answers permanent so the
// retry loop doesn't spend its elapsed-time budget re-asking a question the
// resolver already answered definitively; everything else stays retryable.
func classifyDNSError(err error) error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return backoff.Permanent(err)
	}
	return err
}

func trimDot(s string) string {
	if len(s) > 0 && s[len(s)-1] == '.' {
		return s[:len(s)-1]
	}
	return s
}

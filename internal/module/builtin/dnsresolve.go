package builtin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/gyaneshwarpardhi/osintflow/internal/event"
	"github.com/gyaneshwarpardhi/osintflow/internal/module"
)

var dnsResolveDescriptor = module.Descriptor{
	Name:     "dns_resolve",
	Watched:  []string{event.TypeInternetName, event.TypeDomainName},
	Produced: []string{event.TypeIPAddress, event.TypeIPv6Address},
	Priority: 1,
	Flags:    []module.Flag{module.FlagHighPriority},
}

// dnsResolve turns host names into addresses.
type dnsResolve struct {
	dns    module.Resolver
	cache  module.Cache
	logger *slog.Logger
}

func newDNSResolve(env module.Env) (module.Module, error) {
	if env.Services.DNS == nil {
		return nil, errors.New("dns_resolve: no DNS resolver injected")
	}
	return &dnsResolve{dns: env.Services.DNS, cache: env.Services.Cache, logger: env.Logger}, nil
}

func (m *dnsResolve) Descriptor() module.Descriptor { return dnsResolveDescriptor }

func (m *dnsResolve) HandleEvent(ctx context.Context, ev *event.Event) ([]*event.Event, error) {
	host := strings.TrimSuffix(strings.ToLower(ev.Data), ".")
	addrs, err := m.lookup(ctx, host)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return nil, nil
		}
		if errors.As(err, &dnsErr) && dnsErr.IsTemporary {
			return nil, module.Retryable(err)
		}
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}

	out := make([]*event.Event, 0, len(addrs))
	for _, a := range addrs {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		ip := net.ParseIP(a)
		if ip == nil {
			continue
		}
		typ := event.TypeIPAddress
		if ip.To4() == nil {
			typ = event.TypeIPv6Address
		}
		e, err := event.New(typ, ip.String(), dnsResolveDescriptor.Name, ev)
		if err != nil {
			return out, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *dnsResolve) lookup(ctx context.Context, host string) ([]string, error) {
	key := "dns:" + host
	if m.cache != nil {
		if v, ok := m.cache.Get(key); ok {
			return strings.Split(string(v), ","), nil
		}
	}
	addrs, err := m.dns.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	if m.cache != nil && len(addrs) > 0 {
		m.cache.Set(key, []byte(strings.Join(addrs, ",")))
	}
	return addrs, nil
}

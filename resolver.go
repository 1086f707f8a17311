package drift

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/gordian-engine/drift/internal/dtrace"
)

// Resolver looks up the addresses of a host name.
// [*net.Resolver] satisfies Resolver.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

type resolveResult struct {
	addrs []netip.Addr
	err   error
}

// resolve runs on its own goroutine.
// Its only side effect is the single send on out,
// which must be buffered.
func resolve(
	ctx context.Context,
	r Resolver,
	tracer dtrace.Tracer,
	host string,
	out chan<- resolveResult,
) {
	ctx, span := tracer.Start(ctx, "drift.resolve", dtrace.WithAttributes(dtrace.HostAttr(host)))
	defer span.End()

	addrs, err := r.LookupNetIP(ctx, "ip", host)
	if err == nil && len(addrs) == 0 {
		err = fmt.Errorf("no addresses for %q", host)
	}
	if err != nil {
		dtrace.SpanError(span, err)
	}

	out <- resolveResult{addrs: addrs, err: err}
}

// pickAddr prefers the first IPv4 address.
func pickAddr(addrs []netip.Addr) netip.Addr {
	for _, a := range addrs {
		if a.Unmap().Is4() {
			return a.Unmap()
		}
	}
	return addrs[0]
}

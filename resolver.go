package corosio

import (
	"context"
	"net"
)

// Resolver turns host names into endpoint lists through an awaitable,
// backed by Go's own
// net.DefaultResolver rather than a hand-rolled DNS client, since nothing
// about address resolution is part of this runtime's core.
type Resolver struct {
	sched *Scheduler
	net   *net.Resolver
}

// NewResolver returns a Resolver using net.DefaultResolver.
func NewResolver(sched *Scheduler) *Resolver {
	return &Resolver{sched: sched, net: net.DefaultResolver}
}

// Resolve looks up host and returns the resulting TCP endpoints for port.
// The lookup itself runs on a background goroutine (net.Resolver already
// does its own non-blocking I/O internally); the Future resolves through
// the scheduler's executor once it's done, same as any other op.
func (r *Resolver) Resolve(ctx context.Context, host string, port int) *Future[[]*net.TCPAddr] {
	future := NewFuture[[]*net.TCPAddr]()
	r.sched.OnWorkStarted()
	go func() {
		ips, err := r.net.LookupIPAddr(ctx, host)
		if err != nil {
			r.sched.postCompletion(newFuncWorkItem(func() {
				future.complete(Result[[]*net.TCPAddr]{Err: &OpError{Op: "resolve", Err: err}})
			}))
			return
		}
		addrs := make([]*net.TCPAddr, 0, len(ips))
		for _, ip := range ips {
			addrs = append(addrs, &net.TCPAddr{IP: ip.IP, Port: port, Zone: ip.Zone})
		}
		r.sched.postCompletion(newFuncWorkItem(func() {
			future.complete(Result[[]*net.TCPAddr]{Value: addrs})
		}))
	}()
	return future
}

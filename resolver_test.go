package corosio

import (
	"context"
	"testing"
	"time"
)

func TestResolverResolvesLoopback(t *testing.T) {
	sched := newTestScheduler(t)
	resolver := NewResolver(sched)

	future := resolver.Resolve(context.Background(), "localhost", 80)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go func() { _ = sched.Run(ctx) }()

	addrs, err := future.Await(context.Background())
	if err != nil {
		t.Fatalf("unexpected error resolving localhost: %v", err)
	}
	if len(addrs) == 0 {
		t.Fatal("expected at least one address for localhost")
	}
	for _, a := range addrs {
		if a.Port != 80 {
			t.Fatalf("expected port 80 on every resolved address, got %d", a.Port)
		}
	}
}

func TestResolverFailureSurfacesOpError(t *testing.T) {
	sched := newTestScheduler(t)
	resolver := NewResolver(sched)

	// A name under the reserved .invalid TLD (RFC 2606) is guaranteed
	// never to resolve.
	future := resolver.Resolve(context.Background(), "this-host-does-not-exist.invalid", 0)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go func() { _ = sched.Run(ctx) }()

	_, err := future.Await(context.Background())
	if err == nil {
		t.Fatal("expected a resolution error for a .invalid hostname")
	}
	if _, ok := err.(*OpError); !ok {
		t.Fatalf("expected *OpError, got %T: %v", err, err)
	}
}

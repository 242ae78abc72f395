package corosio

import "testing"

// mustPortableReactor returns a fresh portable (select-based) reactor for
// tests that only need a working Scheduler and don't care which backend
// drives it — using the portable variant keeps these tests GOOS-independent,
// the same reasoning WithPortableReactor documents for NewContext callers.
func mustPortableReactor(t *testing.T) reactor {
	t.Helper()
	r, err := newPortableReactor()
	if err != nil {
		t.Fatalf("newPortableReactor: %v", err)
	}
	t.Cleanup(func() { _ = r.close() })
	return r
}

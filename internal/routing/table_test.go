package routing

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	id     string
	closed bool
}

func (f *fakeSession) ID() string { return f.id }
func (f *fakeSession) Close() error {
	f.closed = true
	return nil
}

func TestRegisterLookup(t *testing.T) {
	tbl := New()
	s := &fakeSession{id: "tun-1"}

	evicted := tbl.Register(s, "tun-1", "demo")
	require.Nil(t, evicted)

	got, ok := tbl.LookupByID("tun-1")
	require.True(t, ok)
	require.Same(t, s, got)

	got, ok = tbl.LookupBySubdomain("demo")
	require.True(t, ok)
	require.Same(t, s, got)
}

func TestRegisterEvictsSameID(t *testing.T) {
	tbl := New()
	first := &fakeSession{id: "tun-1"}
	second := &fakeSession{id: "tun-1"}

	tbl.Register(first, "tun-1", "demo")
	evicted := tbl.Register(second, "tun-1", "demo")

	require.Same(t, first, evicted)

	got, ok := tbl.LookupByID("tun-1")
	require.True(t, ok)
	require.Same(t, second, got)

	// No orphan subdomain entries: the binding still resolves to the
	// live (second) session, never to the evicted one.
	bySub, ok := tbl.LookupBySubdomain("demo")
	require.True(t, ok)
	require.Same(t, second, bySub)
}

func TestSubdomainRebindingIsIdempotentForSameID(t *testing.T) {
	tbl := New()
	s := &fakeSession{id: "tun-1"}
	tbl.Register(s, "tun-1", "demo")
	tbl.Register(s, "tun-1", "demo")

	require.Equal(t, 1, tbl.Len())
}

func TestSubdomainRebindingMovesToNewID(t *testing.T) {
	tbl := New()
	a := &fakeSession{id: "tun-a"}
	b := &fakeSession{id: "tun-b"}

	tbl.Register(a, "tun-a", "shared")
	tbl.Register(b, "tun-b", "shared")

	got, ok := tbl.LookupBySubdomain("shared")
	require.True(t, ok)
	require.Same(t, b, got)

	// tun-a itself is still registered, just without the subdomain binding.
	got, ok = tbl.LookupByID("tun-a")
	require.True(t, ok)
	require.Same(t, a, got)
}

func TestRemoveClearsSubdomainBinding(t *testing.T) {
	tbl := New()
	s := &fakeSession{id: "tun-1"}
	tbl.Register(s, "tun-1", "demo")

	tbl.Remove("tun-1", s)

	_, ok := tbl.LookupByID("tun-1")
	require.False(t, ok)

	_, ok = tbl.LookupBySubdomain("demo")
	require.False(t, ok)
}

func TestRemoveDoesNotClearReboundSubdomain(t *testing.T) {
	tbl := New()
	a := &fakeSession{id: "tun-a"}
	b := &fakeSession{id: "tun-b"}

	tbl.Register(a, "tun-a", "shared")
	tbl.Register(b, "tun-b", "shared")

	// a no longer owns "shared"; removing a must not affect b's binding.
	tbl.Remove("tun-a", a)

	got, ok := tbl.LookupBySubdomain("shared")
	require.True(t, ok)
	require.Same(t, b, got)
}

func TestRemoveIgnoresStaleSessionIdentity(t *testing.T) {
	tbl := New()
	first := &fakeSession{id: "tun-1"}
	second := &fakeSession{id: "tun-1"}

	tbl.Register(first, "tun-1", "demo")
	tbl.Register(second, "tun-1", "demo")

	// first was evicted by the re-registration above; its cleanup must
	// not be able to remove second's row just because the id matches.
	tbl.Remove("tun-1", first)

	got, ok := tbl.LookupByID("tun-1")
	require.True(t, ok)
	require.Same(t, second, got)

	bySub, ok := tbl.LookupBySubdomain("demo")
	require.True(t, ok)
	require.Same(t, second, bySub)
}

func TestSnapshotConsistency(t *testing.T) {
	tbl := New()
	tbl.Register(&fakeSession{id: "tun-1"}, "tun-1", "one")
	tbl.Register(&fakeSession{id: "tun-2"}, "tun-2", "two")

	entries := tbl.Snapshot()
	require.Len(t, entries, 2)

	seen := map[string]string{}
	for _, e := range entries {
		seen[e.TunnelID] = e.Subdomain
	}
	require.Equal(t, "one", seen["tun-1"])
	require.Equal(t, "two", seen["tun-2"])
}

func TestSubdomainOf(t *testing.T) {
	cases := map[string]string{
		"abc123.tunnel.example.com":      "abc123",
		"abc123.tunnel.example.com:8080": "abc123",
		"abc123.localhost":               "abc123",
		"abc123.localhost:8080":          "abc123",
		"localhost:8080":                 "",
		"localhost":                      "",
	}
	for host, want := range cases {
		require.Equal(t, want, SubdomainOf(host), "host=%s", host)
	}
}

package dataconn

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"
)

func TestPassiveRegistryRefCount(t *testing.T) {
	reg := NewPassiveRegistry(NewSessionReference())
	reg.SetLogger(testLogger)
	defer reg.Close()
	addr := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), freePort(t))
	ctx := context.Background()

	tests := []struct {
		name    string
		reserve bool
		refs    int
	}{
		{"first reserve opens", true, 1},
		{"second reserve shares", true, 2},
		{"third reserve shares", true, 3},
		{"release keeps open", false, 2},
		{"release keeps open again", false, 1},
		{"last release closes", false, 0},
		{"reserve reopens", true, 1},
		{"release closes again", false, 0},
	}

	var first net.Listener
	opened := 0
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.reserve {
				l, err := reg.Reserve(ctx, addr)
				if err != nil {
					t.Fatalf("Reserve: %v", err)
				}
				if l != first {
					opened++
					first = l
				}
			} else {
				reg.Release(addr)
			}
			if got := reg.RefCount(addr); got != tt.refs {
				t.Fatalf("RefCount = %d, want %d", got, tt.refs)
			}
			if got := reg.Has(addr); got != (tt.refs > 0) {
				t.Fatalf("Has = %v with %d refs", got, tt.refs)
			}
			if tt.refs == 0 {
				first = nil
			}
		})
	}
	if opened != 2 {
		t.Fatalf("opened %d listeners, want 2", opened)
	}
	if _, err := net.DialTimeout("tcp", addr.String(), time.Second); err == nil {
		t.Fatal("listener still accepting after the last release")
	}
}

func TestPassiveRegistryReleaseUnknown(t *testing.T) {
	reg := NewPassiveRegistry(NewSessionReference())
	reg.SetLogger(testLogger)
	addr := netip.MustParseAddrPort("127.0.0.1:1")
	reg.Release(addr)
	if reg.RefCount(addr) != 0 {
		t.Fatal("release of an unknown address created an entry")
	}
}

func TestPassiveRegistryEphemeralPorts(t *testing.T) {
	reg := NewPassiveRegistry(NewSessionReference())
	reg.SetLogger(testLogger)
	defer reg.Close()
	addr := netip.MustParseAddrPort("127.0.0.1:0")

	l1, err := reg.Reserve(context.Background(), addr)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	l2, err := reg.Reserve(context.Background(), addr)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if l1 == l2 {
		t.Fatal("port 0 reservations share a listener")
	}
	p1, _ := addrPortOf(l1.Addr())
	if reg.RefCount(p1) != 1 {
		t.Fatalf("RefCount(%s) = %d, want 1", p1, reg.RefCount(p1))
	}
}

func TestPassiveRegistryBindFailure(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer busy.Close()
	addr, _ := addrPortOf(busy.Addr())

	reg := NewPassiveRegistry(NewSessionReference())
	reg.SetLogger(testLogger)
	_, err = reg.Reserve(context.Background(), addr)
	if !IsCannotOpen(err) {
		t.Fatalf("Reserve on a busy port = %v, want a 425 error", err)
	}
	if reg.Has(addr) {
		t.Fatal("failed reservation left an entry")
	}
}

func TestSharedPassiveEndpoint(t *testing.T) {
	refs := NewSessionReference()
	reg := NewPassiveRegistry(refs)
	reg.SetLogger(testLogger)
	defer reg.Close()
	port := freePort(t)
	addr := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), port)
	opts := Options{Passive: reg, Refs: refs}

	s1 := newTestSession(t, nil, opts)
	s2 := newTestSessionFrom(t, nil, opts, netip.MustParseAddrPort("10.0.0.2:50000"))
	for i, s := range []*testSession{s1, s2} {
		s.dc.SetPassive(port)
		if err := s.dc.InitPassiveConnection(context.Background()); err != nil {
			t.Fatalf("InitPassiveConnection: %v", err)
		}
		if got := reg.RefCount(addr); got != i+1 {
			t.Fatalf("RefCount after session %d = %d, want %d", i+1, got, i+1)
		}
	}
	if n := len(reg.entries); n != 1 {
		t.Fatalf("%d listeners open, want 1", n)
	}

	s1.dc.UnbindPassive()
	if got := reg.RefCount(addr); got != 1 {
		t.Fatalf("RefCount after first unbind = %d, want 1", got)
	}
	s2.dc.UnbindPassive()
	if reg.Has(addr) {
		t.Fatal("listener still registered after the last unbind")
	}
	if _, err := net.DialTimeout("tcp", addr.String(), time.Second); err == nil {
		t.Fatal("listener still accepting after the last unbind")
	}
}

func TestSharedPassiveEndpointSameClient(t *testing.T) {
	refs := NewSessionReference()
	reg := NewPassiveRegistry(refs)
	reg.SetLogger(testLogger)
	defer reg.Close()
	port := freePort(t)
	addr := netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), port)
	opts := Options{Passive: reg, Refs: refs}

	a := newTestSession(t, nil, opts)
	b := newTestSession(t, nil, opts)
	a.dc.SetPassive(port)
	if err := a.dc.InitPassiveConnection(context.Background()); err != nil {
		t.Fatalf("first InitPassiveConnection: %v", err)
	}
	b.dc.SetPassive(port)
	err := b.dc.InitPassiveConnection(context.Background())
	if !IsCannotOpen(err) {
		t.Fatalf("second InitPassiveConnection = %v, want a 425 error", err)
	}
	if got := reg.RefCount(addr); got != 1 {
		t.Fatalf("RefCount = %d, want 1", got)
	}
	if refs.Len() != 1 {
		t.Fatalf("%d registrations, want 1", refs.Len())
	}
	if owner, ok := refs.Lookup(addr, netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), 0)); !ok || owner != a.dc.Control() {
		t.Fatal("registration does not belong to the first session")
	}
	if b.dc.IsBound() {
		t.Fatal("second session bound after the failed registration")
	}

	// the second session can retry on another port
	b.dc.SetPassive(0)
	if err := b.dc.InitPassiveConnection(context.Background()); err != nil {
		t.Fatalf("retry InitPassiveConnection: %v", err)
	}
	if b.dc.LocalAddr().Port() == port {
		t.Fatal("retry got the colliding port")
	}
}

func TestLoggerWithoutSetLogger(t *testing.T) {
	refs := NewSessionReference()
	reg := NewPassiveRegistry(refs)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if reg.Logger() == nil || refs.Logger() == nil {
				t.Error("nil logger")
			}
		}()
	}
	wg.Wait()
	reg.SetLogger(nil)
	refs.SetLogger(nil)
	if reg.Logger() == nil || refs.Logger() == nil {
		t.Fatal("SetLogger(nil) cleared the logger")
	}
}

func TestPassiveConnectionRouted(t *testing.T) {
	refs := NewSessionReference()
	reg := NewPassiveRegistry(refs)
	reg.SetLogger(testLogger)
	defer reg.Close()

	s := newTestSession(t, nil, Options{Passive: reg, Refs: refs})
	s.dc.SetPassive(0)
	if err := s.dc.InitPassiveConnection(context.Background()); err != nil {
		t.Fatalf("InitPassiveConnection: %v", err)
	}
	local := s.dc.LocalAddr()
	if local.Port() == 0 {
		t.Fatal("local port not updated from the listener")
	}

	peer, err := net.DialTimeout("tcp", local.String(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer peer.Close()

	if err := s.dc.Control().OpenDataConnection(context.Background()); err != nil {
		t.Fatalf("OpenDataConnection: %v", err)
	}
	if !s.dc.IsConnected() {
		t.Fatal("data connection not installed")
	}
	if got := s.replier.last(); got.code != 150 {
		t.Fatalf("reply = %v, want 150", got)
	}
	if s.dc.Control().State() != StateConnected {
		t.Fatalf("state = %s, want connected", s.dc.Control().State())
	}
}

func TestPortAllocator(t *testing.T) {
	reg := NewPassiveRegistry(NewSessionReference())
	ip := netip.MustParseAddr("127.0.0.1")

	t.Run("no range", func(t *testing.T) {
		a := NewPortAllocator(0, 0, reg)
		if p, err := a.Next(ip); err != nil || p != 0 {
			t.Fatalf("Next = %d, %v; want 0, nil", p, err)
		}
	})

	t.Run("round robin", func(t *testing.T) {
		a := NewPortAllocator(30000, 30002, reg)
		a.probe = func(netip.AddrPort) bool { return true }
		seen := map[uint16]bool{}
		for i := 0; i < 3; i++ {
			p, err := a.Next(ip)
			if err != nil {
				t.Fatalf("Next: %v", err)
			}
			if p < 30000 || p > 30002 {
				t.Fatalf("port %d out of range", p)
			}
			seen[p] = true
		}
		if len(seen) != 3 {
			t.Fatalf("ports %v, want each port once", seen)
		}
	})

	t.Run("exhausted", func(t *testing.T) {
		a := NewPortAllocator(30000, 30001, reg)
		a.probe = func(netip.AddrPort) bool { return false }
		if _, err := a.Next(ip); err == nil {
			t.Fatal("Next on an exhausted range succeeded")
		}
	})
}

package dataconn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
)

type passiveEntry struct {
	listener net.Listener
	refs     int
	done     chan struct{}
}

// PassiveRegistry shares passive listeners between sessions. A listener is
// opened by the first reservation of an address and closed when the last
// reservation is released.
type PassiveRegistry struct {
	// ConnectTimeout bounds the bind of a new listener.
	ConnectTimeout time.Duration

	refs    *SessionReference
	mu      sync.Mutex
	entries map[netip.AddrPort]*passiveEntry
	logger  *slog.Logger
	listen  func(ctx context.Context, addr string) (net.Listener, error)
}

// NewPassiveRegistry returns a registry that hands accepted connections to the
// session registered in refs.
func NewPassiveRegistry(refs *SessionReference) *PassiveRegistry {
	return &PassiveRegistry{
		ConnectTimeout: DefaultConfig().ConnectTimeout,
		refs:           refs,
		entries:        make(map[netip.AddrPort]*passiveEntry),
		logger:         slog.Default(),
		listen: func(ctx context.Context, addr string) (net.Listener, error) {
			var lc net.ListenConfig
			return lc.Listen(ctx, "tcp", addr)
		},
	}
}

// SetLogger replaces the logger. Call it before the first Reserve.
func (p *PassiveRegistry) SetLogger(logger *slog.Logger) {
	if logger != nil {
		p.logger = logger
	}
}

func (p *PassiveRegistry) Logger() *slog.Logger {
	return p.logger
}

// Reserve returns the listener bound to addr, opening it if needed, and takes
// one reference on it. Port 0 always opens a new listener on an ephemeral port.
func (p *PassiveRegistry) Reserve(ctx context.Context, addr netip.AddrPort) (net.Listener, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.entries[addr]; ok && addr.Port() != 0 {
		e.refs++
		p.Logger().Debug("passive listener shared", "local", addr, "refs", e.refs)
		return e.listener, nil
	}

	timeout := p.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().ConnectTimeout
	}
	bindCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	l, err := p.listen(bindCtx, addr.String())
	if err != nil {
		return nil, cannotOpen("Cannot open passive connection", err)
	}
	key := addr
	if tcpAddr, ok := l.Addr().(*net.TCPAddr); ok && addr.Port() == 0 {
		key = netip.AddrPortFrom(addr.Addr(), uint16(tcpAddr.Port))
	}
	e := &passiveEntry{listener: l, refs: 1, done: make(chan struct{})}
	p.entries[key] = e
	go p.acceptLoop(e)
	p.Logger().Debug("passive listener opened", "local", key)
	return l, nil
}

// Release drops one reference on addr and closes the listener at zero.
// Releasing an unknown address only logs a warning.
func (p *PassiveRegistry) Release(addr netip.AddrPort) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[addr]
	if !ok {
		p.Logger().Warn("release of an unknown passive address", "local", addr)
		return
	}
	e.refs--
	if e.refs > 0 {
		p.Logger().Debug("passive listener released", "local", addr, "refs", e.refs)
		return
	}
	delete(p.entries, addr)
	if err := e.listener.Close(); err != nil {
		p.Logger().Warn("closing passive listener", "local", addr, "error", err)
	}
	p.Logger().Debug("passive listener closed", "local", addr)
}

// RefCount returns the number of reservations held on addr.
func (p *PassiveRegistry) RefCount(addr netip.AddrPort) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[addr]; ok {
		return e.refs
	}
	return 0
}

// Has reports whether a listener is open on addr.
func (p *PassiveRegistry) Has(addr netip.AddrPort) bool {
	return p.RefCount(addr) > 0
}

// Close closes every listener regardless of the reference counts.
func (p *PassiveRegistry) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var result *multierror.Error
	for addr, e := range p.entries {
		if err := e.listener.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("closing %s: %w", addr, err))
		}
		delete(p.entries, addr)
	}
	return result.ErrorOrNil()
}

func (p *PassiveRegistry) acceptLoop(e *passiveEntry) {
	defer close(e.done)
	for {
		conn, err := e.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			p.Logger().Warn("passive accept", "local", e.listener.Addr(), "error", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}
		p.dispatch(conn)
	}
}

func (p *PassiveRegistry) dispatch(conn net.Conn) {
	local, lok := addrPortOf(conn.LocalAddr())
	remote, rok := addrPortOf(conn.RemoteAddr())
	if !lok || !rok || p.refs == nil {
		p.Logger().Warn("passive connection without usable addresses", "local", conn.LocalAddr(), "remote", conn.RemoteAddr())
		_ = conn.Close()
		return
	}
	owner, ok := p.refs.Take(local, remote.Addr())
	if !ok {
		p.Logger().Warn("passive connection matches no session", "local", local, "remote", remote)
		_ = conn.Close()
		return
	}
	owner.SetOpenedDataChannel(conn)
}

func addrPortOf(a net.Addr) (netip.AddrPort, bool) {
	if tcp, ok := a.(*net.TCPAddr); ok {
		ap := tcp.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), ap.IsValid()
	}
	if a == nil {
		return netip.AddrPort{}, false
	}
	ap, err := netip.ParseAddrPort(a.String())
	return ap, err == nil
}

// PortAllocator picks passive ports from a range, round-robin.
type PortAllocator struct {
	Min, Max uint16

	next     atomic.Uint32
	registry *PassiveRegistry
	probe    func(addr netip.AddrPort) bool
}

// NewPortAllocator returns an allocator over [min, max]. A zero range makes
// Next return port 0, leaving the choice to the kernel.
func NewPortAllocator(min, max uint16, registry *PassiveRegistry) *PortAllocator {
	return &PortAllocator{
		Min:      min,
		Max:      max,
		registry: registry,
		probe:    portAvailable,
	}
}

// Next returns a port for a passive listener on ip. Free ports come first;
// when the range is exhausted a port already opened by the registry is
// returned so the listener gets shared.
func (a *PortAllocator) Next(ip netip.Addr) (uint16, error) {
	if a.Min == 0 || a.Max < a.Min {
		return 0, nil
	}
	size := uint32(a.Max-a.Min) + 1
	var shared uint16
	for i := uint32(0); i < size; i++ {
		port := a.Min + uint16(a.next.Add(1)%size)
		addr := netip.AddrPortFrom(ip, port)
		if a.registry != nil && a.registry.Has(addr) {
			if shared == 0 {
				shared = port
			}
			continue
		}
		if a.probe(addr) {
			return port, nil
		}
	}
	if shared != 0 {
		return shared, nil
	}
	return 0, fmt.Errorf("no available passive port in range %d-%d", a.Min, a.Max)
}

func portAvailable(addr netip.AddrPort) bool {
	l, err := net.Listen("tcp", addr.String())
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

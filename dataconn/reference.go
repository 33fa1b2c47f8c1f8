package dataconn

import (
	"log/slog"
	"net/netip"
	"sync"
	"time"
)

// DefaultReferenceMaxAge is how long an unclaimed registration is kept.
const DefaultReferenceMaxAge = 10 * time.Minute

var loopbackAddr = netip.AddrFrom4([4]byte{127, 0, 0, 1})

// normalizeAddr maps every loopback and unspecified address to 127.0.0.1 so a
// session registered on "::" or "0.0.0.0" matches a connection seen on 127.0.0.1.
func normalizeAddr(a netip.Addr) netip.Addr {
	a = a.Unmap()
	if a.IsLoopback() || a.IsUnspecified() {
		return loopbackAddr
	}
	return a
}

func normalizeAddrPort(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(normalizeAddr(ap.Addr()), ap.Port())
}

type pairKey struct {
	local  netip.AddrPort
	remote netip.AddrPort
}

func newPairKey(local, remote netip.AddrPort) pairKey {
	return pairKey{local: normalizeAddrPort(local), remote: normalizeAddrPort(remote)}
}

type pairEntry struct {
	owner   *Control
	created time.Time
}

// SessionReference maps (local, remote) address pairs to the session that
// owns them. Passive sessions register the remote IP with port 0 so an
// inbound connection on a shared listener finds its session; active sessions
// register the full remote address so two sessions never dial the same pair.
type SessionReference struct {
	// MaxAge is the lifetime of a registration. Zero means DefaultReferenceMaxAge.
	MaxAge time.Duration

	mu      sync.Mutex
	entries map[pairKey]pairEntry
	now     func() time.Time
	logger  *slog.Logger
}

func NewSessionReference() *SessionReference {
	return &SessionReference{
		entries: make(map[pairKey]pairEntry),
		now:     time.Now,
		logger:  slog.Default(),
	}
}

// SetLogger replaces the logger. Call it before the reference is shared.
func (r *SessionReference) SetLogger(logger *slog.Logger) {
	if logger != nil {
		r.logger = logger
	}
}

func (r *SessionReference) Logger() *slog.Logger {
	return r.logger
}

// clean drops expired entries. Callers hold r.mu.
func (r *SessionReference) clean() {
	maxAge := r.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultReferenceMaxAge
	}
	limit := r.now().Add(-maxAge)
	for k, e := range r.entries {
		if e.created.Before(limit) {
			delete(r.entries, k)
		}
	}
}

// Register records owner for the pair. It returns false, without changing
// anything, when another session already holds the pair.
func (r *SessionReference) Register(local, remote netip.AddrPort, owner *Control) bool {
	if !local.IsValid() || !remote.IsValid() {
		r.Logger().Error("invalid address pair", "local", local, "remote", remote)
		return false
	}
	key := newPairKey(local, remote)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clean()
	if e, ok := r.entries[key]; ok && e.owner != owner {
		return false
	}
	r.entries[key] = pairEntry{owner: owner, created: r.now()}
	return true
}

// Lookup returns the session registered for the pair.
func (r *SessionReference) Lookup(local, remote netip.AddrPort) (*Control, bool) {
	key := newPairKey(local, remote)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clean()
	e, ok := r.entries[key]
	return e.owner, ok
}

// Take finds and removes the passive registration matching a connection
// accepted on local from remoteIP. When no entry matches exactly, an entry with
// the same remote IP and local port is accepted.
func (r *SessionReference) Take(local netip.AddrPort, remoteIP netip.Addr) (*Control, bool) {
	key := newPairKey(local, netip.AddrPortFrom(remoteIP, 0))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clean()
	if e, ok := r.entries[key]; ok {
		delete(r.entries, key)
		return e.owner, true
	}
	for k, e := range r.entries {
		if k.remote == key.remote && k.local.Port() == key.local.Port() {
			delete(r.entries, k)
			return e.owner, true
		}
	}
	return nil, false
}

// Unregister removes the pair if it is held by owner.
func (r *SessionReference) Unregister(local, remote netip.AddrPort, owner *Control) {
	key := newPairKey(local, remote)
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok && e.owner == owner {
		delete(r.entries, key)
	}
}

// Len returns the number of live registrations.
func (r *SessionReference) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clean()
	return len(r.entries)
}

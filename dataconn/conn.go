package dataconn

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"strings"
	"sync"
)

// Options are the collaborators of a DataConn.
type Options struct {
	Passive  *PassiveRegistry
	Refs     *SessionReference
	Replier  Replier
	Hook     TransferHook
	Executor Executor
	Config   Config
	Logger   *slog.Logger
}

// DataConn is the data connection state of one session: the mode, the
// endpoints, the live channel and the negotiated representation.
type DataConn struct {
	mu           sync.Mutex
	passive      bool
	bound        bool
	channel      *Channel
	controlLocal netip.Addr
	local        netip.AddrPort
	remote       netip.AddrPort
	params       Params
	codec        Codec

	cfg      Config
	passives *PassiveRegistry
	refs     *SessionReference
	control  *Control
	logger   *slog.Logger
}

// NewDataConn creates the data connection of a session whose control
// connection runs between controlLocal and controlRemote. It starts in active
// mode towards the control peer.
func NewDataConn(controlLocal, controlRemote netip.AddrPort, opts Options) *DataConn {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	refs := opts.Refs
	if refs == nil {
		refs = NewSessionReference()
	}
	passives := opts.Passive
	if passives == nil {
		passives = NewPassiveRegistry(refs)
	}
	cfg := opts.Config.withDefaults()
	dc := &DataConn{
		controlLocal: controlLocal.Addr().Unmap(),
		remote:       netip.AddrPortFrom(controlRemote.Addr().Unmap(), controlRemote.Port()),
		params:       DefaultParams(),
		cfg:          cfg,
		passives:     passives,
		refs:         refs,
		logger:       logger,
	}
	dc.local = netip.AddrPortFrom(dc.controlLocal, cfg.ActiveDataPort)
	dc.control = newControl(dc, opts)
	return dc
}

func (dc *DataConn) Logger() *slog.Logger {
	return dc.logger
}

// Control returns the transfer control of the session.
func (dc *DataConn) Control() *Control {
	return dc.control
}

// SetActive switches to active mode towards remote.
func (dc *DataConn) SetActive(remote netip.AddrPort) {
	dc.UnbindPassive()
	dc.mu.Lock()
	dc.local = netip.AddrPortFrom(dc.controlLocal, dc.cfg.ActiveDataPort)
	dc.remote = netip.AddrPortFrom(remote.Addr().Unmap(), remote.Port())
	dc.passive = false
	dc.bound = false
	dc.mu.Unlock()
	dc.logger.Debug("set active", "status", dc.String())
}

// SetPassive switches to passive mode on port of the control local address.
// The listener is opened by InitPassiveConnection.
func (dc *DataConn) SetPassive(port uint16) {
	dc.UnbindPassive()
	dc.mu.Lock()
	dc.local = netip.AddrPortFrom(dc.controlLocal, port)
	dc.passive = true
	dc.bound = false
	dc.mu.Unlock()
	dc.logger.Debug("set passive", "status", dc.String())
}

// InitPassiveConnection reserves the passive listener and registers the
// session so the connection of the peer is routed to it. In active mode it
// does nothing.
func (dc *DataConn) InitPassiveConnection(ctx context.Context) error {
	dc.UnbindPassive()
	dc.mu.Lock()
	if !dc.passive {
		dc.mu.Unlock()
		return nil
	}
	local := dc.local
	remoteIP := dc.remote.Addr()
	dc.mu.Unlock()

	l, err := dc.passives.Reserve(ctx, local)
	if err != nil {
		return err
	}
	if tcp, ok := l.Addr().(*net.TCPAddr); ok && local.Port() == 0 {
		local = netip.AddrPortFrom(local.Addr(), uint16(tcp.Port))
	}
	if !dc.refs.Register(local, netip.AddrPortFrom(remoteIP, 0), dc.control) {
		dc.passives.Release(local)
		dc.logger.Warn("passive address already registered for the peer", "local", local, "remote", remoteIP)
		return cannotOpen("Cannot open passive connection since the address is in use for this client", nil)
	}

	dc.mu.Lock()
	dc.local = local
	dc.bound = true
	dc.mu.Unlock()
	return nil
}

// UnbindPassive releases whatever the session holds on the data side: the
// live channel and, in passive mode, the listener reference and the session
// registration.
func (dc *DataConn) UnbindPassive() {
	dc.mu.Lock()
	ch := dc.channel
	dc.channel = nil
	dc.codec = nil
	wasBound := dc.bound
	passive := dc.passive
	local := dc.local
	remoteIP := dc.remote.Addr()
	dc.bound = false
	dc.mu.Unlock()

	if !wasBound {
		return
	}
	if ch != nil {
		if err := ch.Close(); err != nil {
			dc.logger.Debug("closing data channel", "error", err)
		}
	}
	if passive {
		dc.passives.Release(local)
		dc.refs.Unregister(local, netip.AddrPortFrom(remoteIP, 0), dc.control)
	}
	dc.control.resetWaitForOpenedDataChannel()
}

// SetNewOpenedDataChannel installs the channel of a new data connection.
func (dc *DataConn) SetNewOpenedDataChannel(ch *Channel) error {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	dc.channel = ch
	if ch == nil {
		mode := "active"
		if dc.passive {
			mode = "passive"
		}
		return cannotOpen("Cannot open "+mode+" data connection", nil)
	}
	dc.bound = true
	if err := dc.setCorrectCodec(); err != nil {
		dc.logger.Debug("codec not selected", "error", err)
	}
	return nil
}

// dropChannel forgets ch if it is the current channel.
func (dc *DataConn) dropChannel(ch *Channel) {
	dc.mu.Lock()
	if ch != nil && dc.channel == ch {
		dc.channel = nil
		dc.codec = nil
	}
	dc.mu.Unlock()
}

// Channel returns the live channel or ErrNoConnection.
func (dc *DataConn) Channel() (*Channel, error) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	if dc.channel == nil {
		return nil, ErrNoConnection
	}
	return dc.channel, nil
}

// CheckCorrectChannel reports whether ch is the live channel of the session.
func (dc *DataConn) CheckCorrectChannel(ch *Channel) bool {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return ch != nil && dc.channel == ch
}

// IsConnected reports whether a data connection is open.
func (dc *DataConn) IsConnected() bool {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return dc.channel != nil && dc.channel.IsOpen()
}

func (dc *DataConn) IsPassiveMode() bool {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return dc.passive
}

func (dc *DataConn) IsBound() bool {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return dc.bound
}

func (dc *DataConn) LocalAddr() netip.AddrPort {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return dc.local
}

func (dc *DataConn) RemoteAddr() netip.AddrPort {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return dc.remote
}

func (dc *DataConn) Params() Params {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return dc.params
}

func (dc *DataConn) SetType(t TransferType) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	dc.params.Type = t
	dc.reselectCodec()
}

func (dc *DataConn) SetSubType(s TransferSubType) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	dc.params.SubType = s
	dc.reselectCodec()
}

func (dc *DataConn) SetStructure(s TransferStructure) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	dc.params.Structure = s
	dc.reselectCodec()
}

func (dc *DataConn) SetMode(m TransferMode) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	dc.params.Mode = m
	dc.reselectCodec()
}

// reselectCodec runs setCorrectCodec and drops its error: the codec is
// selected again when data flows. Callers hold dc.mu.
func (dc *DataConn) reselectCodec() {
	if err := dc.setCorrectCodec(); err != nil {
		dc.logger.Debug("codec not selected", "params", dc.params, "error", err)
	}
}

// setCorrectCodec picks the codec of the current mode and structure. Callers hold dc.mu.
func (dc *DataConn) setCorrectCodec() error {
	if dc.channel == nil {
		dc.codec = nil
		return ErrNoConnection
	}
	codec, err := selectCodec(dc.params)
	if err != nil {
		dc.codec = nil
		return err
	}
	dc.codec = codec
	return nil
}

// Codec returns the selected codec, nil when none is selected yet.
func (dc *DataConn) Codec() Codec {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	return dc.codec
}

func (dc *DataConn) stream(ch *Channel) (*Stream, error) {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	if dc.codec == nil {
		codec, err := selectCodec(dc.params)
		if err != nil {
			return nil, err
		}
		dc.codec = codec
	}
	return newStream(ch, dc.codec), nil
}

func (dc *DataConn) IsFileStreamBlockAsciiImage() bool {
	return dc.Params().IsFileStreamBlockAsciiImage()
}

func (dc *DataConn) IsStreamFile() bool {
	return dc.Params().IsStreamFile()
}

// Status describes the data connection on several lines, as STAT shows it.
func (dc *DataConn) Status() string {
	dc.mu.Lock()
	defer dc.mu.Unlock()
	var b strings.Builder
	b.WriteString("Data connection: ")
	if dc.channel != nil && dc.channel.IsOpen() {
		b.WriteString("connected ")
	} else {
		b.WriteString("not connected ")
	}
	if dc.bound {
		b.WriteString("bind ")
	} else {
		b.WriteString("not bind ")
	}
	if dc.passive {
		b.WriteString("passive mode")
	} else {
		b.WriteString("active mode")
	}
	fmt.Fprintf(&b, "\nMode: %s localPort: %d remotePort: %d", dc.params.Mode, dc.local.Port(), dc.remote.Port())
	fmt.Fprintf(&b, "\nStructure: %s", dc.params.Structure)
	fmt.Fprintf(&b, "\nType: %s %s", dc.params.Type, dc.params.SubType)
	return b.String()
}

func (dc *DataConn) String() string {
	return strings.ReplaceAll(dc.Status(), "\n", " ")
}

// Clear releases the data side of the session and resets it to active mode.
func (dc *DataConn) Clear() error {
	dc.UnbindPassive()
	err := dc.control.Clear()
	dc.mu.Lock()
	dc.passive = false
	dc.local = netip.AddrPortFrom(dc.controlLocal, dc.cfg.ActiveDataPort)
	dc.remote = netip.AddrPortFrom(dc.remote.Addr(), 0)
	dc.mu.Unlock()
	return err
}

package dataconn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
)

// State is the lifecycle position of the transfer control of a session.
type State int

const (
	StateIdle State = iota
	StateOpening
	StateConnected
	StateExecuting
	StateFinalizing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOpening:
		return "opening"
	case StateConnected:
		return "connected"
	case StateExecuting:
		return "executing"
	case StateFinalizing:
		return "finalizing"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Replier receives the replies produced by the data side. SetReply stores the
// reply that ends the current command; WriteIntermediateReply sends it now.
type Replier interface {
	SetReply(code int, msg string)
	WriteIntermediateReply() error
}

// TransferHook runs after a successful or aborted transfer, before the final
// reply is sent. A *ReplyError returned by the hook replaces the reply.
type TransferHook interface {
	AfterTransferDoneBeforeAnswer(t *Transfer) error
}

// TransferHookFunc adapts a function to TransferHook.
type TransferHookFunc func(t *Transfer) error

func (f TransferHookFunc) AfterTransferDoneBeforeAnswer(t *Transfer) error { return f(t) }

// Executor moves the bytes of a transfer over the data stream.
type Executor interface {
	Execute(ctx context.Context, t *Transfer, s *Stream) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, t *Transfer, s *Stream) error

func (f ExecutorFunc) Execute(ctx context.Context, t *Transfer, s *Stream) error { return f(ctx, t, s) }

var errCancelled = errors.New("cancelled")

// future is a one-shot completion carrying an optional channel.
type future struct {
	done chan struct{}
	once sync.Once
	ch   *Channel
	err  error
}

func newFuture() *future {
	return &future{done: make(chan struct{})}
}

func (f *future) complete(ch *Channel, err error) bool {
	ok := false
	f.once.Do(func() {
		f.ch, f.err = ch, err
		close(f.done)
		ok = true
	})
	return ok
}

func (f *future) succeed() bool { return f.complete(nil, nil) }

func (f *future) cancel() bool { return f.complete(nil, errCancelled) }

func (f *future) isDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// usable reports whether f completed with a channel.
func (f *future) usable() bool {
	return f.isDone() && f.err == nil && f.ch != nil
}

// wait blocks until completion, ctx cancellation or timeout.
func (f *future) wait(ctx context.Context, timeout time.Duration) (*Channel, error) {
	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case <-f.done:
		return f.ch, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer:
		return nil, fmt.Errorf("no completion after %s", timeout)
	}
}

// Control drives the data connection and the transfer of one session through
// its lifecycle. At most one transfer runs at a time and it is finalized
// exactly once.
type Control struct {
	dc       *DataConn
	cfg      Config
	replier  Replier
	hook     TransferHook
	executor Executor
	refs     *SessionReference
	logger   *slog.Logger
	dial     func(ctx context.Context, local, remote netip.AddrPort) (net.Conn, error)

	mu           sync.Mutex
	state        State
	ready        bool
	opened       *future
	finishing    *future
	endOfCommand *future
	current      *Transfer
	channel      *Channel
	cancelWorker context.CancelFunc
	activeLocal  netip.AddrPort
	activeRemote netip.AddrPort
	activeHeld   bool
	workers      sync.WaitGroup
}

func newControl(dc *DataConn, opts Options) *Control {
	c := &Control{
		dc:       dc,
		cfg:      dc.cfg,
		replier:  opts.Replier,
		hook:     opts.Hook,
		executor: opts.Executor,
		refs:     dc.refs,
		logger:   dc.logger.With("module", "dataconn"),
		opened:   newFuture(),
	}
	if c.replier == nil {
		c.replier = nopReplier{}
	}
	c.dial = c.dialActive
	return c
}

type nopReplier struct{}

func (nopReplier) SetReply(int, string)          {}
func (nopReplier) WriteIntermediateReply() error { return nil }

func (c *Control) Logger() *slog.Logger {
	return c.logger
}

// DataConn returns the data connection driven by c.
func (c *Control) DataConn() *DataConn {
	return c.dc
}

func (c *Control) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Control) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// OpenDataConnection makes the data connection ready for the next transfer:
// it reuses a persistent connection, waits for the passive connection of the
// peer or dials the peer in active mode. The preliminary reply (125 or 150) is
// set on the replier; errors carry the 425 reply.
func (c *Control) OpenDataConnection(ctx context.Context) error {
	params := c.dc.Params()
	if ch, err := c.dc.Channel(); err == nil && ch.IsOpen() {
		if params.IsStreamFile() {
			c.logger.Error("data connection already open in stream mode", "status", c.dc.String())
			c.SetTransferAbortedFromInternal(false)
			return cannotOpen("Connection already open but should not since in Stream mode", nil)
		}
		c.replier.SetReply(125, params.Type.String()+" mode data connection already open")
		opened := newFuture()
		opened.complete(ch, nil)
		c.mu.Lock()
		c.opened = opened
		c.channel = ch
		c.state = StateConnected
		c.mu.Unlock()
		return nil
	}

	c.mu.Lock()
	if c.opened.isDone() && !c.opened.usable() {
		c.opened = newFuture()
	}
	c.state = StateOpening
	c.mu.Unlock()
	c.replier.SetReply(150, "Opening "+params.Type.String()+" mode data connection")

	var (
		ch  *Channel
		err error
	)
	if c.dc.IsPassiveMode() {
		ch, err = c.openPassive(ctx)
	} else {
		ch, err = c.openActive(ctx)
	}
	if err == nil {
		err = c.dc.SetNewOpenedDataChannel(ch)
	}
	if err != nil {
		c.setState(StateIdle)
		return err
	}
	c.mu.Lock()
	c.channel = ch
	c.state = StateConnected
	c.mu.Unlock()
	c.logger.Debug("data connection opened", "local", ch.LocalAddr(), "remote", ch.RemoteAddr())
	return nil
}

func (c *Control) openPassive(ctx context.Context) (*Channel, error) {
	if !c.dc.IsBound() {
		c.resetWaitForOpenedDataChannel()
		return nil, cannotOpen("No passive data connection prepared", nil)
	}
	ch, err := c.waitForOpenedDataChannel(ctx)
	if err != nil {
		c.logger.Warn("passive data connection not opened", "local", c.dc.LocalAddr(), "error", err)
		c.dc.UnbindPassive()
		return nil, cannotOpen("Cannot open passive data connection", err)
	}
	return ch, nil
}

func (c *Control) openActive(ctx context.Context) (*Channel, error) {
	local, remote := c.dc.LocalAddr(), c.dc.RemoteAddr()
	if !c.refs.Register(local, remote, c) {
		return nil, cannotOpen("Cannot open active data connection since remote address already in use", nil)
	}
	c.mu.Lock()
	c.activeLocal, c.activeRemote, c.activeHeld = local, remote, true
	c.mu.Unlock()

	var (
		conn net.Conn
		err  error
	)
	for i := 0; i < c.cfg.RetryCount; i++ {
		conn, err = c.dial(ctx, local, remote)
		if err == nil {
			break
		}
		c.logger.Debug("active connection attempt failed", "remote", remote, "attempt", i+1, "error", err)
		if sleepCtx(ctx, c.cfg.RetryDelay) != nil {
			break
		}
	}
	if err != nil {
		c.releaseActive()
		return nil, cannotOpen("Cannot open active data connection", err)
	}
	c.SetOpenedDataChannel(conn)
	ch, err := c.waitForOpenedDataChannel(ctx)
	if err != nil {
		_ = conn.Close()
		c.releaseActive()
		return nil, cannotOpen("Cannot open active data connection", err)
	}
	return ch, nil
}

func (c *Control) dialActive(ctx context.Context, local, remote netip.AddrPort) (net.Conn, error) {
	d := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	if local.IsValid() {
		d.LocalAddr = net.TCPAddrFromAddrPort(local)
		if local.Port() != 0 {
			d.Control = reuseAddr
		}
	}
	return d.DialContext(ctx, "tcp", remote.String())
}

func (c *Control) releaseActive() {
	c.mu.Lock()
	held := c.activeHeld
	local, remote := c.activeLocal, c.activeRemote
	c.activeHeld = false
	c.mu.Unlock()
	if held {
		c.refs.Unregister(local, remote, c)
	}
}

func (c *Control) waitForOpenedDataChannel(ctx context.Context) (*Channel, error) {
	c.mu.Lock()
	opened := c.opened
	c.mu.Unlock()
	ch, err := opened.wait(ctx, c.cfg.DataTimeout)
	if err != nil {
		opened.cancel()
		return nil, err
	}
	if ch == nil || !ch.IsOpen() {
		return nil, ErrNoConnection
	}
	return ch, nil
}

// SetOpenedDataChannel hands a freshly established data connection to the
// session. A nil conn cancels the pending open. A connection nobody waits
// for is closed.
func (c *Control) SetOpenedDataChannel(conn net.Conn) {
	c.mu.Lock()
	opened := c.opened
	c.mu.Unlock()
	if conn == nil {
		opened.cancel()
		return
	}
	ch := NewChannel(conn, c.dataChannelClosed)
	if !opened.complete(ch, nil) {
		c.logger.Warn("data connection arrived with no pending open", "remote", conn.RemoteAddr())
		_ = ch.Close()
	}
}

// resetWaitForOpenedDataChannel wakes any pending open without a channel and
// arms a new one.
func (c *Control) resetWaitForOpenedDataChannel() {
	c.mu.Lock()
	old := c.opened
	c.opened = newFuture()
	current := c.channel
	c.mu.Unlock()
	old.succeed()
	if old.ch != nil && old.ch != current {
		_ = old.ch.Close()
	}
}

// dataChannelClosed runs when the peer closes the data connection.
func (c *Control) dataChannelClosed(ch *Channel) {
	if c.dc.CheckCorrectChannel(ch) {
		c.SetPreEndOfTransfer()
		return
	}
	c.logger.Debug("unexpected data channel closed", "remote", ch.RemoteAddr())
	c.SetTransferAbortedFromInternal(true)
}

// SetNewFtpTransfer starts t on the open data connection. The bytes are moved
// by the executor in its own goroutine; the final reply is produced when the
// transfer is finalized. It fails with ErrTransferInProgress while another
// transfer runs.
func (c *Control) SetNewFtpTransfer(ctx context.Context, t *Transfer) error {
	if t == nil {
		return errors.New("nil transfer")
	}
	c.mu.Lock()
	if c.state == StateExecuting || c.state == StateFinalizing {
		c.mu.Unlock()
		return ErrTransferInProgress
	}
	c.state = StateExecuting
	c.current = t
	c.ready = true
	c.finishing = newFuture()
	c.endOfCommand = newFuture()
	opened := c.opened
	c.mu.Unlock()
	c.logger.Debug("transfer started", "transfer", t)

	ch, err := opened.wait(ctx, c.cfg.DataTimeout)
	if err == nil && (ch == nil || !ch.IsOpen()) {
		err = ErrNoConnection
	}
	var s *Stream
	if err == nil {
		s, err = c.dc.stream(ch)
	}
	if err != nil {
		c.logger.Error("transfer cannot start", "transfer", t, "error", err)
		c.abortFromInternal(t, false)
		return fmt.Errorf("starting %s: %w", t, err)
	}
	if c.executor == nil {
		c.abortFromInternal(t, false)
		return fmt.Errorf("starting %s: no executor", t)
	}
	if !c.dc.IsStreamFile() {
		ch.Pause()
	}

	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.mu.Lock()
	c.cancelWorker = cancel
	c.mu.Unlock()
	c.workers.Add(1)
	go c.run(wctx, cancel, t, ch, s)
	return nil
}

func (c *Control) run(ctx context.Context, cancel context.CancelFunc, t *Transfer, ch *Channel, s *Stream) {
	defer c.workers.Done()
	defer cancel()
	ch.Resume()
	err := c.executor.Execute(ctx, t, s)
	if err == nil {
		// a cancelled command keeps its cancellation
		c.SetPreEndOfTransfer()
		err = c.WaitForEndOfTransfer(ctx)
	}
	if err != nil {
		c.logger.Warn("transfer failed", "transfer", t, "error", err)
		t.SetStatus(false)
		c.abortFromInternal(t, false)
		return
	}
	c.checkEndOfTransfer(t)
}

// WaitForEndOfTransfer blocks until the data side reports the end of the
// current command. It returns ErrTransferAborted when the command was
// cancelled or did not end within the data timeout.
func (c *Control) WaitForEndOfTransfer(ctx context.Context) error {
	c.mu.Lock()
	eoc := c.endOfCommand
	c.mu.Unlock()
	if eoc == nil {
		return nil
	}
	if _, err := eoc.wait(ctx, c.cfg.DataTimeout); err != nil {
		return fmt.Errorf("%w: %w", ErrTransferAborted, err)
	}
	return nil
}

// SetPreEndOfTransfer signals that the data side has seen the end of the
// current command.
func (c *Control) SetPreEndOfTransfer() {
	c.mu.Lock()
	eoc := c.endOfCommand
	c.mu.Unlock()
	if eoc != nil {
		eoc.succeed()
	}
}

// SetEndOfTransfer finalizes the current transfer. Only the first call for a
// transfer has an effect.
func (c *Control) SetEndOfTransfer() {
	c.checkEndOfTransfer(nil)
}

// SetTransferAbortedFromInternal aborts the current transfer. With write set
// the 426 reply is sent at once instead of waiting for the end of the command.
// Without a transfer in progress only the data connection is closed.
func (c *Control) SetTransferAbortedFromInternal(write bool) {
	c.abortFromInternal(nil, write)
}

func (c *Control) abortFromInternal(expect *Transfer, write bool) {
	c.mu.Lock()
	switch c.state {
	case StateIdle:
		c.mu.Unlock()
		if expect == nil {
			c.endDataConnection()
		}
		return
	case StateFinalizing:
		eoc := c.endOfCommand
		c.mu.Unlock()
		if eoc != nil {
			eoc.cancel()
		}
		return
	}
	if expect != nil && c.current != expect {
		c.mu.Unlock()
		return
	}
	t := c.current
	eoc := c.endOfCommand
	c.state = StateFinalizing
	c.mu.Unlock()

	c.abortTransfer(t)
	if write {
		if err := c.replier.WriteIntermediateReply(); err != nil {
			c.logger.Warn("writing abort reply", "error", err)
		}
	}
	if eoc != nil && eoc.cancel() {
		c.logger.Debug("command cancelled", "transfer", t)
	}
}

// Wait blocks until the current transfer is finalized or ctx is done.
func (c *Control) Wait(ctx context.Context) error {
	c.mu.Lock()
	finishing := c.finishing
	c.mu.Unlock()
	if finishing == nil {
		return nil
	}
	_, err := finishing.wait(ctx, 0)
	return err
}

// IsFtpTransferExecuting reports whether a transfer is in progress.
func (c *Control) IsFtpTransferExecuting() bool {
	s := c.State()
	return s == StateExecuting || s == StateFinalizing
}

// ExecutingTransfer returns the current transfer, polling briefly for one to
// be installed.
func (c *Control) ExecutingTransfer() (*Transfer, error) {
	for i := 0; i < c.cfg.RetryCount*10; i++ {
		c.mu.Lock()
		t := c.current
		c.mu.Unlock()
		if t != nil {
			return t, nil
		}
		time.Sleep(c.cfg.MinimalDelay)
	}
	return nil, ErrNoTransfer
}

// IsExecutingRetrLikeTransfer reports whether a retrieve is in progress and
// its file is still being read.
func (c *Control) IsExecutingRetrLikeTransfer() bool {
	c.mu.Lock()
	t := c.current
	executing := c.state == StateExecuting || c.state == StateFinalizing
	c.mu.Unlock()
	if !executing || t == nil || t.Kind() != KindRetrieve {
		return false
	}
	f, err := t.File()
	if err != nil {
		return false
	}
	reading, err := f.IsInReading()
	return err == nil && reading
}

// WaitForDataNetworkHandlerReady blocks until a transfer has installed its
// data handler.
func (c *Control) WaitForDataNetworkHandlerReady(ctx context.Context) error {
	for i := 0; i < c.cfg.RetryCount*10; i++ {
		if c.isReady() {
			return nil
		}
		if err := sleepCtx(ctx, c.cfg.RetryDelay); err != nil {
			return err
		}
	}
	return errors.New("data handler not ready")
}

func (c *Control) isReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Clear ends whatever the session has in flight and returns to idle.
func (c *Control) Clear() error {
	var result *multierror.Error
	if err := c.endDataConnection(); err != nil {
		result = multierror.Append(result, err)
	}
	c.mu.Lock()
	eoc := c.endOfCommand
	cancel := c.cancelWorker
	c.cancelWorker = nil
	c.mu.Unlock()

	c.finalizeExecution()
	if eoc != nil && eoc.cancel() {
		c.logger.Debug("command cancelled on clear")
	}
	if cancel != nil {
		cancel()
	}
	c.workers.Wait()
	c.releaseActive()
	return result.ErrorOrNil()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

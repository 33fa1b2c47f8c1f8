package ftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/telebroad/ftpserver/dataconn"
	"github.com/telebroad/ftpserver/tools"
	"github.com/telebroad/ftpserver/users"
)

// MaxCommandLength bounds a control line.
const MaxCommandLength = 4096

var errSessionClosed = errors.New("session closed")

type handlerMap map[string]func(cmd string, arg string) error

// Session represents an individual client FTP session.
type Session struct {
	ID      string
	server  *Server
	conn    net.Conn
	rw      *tools.BufLogReadWriter
	local   netip.AddrPort
	remote  netip.AddrPort
	logger  *slog.Logger
	dc      *dataconn.DataConn
	control *dataconn.Control

	handlers     handlerMap
	helpCommands string

	ctx    context.Context
	cancel context.CancelFunc

	writeMu sync.Mutex // serializes replies

	mu              sync.Mutex // guards the fields below
	busy            bool
	pendingSet      bool
	pendingCode     int
	pendingMsg      string
	username        string
	user            *users.User
	isAuthenticated bool
	workingDir      string
	renamingFile    string
	restart         int64
	cmdCtx          context.Context // context of the command being dispatched

	transfers sync.WaitGroup
}

var _ dataconn.Replier = &Session{}

func newSession(srv *Server, conn net.Conn) *Session {
	s := &Session{
		ID:         uuid.NewString(),
		server:     srv,
		conn:       conn,
		local:      netAddrPort(conn.LocalAddr()),
		remote:     netAddrPort(conn.RemoteAddr()),
		workingDir: srv.fs.RootDir(),
	}
	s.logger = srv.Logger().With("session_id", s.ID, "remote", s.remote.String())
	s.rw = tools.NewBufLogReadWriter(conn, s.logger)
	s.dc = dataconn.NewDataConn(s.local, s.remote, dataconn.Options{
		Passive:  srv.passives,
		Refs:     srv.refs,
		Replier:  s,
		Hook:     srv.hook,
		Executor: transferExecutor{s: s},
		Config:   srv.dataCfg,
		Logger:   s.logger,
	})
	s.control = s.dc.Control()
	s.handlers = s.handlerMap()
	names := make([]string, 0, len(s.handlers))
	for k := range s.handlers {
		names = append(names, k)
	}
	sort.Strings(names)
	s.helpCommands = strings.Join(names, " ")
	return s
}

func netAddrPort(a net.Addr) netip.AddrPort {
	if tcp, ok := a.(*net.TCPAddr); ok {
		ap := tcp.AddrPort()
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	if a == nil {
		return netip.AddrPort{}
	}
	ap, _ := netip.ParseAddrPort(a.String())
	return ap
}

type command struct {
	line   string
	err    error
	ctx    context.Context
	cancel context.CancelFunc
}

// serve runs the session: a reader goroutine feeds the lines to the dispatch
// loop so ABOR and STAT are read while a transfer runs.
func (s *Session) serve(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	defer s.close()

	s.logger.Info("session started", "local", s.local.String())
	if err := s.reply(StatusServiceReadyForNewUser, s.server.welcome); err != nil {
		return
	}

	done := make(chan struct{})
	defer close(done)
	cmds := s.startCommandReader(done)

	for {
		select {
		case <-s.ctx.Done():
			s.reply(StatusServiceNotAvailable, "Server is shutting down")
			return
		case c, ok := <-cmds:
			if !ok {
				return
			}
			if c.err != nil {
				c.cancel()
				if !errors.Is(c.err, io.EOF) && !errors.Is(c.err, net.ErrClosed) {
					s.logger.Warn("read error", "error", c.err)
				}
				return
			}
			s.mu.Lock()
			s.cmdCtx = c.ctx
			s.mu.Unlock()
			err := s.handleCommand(c.line)
			c.cancel()
			if err != nil {
				if !errors.Is(err, errSessionClosed) {
					s.logger.Warn("session ended", "error", err)
				}
				return
			}
		}
	}
}

// startCommandReader reads the control lines. Each command gets its own
// context; reading ABOR cancels the context of the command dispatched before
// it, so a data connection still being opened is given up.
func (s *Session) startCommandReader(done chan struct{}) chan command {
	cmds := make(chan command)
	go func() {
		defer close(cmds)
		var prev context.CancelFunc
		for {
			line, err := s.readCommand()
			if err == nil && prev != nil && isAbort(line) {
				prev()
			}
			ctx, cancel := context.WithCancel(s.ctx)
			prev = cancel
			select {
			case cmds <- command{line, err, ctx, cancel}:
			case <-done:
				cancel()
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return cmds
}

func isAbort(line string) bool {
	cmd, _, _ := strings.Cut(strings.TrimSpace(line), " ")
	return strings.EqualFold(cmd, ABOR)
}

// commandContext returns the context of the command being dispatched.
func (s *Session) commandContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmdCtx == nil {
		return s.ctx
	}
	return s.cmdCtx
}

func (s *Session) readCommand() (string, error) {
	var line []byte
	for {
		b, err := s.rw.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '\n' {
			return strings.TrimRight(string(line), "\r"), nil
		}
		if len(line) >= MaxCommandLength {
			return "", errors.New("command too long")
		}
		line = append(line, b)
	}
}

// allowedWhileBusy are the commands served while a transfer runs.
var allowedWhileBusy = map[string]bool{ABOR: true, STAT: true, NOOP: true, QUIT: true}

// allowedBeforeLogin are the commands served to an anonymous session.
var allowedBeforeLogin = map[string]bool{
	USER: true, PASS: true, QUIT: true, SYST: true, FEAT: true, NOOP: true, HELP: true, OPTS: true,
}

// handleCommand parses and dispatches one control line. A returned error ends
// the session.
func (s *Session) handleCommand(line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	cmd, arg, _ := strings.Cut(line, " ")
	cmd = strings.ToUpper(cmd)
	arg = strings.TrimSpace(arg)

	logArg := arg
	if cmd == PASS {
		logArg = "***"
	}
	s.logger.Debug("command received", "command", cmd, "arg", logArg)

	s.mu.Lock()
	busy := s.busy
	authenticated := s.isAuthenticated
	s.mu.Unlock()

	if busy && !allowedWhileBusy[cmd] {
		return s.reply(StatusBadSequenceOfCommands, "Transfer in progress, please ABOR or wait")
	}
	handler, ok := s.handlers[cmd]
	if !ok {
		return s.UnknownCommand(cmd, arg)
	}
	if !authenticated && !allowedBeforeLogin[cmd] {
		return s.reply(StatusNotLoggedIn, "Please login with USER and PASS")
	}
	return handler(cmd, arg)
}

// reply writes a single line reply.
func (s *Session) reply(code int, msg string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := fmt.Fprintf(s.rw, "%d %s\r\n", code, msg); err != nil {
		return fmt.Errorf("writing reply: %w", err)
	}
	return nil
}

// replyLines writes a multi line reply, each line prefixed by a space.
func (s *Session) replyLines(code int, header string, lines []string, footer string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%d-%s\r\n", code, header)
	for _, l := range lines {
		for _, part := range strings.Split(l, "\n") {
			fmt.Fprintf(&b, " %s\r\n", part)
		}
	}
	fmt.Fprintf(&b, "%d %s\r\n", code, footer)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := io.WriteString(s.rw, b.String()); err != nil {
		return fmt.Errorf("writing reply: %w", err)
	}
	return nil
}

// replyError answers with the reply carried by err, or with code.
func (s *Session) replyError(code int, err error) error {
	var re *dataconn.ReplyError
	if errors.As(err, &re) {
		return s.reply(re.Code, re.Msg)
	}
	return s.reply(code, err.Error())
}

// SetReply stores the reply that ends the current command.
func (s *Session) SetReply(code int, msg string) {
	s.mu.Lock()
	s.pendingSet, s.pendingCode, s.pendingMsg = true, code, msg
	s.mu.Unlock()
}

// WriteIntermediateReply sends the stored reply, if any.
func (s *Session) WriteIntermediateReply() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushPendingLocked()
}

func (s *Session) flushPendingLocked() error {
	if !s.pendingSet {
		return nil
	}
	code, msg := s.pendingCode, s.pendingMsg
	s.pendingSet = false
	return s.reply(code, msg)
}

// amendPendingReply replaces the message of the stored reply.
func (s *Session) amendPendingReply(msg string) {
	s.mu.Lock()
	if s.pendingSet {
		s.pendingMsg = msg
	}
	s.mu.Unlock()
}

func (s *Session) dropPending() {
	s.mu.Lock()
	s.pendingSet = false
	s.mu.Unlock()
}

func (s *Session) setBusy(busy bool) {
	s.mu.Lock()
	s.busy = busy
	s.mu.Unlock()
}

// IsBusy reports whether a transfer is in progress.
func (s *Session) IsBusy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// DataConn returns the data connection of the session.
func (s *Session) DataConn() *dataconn.DataConn {
	return s.dc
}

// validateActiveIP ensures the data connection target matches the control
// connection source.
func (s *Session) validateActiveIP(ip netip.Addr) bool {
	return ip.Unmap() == s.remote.Addr()
}

func (s *Session) close() {
	s.cancel()
	if err := s.dc.Clear(); err != nil {
		s.logger.Warn("clearing data connection", "error", err)
	}
	s.transfers.Wait()
	s.conn.Close()
	s.logger.Info("session closed")
}

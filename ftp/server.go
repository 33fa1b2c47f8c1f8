package ftp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"runtime/debug"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/telebroad/ftpserver/dataconn"
	"github.com/telebroad/ftpserver/filesystem"
	"github.com/telebroad/ftpserver/users"
)

// ErrServerClosed is returned by Serve after Close.
var ErrServerClosed = errors.New("ftp: server closed")

const DefaultWelcomeMessage = "Welcome to the FTP server"

type Server struct {
	addr     string
	fs       filesystem.FS
	users    users.Users
	logger   *slog.Logger
	welcome  string
	hook     dataconn.TransferHook
	dataCfg  dataconn.Config
	pasvMin  uint16
	pasvMax  uint16
	publicIP netip.Addr

	refs     *dataconn.SessionReference
	passives *dataconn.PassiveRegistry
	ports    *dataconn.PortAllocator
	sessions *SessionManager

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	closed   bool
	conns    sync.WaitGroup
}

// NewServer creates a new FTP server listening on addr and serving fs.
func NewServer(addr string, fs filesystem.FS, u users.Users, opts ...Option) (*Server, error) {
	if fs == nil {
		return nil, errors.New("ftp: nil file system")
	}
	if u == nil {
		return nil, errors.New("ftp: nil users")
	}
	s := &Server{
		addr:     addr,
		fs:       fs,
		users:    u,
		welcome:  DefaultWelcomeMessage,
		dataCfg:  dataconn.DefaultConfig(),
		sessions: NewSessionManager(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.refs = dataconn.NewSessionReference()
	s.passives = dataconn.NewPassiveRegistry(s.refs)
	s.passives.ConnectTimeout = s.dataCfg.ConnectTimeout
	s.ports = dataconn.NewPortAllocator(s.pasvMin, s.pasvMax, s.passives)
	s.SetLogger(s.logger)
	return s, nil
}

// SetLogger sets the logger for the server.
func (s *Server) SetLogger(l *slog.Logger) {
	s.logger = l
	if s.refs != nil {
		s.refs.SetLogger(s.Logger().With("module", "session-reference"))
	}
	if s.passives != nil {
		s.passives.SetLogger(s.Logger().With("module", "passive-registry"))
	}
}

// Logger returns the logger for the server.
func (s *Server) Logger() *slog.Logger {
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s.logger
}

// SetPublicServerIPv4 sets the address announced in PASV replies.
func (s *Server) SetPublicServerIPv4(ip string) error {
	return WithPublicIPv4(ip)(s)
}

// Sessions returns the sessions of the server.
func (s *Server) Sessions() *SessionManager {
	return s.sessions
}

// Addr returns the address the server listens on, nil before it listens.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ListenAndServe listens on the server address and serves the connections.
func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("error starting server: %w", err)
	}
	return s.Serve(l)
}

// TryListenAndServe tries to start the FTP server if there isn't an error after a certain time it returns nil
func (s *Server) TryListenAndServe(d time.Duration) error {
	errC := make(chan error, 1)
	go func() {
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, ErrServerClosed) {
			errC <- err
		}
	}()

	select {
	case err := <-errC:
		return err
	case <-time.After(d):
		return nil
	}
}

// Serve accepts connections on l until Close.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		l.Close()
		return ErrServerClosed
	}
	s.listener = l
	s.mu.Unlock()
	s.Logger().Info("ftp server listening", "addr", l.Addr().String())

	for {
		conn, err := l.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				s.Logger().Warn("accept timeout", "error", err)
				continue
			}
			return fmt.Errorf("error accepting connection: %w", err)
		}
		s.conns.Add(1)
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.conns.Done()
	defer func() {
		if r := recover(); r != nil {
			s.Logger().Error("recovered from panic", "panic", r, "stack", string(debug.Stack()))
			conn.Close()
		}
	}()

	session := newSession(s, conn)
	s.sessions.Add(session.ID, session)
	defer s.sessions.Remove(session.ID)
	session.serve(s.ctx)
}

// Close stops the listener, ends every session and closes the shared passive
// listeners.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	l := s.listener
	s.mu.Unlock()

	var result *multierror.Error
	if l != nil {
		if err := l.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("closing listener: %w", err))
		}
	}
	s.cancel()
	s.sessions.Range(func(id string, session *Session) bool {
		session.conn.Close()
		return true
	})
	s.conns.Wait()
	if err := s.passives.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	s.Logger().Info("ftp server closed")
	return result.ErrorOrNil()
}

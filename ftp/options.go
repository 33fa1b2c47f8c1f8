package ftp

import (
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/telebroad/ftpserver/dataconn"
)

// Option configures a Server.
type Option func(*Server) error

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) error {
		s.logger = l
		return nil
	}
}

// WithPublicIPv4 sets the address announced in PASV replies, by default the
// local address of the control connection.
func WithPublicIPv4(ip string) Option {
	return func(s *Server) error {
		if ip == "" {
			s.publicIP = netip.Addr{}
			return nil
		}
		addr, err := netip.ParseAddr(ip)
		if err != nil {
			return fmt.Errorf("error parsing public ip: %w", err)
		}
		addr = addr.Unmap()
		if !addr.Is4() {
			return fmt.Errorf("public ip %s is not IPv4", ip)
		}
		s.publicIP = addr
		return nil
	}
}

// WithPassivePortRange limits the passive listeners to [min, max]. Without a
// range the kernel picks the ports.
func WithPassivePortRange(min, max int) Option {
	return func(s *Server) error {
		if min == 0 && max == 0 {
			return nil
		}
		if min <= 0 || max > 65535 || min > max {
			return fmt.Errorf("invalid passive port range %d-%d", min, max)
		}
		s.pasvMin, s.pasvMax = uint16(min), uint16(max)
		return nil
	}
}

func WithDataTimeout(d time.Duration) Option {
	return func(s *Server) error {
		s.dataCfg.DataTimeout = d
		return nil
	}
}

func WithConnectTimeout(d time.Duration) Option {
	return func(s *Server) error {
		s.dataCfg.ConnectTimeout = d
		return nil
	}
}

// WithActiveDataPort sets the local port of active data connections, 20 on a
// classic server, 0 for any.
func WithActiveDataPort(port int) Option {
	return func(s *Server) error {
		if port < 0 || port > 65535 {
			return fmt.Errorf("invalid active data port %d", port)
		}
		s.dataCfg.ActiveDataPort = uint16(port)
		return nil
	}
}

// WithDataConfig replaces the whole data channel configuration.
func WithDataConfig(cfg dataconn.Config) Option {
	return func(s *Server) error {
		s.dataCfg = cfg
		return nil
	}
}

func WithWelcomeMessage(msg string) Option {
	return func(s *Server) error {
		s.welcome = msg
		return nil
	}
}

// WithHook sets the hook run after each transfer before its final reply.
func WithHook(h dataconn.TransferHook) Option {
	return func(s *Server) error {
		s.hook = h
		return nil
	}
}

package ftp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/telebroad/ftpserver/dataconn"
	"github.com/telebroad/ftpserver/tools"
)

var errUnsupportedTransfer = errors.New("unsupported transfer")

func (s *Session) dataTimeout() time.Duration {
	if d := s.server.dataCfg.DataTimeout; d > 0 {
		return d
	}
	return dataconn.DefaultConfig().DataTimeout
}

// TypeCommand handles the TYPE command from the client.
func (s *Session) TypeCommand(cmd, arg string) error {
	t, sub, err := dataconn.ParseType(arg)
	if err != nil {
		return s.reply(StatusCommandNotImplementedForParam, err.Error())
	}
	s.dc.SetType(t)
	s.dc.SetSubType(sub)
	return s.reply(StatusCommandOK, "Type set to "+strings.ToUpper(strings.TrimSpace(arg)))
}

// ModeCommand handles the MODE command from the client.
func (s *Session) ModeCommand(cmd, arg string) error {
	m, err := dataconn.ParseMode(arg)
	if err != nil {
		return s.reply(StatusSyntaxErrorInParameters, err.Error())
	}
	if m == dataconn.ModeCompressed || m == dataconn.ModeZlib {
		return s.reply(StatusCommandNotImplementedForParam, fmt.Sprintf("Mode %s not implemented", m))
	}
	s.dc.SetMode(m)
	return s.reply(StatusCommandOK, "Mode set to "+m.String())
}

// StruCommand handles the STRU command from the client.
func (s *Session) StruCommand(cmd, arg string) error {
	st, err := dataconn.ParseStructure(arg)
	if err != nil {
		return s.reply(StatusCommandNotImplementedForParam, err.Error())
	}
	if st != dataconn.StructureFile {
		return s.reply(StatusCommandNotImplementedForParam, fmt.Sprintf("Structure %s not implemented", st))
	}
	s.dc.SetStructure(st)
	return s.reply(StatusCommandOK, "Structure set to "+st.String())
}

// passiveAttempts bounds the ports tried when a shared port is already
// registered for the same client.
const passiveAttempts = 3

// preparePassive opens or shares the passive listener of the session and
// returns its port.
func (s *Session) preparePassive() (uint16, error) {
	var err error
	for i := 0; i < passiveAttempts; i++ {
		var port uint16
		port, err = s.server.ports.Next(s.local.Addr())
		if err != nil {
			return 0, err
		}
		s.dc.SetPassive(port)
		if err = s.dc.InitPassiveConnection(s.ctx); err == nil {
			return s.dc.LocalAddr().Port(), nil
		}
		if !dataconn.IsCannotOpen(err) {
			return 0, err
		}
		s.logger.Debug("passive port taken for this client", "port", port, "attempt", i+1)
	}
	return 0, err
}

// PassiveModeCommand handles the PASV command from the client.
func (s *Session) PassiveModeCommand(cmd, arg string) error {
	ip := s.server.publicIP
	if !ip.IsValid() {
		ip = s.local.Addr()
	}
	if !ip.Unmap().Is4() {
		return s.reply(StatusCantOpenDataConnection, "PASV needs IPv4, use EPSV")
	}
	port, err := s.preparePassive()
	if err != nil {
		s.logger.Warn("passive mode failed", "error", err)
		return s.replyError(StatusCantOpenDataConnection, err)
	}
	return s.reply(StatusEnteringPassiveMode, fmt.Sprintf("Entering Passive Mode (%s)", pasvAddress(ip, port)))
}

// ExtendedPassiveModeCommand handles the EPSV command from the client.
func (s *Session) ExtendedPassiveModeCommand(cmd, arg string) error {
	if strings.EqualFold(arg, "ALL") {
		return s.reply(StatusCommandOK, "EPSV ALL ok.")
	}
	port, err := s.preparePassive()
	if err != nil {
		s.logger.Warn("extended passive mode failed", "error", err)
		return s.replyError(StatusCantOpenDataConnection, err)
	}
	return s.reply(StatusEnteringExtendedPassiveMode, fmt.Sprintf("Entering Extended Passive Mode (|||%d|)", port))
}

// ActiveModeCommand handles the PORT command from the client.
func (s *Session) ActiveModeCommand(cmd, arg string) error {
	addr, err := parsePortArg(arg)
	if err != nil {
		return s.reply(StatusSyntaxErrorInParameters, "Syntax error in parameters or arguments.")
	}
	return s.setActive(cmd, addr)
}

// ExtendedActiveModeCommand handles the EPRT command from the client.
func (s *Session) ExtendedActiveModeCommand(cmd, arg string) error {
	addr, err := parseEPRTArg(arg)
	if err != nil {
		return s.reply(StatusSyntaxErrorInParameters, "Syntax error in parameters or arguments.")
	}
	return s.setActive(cmd, addr)
}

func (s *Session) setActive(cmd string, addr netip.AddrPort) error {
	if !s.validateActiveIP(addr.Addr()) {
		s.logger.Warn("active address differs from the control peer", "command", cmd, "addr", addr.String())
		return s.reply(StatusSyntaxErrorInParameters, "Illegal "+cmd+" command: address mismatch")
	}
	s.dc.SetActive(addr)
	return s.reply(StatusCommandOK, cmd+" command successful.")
}

// RetrieveCommand handles the RETR command from the client.
func (s *Session) RetrieveCommand(cmd, arg string) error {
	offset := s.takeRestart()
	if arg == "" {
		return s.reply(StatusSyntaxErrorInParameters, "No file name given")
	}
	filename := s.abs(arg)
	f, err := s.server.fs.Open(filename, offset)
	if err != nil {
		return s.reply(StatusFileUnavailable, "Error opening the file: "+err.Error())
	}
	return s.startTransfer(dataconn.NewFileTransfer(cmd, f, filename))
}

type spaceChecker interface {
	Available(fileName string) (uint64, error)
}

// SaveCommand handles the STOR and APPE commands from the client.
func (s *Session) SaveCommand(cmd, arg string) error {
	if arg == "" {
		s.takeRestart()
		return s.reply(StatusSyntaxErrorInParameters, "No file name given")
	}
	return s.save(cmd, s.abs(arg))
}

// StoreUniqueCommand handles the STOU command from the client: the file is
// stored under a new name in the working directory, or next to arg.
func (s *Session) StoreUniqueCommand(cmd, arg string) error {
	s.takeRestart()
	filename, err := s.uniqueName(arg)
	if err != nil {
		return s.reply(StatusFileUnavailable, "Cannot create a unique file name: "+err.Error())
	}
	return s.save(cmd, filename)
}

// uniqueName returns a path that does not exist yet, built from the
// requested name when there is one.
func (s *Session) uniqueName(arg string) (string, error) {
	dir, base := s.cwd(), "ftp"
	if arg != "" {
		p := s.abs(arg)
		if _, _, err := s.server.fs.Stat(p); err != nil {
			return p, nil
		}
		dir, base = path.Dir(p), path.Base(p)
	}
	for i := 0; i < 10; i++ {
		name := path.Join(dir, base+"."+strings.SplitN(uuid.NewString(), "-", 2)[0])
		if _, _, err := s.server.fs.Stat(name); err != nil {
			return name, nil
		}
	}
	return "", fmt.Errorf("no free name for %s in %s", base, dir)
}

func (s *Session) save(cmd, filename string) error {
	offset := s.takeRestart()
	if sc, ok := s.server.fs.(spaceChecker); ok {
		if avail, err := sc.Available(filename); err == nil && avail == 0 {
			return s.reply(StatusInsufficientStorage, "Insufficient storage space")
		}
	}
	f, err := s.server.fs.Create(filename, cmd == APPE, offset)
	if err != nil {
		return s.reply(StatusFileUnavailable, "Error writing to the file: "+err.Error())
	}
	return s.startTransfer(dataconn.NewFileTransfer(cmd, f, filename))
}

// ListCommand handles LIST, NLST and MLSD.
func (s *Session) ListCommand(cmd, arg string) error {
	s.takeRestart()
	target := s.abs(listArg(arg))
	var (
		lines []string
		err   error
	)
	switch cmd {
	case NLST:
		lines, err = s.server.fs.Names(target)
	case MLSD:
		lines, _, err = s.server.fs.Dir(target)
	default:
		lines, err = s.server.fs.List(target)
	}
	if err != nil {
		return s.reply(StatusFileUnavailable, "Error getting directory listing: "+err.Error())
	}
	return s.startTransfer(dataconn.NewListTransfer(cmd, lines, target))
}

// startTransfer opens the data connection and hands t to the transfer
// control. The final reply is sent once the transfer is finalized.
func (s *Session) startTransfer(t *dataconn.Transfer) error {
	if err := s.control.OpenDataConnection(s.commandContext()); err != nil {
		s.dropPending()
		closeTransferFile(t)
		s.logger.Warn("cannot open data connection", "transfer", t.String(), "error", err)
		return s.replyError(StatusCantOpenDataConnection, err)
	}
	if t.Verb() == STOU {
		s.amendPendingReply(fmt.Sprintf("FILE: %s", path.Base(t.Path())))
	}
	if err := s.WriteIntermediateReply(); err != nil {
		return err
	}

	s.setBusy(true)
	if err := s.control.SetNewFtpTransfer(s.ctx, t); err != nil {
		s.logger.Warn("transfer not started", "transfer", t.String(), "error", err)
		s.mu.Lock()
		hadReply := s.pendingSet
		werr := s.flushPendingLocked()
		s.busy = false
		s.mu.Unlock()
		if !hadReply {
			closeTransferFile(t)
			return s.replyError(StatusLocalProcessingError, err)
		}
		return werr
	}

	s.transfers.Add(1)
	go func() {
		defer s.transfers.Done()
		if err := s.control.Wait(s.ctx); err != nil {
			s.logger.Debug("transfer wait ended", "transfer", t.String(), "error", err)
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if err := s.flushPendingLocked(); err != nil {
			s.logger.Warn("writing final reply", "transfer", t.String(), "error", err)
		}
		s.busy = false
	}()
	return nil
}

func closeTransferFile(t *dataconn.Transfer) {
	if f, err := t.File(); err == nil {
		_ = f.AbortFile()
	}
}

// RestartCommand handles the REST command from the client. The offset
// applies to the next RETR or STOR only.
func (s *Session) RestartCommand(cmd, arg string) error {
	offset, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || offset < 0 {
		return s.reply(StatusSyntaxErrorInParameters, "Invalid restart position: "+arg)
	}
	s.mu.Lock()
	s.restart = offset
	s.mu.Unlock()
	if offset == 0 {
		return s.reply(StatusFileActionPending, "Ready for file transfer.")
	}
	return s.reply(StatusFileActionPending, fmt.Sprintf("Restarting at %d. Send STORE or RETRIEVE.", offset))
}

// takeRestart returns the REST offset and resets it.
func (s *Session) takeRestart() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	offset := s.restart
	s.restart = 0
	return offset
}

// AbortCommand handles the ABOR command from the client. A running transfer is
// answered with 426 by the transfer control, then ABOR itself with 226.
func (s *Session) AbortCommand(cmd, arg string) error {
	if !s.control.IsFtpTransferExecuting() {
		s.control.SetTransferAbortedFromInternal(false)
		return s.reply(StatusClosingDataConnection, "ABOR command successful; no transfer in progress.")
	}
	s.control.SetTransferAbortedFromInternal(true)

	ctx, cancel := context.WithTimeout(s.ctx, s.dataTimeout())
	defer cancel()
	if err := s.control.Wait(ctx); err != nil {
		s.logger.Warn("aborted transfer not finalized", "error", err)
	}
	s.transfers.Wait()
	return s.reply(StatusClosingDataConnection, "ABOR command successful.")
}

// StatusCommand handles the STAT command from the client: the data connection
// status without argument, the file facts otherwise.
func (s *Session) StatusCommand(cmd, arg string) error {
	if arg == "" {
		lines := strings.Split(s.dc.Status(), "\n")
		if t, err := s.currentTransfer(); err == nil {
			lines = append(lines, "Transfer: "+t.String())
		}
		return s.replyLines(StatusSystemStatus, "FTP Server Status:", lines, "End of status.")
	}
	entry, _, err := s.server.fs.Stat(s.abs(arg))
	if err != nil {
		return s.reply(StatusFileUnavailable, "Error getting file info: "+err.Error())
	}
	return s.replyLines(StatusFileStatus, "Status of "+arg+":", []string{entry}, "End of status.")
}

func (s *Session) currentTransfer() (*dataconn.Transfer, error) {
	if !s.control.IsFtpTransferExecuting() {
		return nil, dataconn.ErrNoTransfer
	}
	return s.control.ExecutingTransfer()
}

type retriever interface {
	RetrieveTo(w io.Writer) (int64, error)
}

type storer interface {
	StoreFrom(r io.Reader) (int64, error)
}

// transferExecutor moves the bytes of the transfers of a session.
type transferExecutor struct {
	s *Session
}

func (e transferExecutor) Execute(ctx context.Context, t *dataconn.Transfer, stream *dataconn.Stream) error {
	stop := context.AfterFunc(ctx, func() {
		_ = stream.Channel().Close()
	})
	defer stop()

	counter := tools.NewCountingReadWriter(stream)
	start := time.Now()

	var err error
	switch t.Kind() {
	case dataconn.KindRetrieve:
		err = e.retrieve(t, counter, stream)
	case dataconn.KindStore:
		err = e.store(t, counter)
	case dataconn.KindList:
		err = e.list(t, counter, stream)
	default:
		err = fmt.Errorf("%s: %w", t, errUnsupportedTransfer)
	}

	e.s.logger.Info("transfer executed",
		"transfer", t.String(),
		"read", counter.BytesRead(),
		"written", counter.BytesWritten(),
		"duration", time.Since(start),
		"error", err,
	)
	return err
}

func (e transferExecutor) retrieve(t *dataconn.Transfer, w io.Writer, stream *dataconn.Stream) error {
	f, err := t.File()
	if err != nil {
		return err
	}
	r, ok := f.(retriever)
	if !ok {
		return fmt.Errorf("%s: %w", t, errUnsupportedTransfer)
	}
	if _, err := r.RetrieveTo(w); err != nil {
		return err
	}
	return stream.CloseWrite()
}

func (e transferExecutor) store(t *dataconn.Transfer, r io.Reader) error {
	f, err := t.File()
	if err != nil {
		return err
	}
	st, ok := f.(storer)
	if !ok {
		return fmt.Errorf("%s: %w", t, errUnsupportedTransfer)
	}
	_, err = st.StoreFrom(r)
	return err
}

func (e transferExecutor) list(t *dataconn.Transfer, w io.Writer, stream *dataconn.Stream) error {
	for _, line := range t.Info() {
		if _, err := fmt.Fprintf(w, "%s\r\n", line); err != nil {
			return fmt.Errorf("writing listing: %w", err)
		}
	}
	t.SetStatus(true)
	return stream.CloseWrite()
}

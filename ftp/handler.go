package ftp

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"runtime"
	"strings"

	"github.com/telebroad/ftpserver/users"
)

func (s *Session) handlerMap() handlerMap {
	return handlerMap{
		USER: s.UserCommand,                    // USER is used to specify the username
		PASS: s.PassCommand,                    // PASS is used to specify the password
		SYST: s.SystemCommand,                  // SYST is used to get the system type
		FEAT: s.FeaturesCommand,                // FEAT is used to get the supported features
		OPTS: s.OptsCommand,                    // OPTS is used to specify options for the server
		HELP: s.HelpCommand,                    // HELP is used to get help
		NOOP: s.NoopCommand,                    // NOOP is used to keep the connection alive
		PWD:  s.PrintWorkingDirectoryCommand,   // PWD is used to print the current working directory
		CWD:  s.ChangeDirectoryCommand,         // CWD is used to change the working directory
		CDUP: s.ChangeDirectoryToParentCommand, // CDUP is used to change the working directory to the parent directory
		TYPE: s.TypeCommand,                    // TYPE is used to specify the representation type
		MODE: s.ModeCommand,                    // MODE is used to specify the transfer mode (stream, block, or compressed)
		STRU: s.StruCommand,                    // STRU is used to specify the file structure (file, record, or page)
		PASV: s.PassiveModeCommand,             // PASV is used to enter passive mode
		EPSV: s.ExtendedPassiveModeCommand,     // EPSV is used to enter extended passive mode
		PORT: s.ActiveModeCommand,              // PORT is used to specify an address and port to which the server should connect
		EPRT: s.ExtendedActiveModeCommand,      // EPRT is used to specify an address and port to which the server should connect
		RETR: s.RetrieveCommand,                // RETR is used to retrieve a file from the server
		STOR: s.SaveCommand,                    // STOR is used to store a file on the server
		APPE: s.SaveCommand,                    // APPE is used to append to a file on the server
		STOU: s.StoreUniqueCommand,             // STOU is used to store a file under a name chosen by the server
		REST: s.RestartCommand,                 // REST is used to restart the next transfer at an offset
		LIST: s.ListCommand,                    // LIST is used to list a directory like $ls -l
		NLST: s.ListCommand,                    // NLST is used to list the names of a directory
		MLSD: s.ListCommand,                    // MLSD is LIST in a machine-readable format
		MLST: s.GetFileInfoCommand,             // MLST is used to get information about a file
		ABOR: s.AbortCommand,                   // ABOR is used to abort the running transfer
		STAT: s.StatusCommand,                  // STAT is used to get the data connection or a file status
		SIZE: s.SizeCommand,                    // SIZE is used to get the size of a file
		MDTM: s.ModifyTimeCommand,              // MDTM is used to get or set the modification time of a file
		DELE: s.RemoveCommand,                  // DELE is used to delete a file
		RMD:  s.RemoveCommand,                  // RMD is used to delete an empty directory
		MKD:  s.MakeDirCommand,                 // MKD is used to create a directory
		RNFR: s.RenameFromCommand,              // RNFR is used to specify the file to be renamed
		RNTO: s.RenameToCommand,                // RNTO is used to specify the new name for the file
		QUIT: s.CloseCommand,                   // QUIT is used to terminate the connection
	}
}

// UserCommand handles the USER command from the client.
func (s *Session) UserCommand(cmd, arg string) error {
	if arg == "" {
		return s.reply(StatusSyntaxErrorInParameters, "Error: User name not specified")
	}
	s.mu.Lock()
	s.username = arg
	s.user = nil
	s.isAuthenticated = false
	s.mu.Unlock()
	return s.reply(StatusUserNameOK, "Please specify the password")
}

// PassCommand handles the PASS command from the client.
func (s *Session) PassCommand(cmd, arg string) error {
	s.mu.Lock()
	username := s.username
	s.mu.Unlock()
	if username == "" {
		return s.reply(StatusBadSequenceOfCommands, "Error: User not specified")
	}

	user, err := s.server.users.Authenticate(username, arg, s.remote.Addr().String())
	if err != nil {
		s.logger.Warn("login failed", "username", username, "error", err)
		if errors.Is(err, users.ErrIPNotAllowed) {
			return s.reply(StatusNotLoggedIn, "Login not allowed from this address")
		}
		return s.reply(StatusNotLoggedIn, "Login incorrect")
	}
	s.mu.Lock()
	s.user = user
	s.isAuthenticated = true
	s.mu.Unlock()
	s.logger.Info("user logged in", "username", username)
	return s.reply(StatusUserLoggedIn, "Login successful")
}

// SystemCommand returns the system type.
func (s *Session) SystemCommand(cmd, arg string) error {
	switch runtime.GOOS {
	case "windows":
		return s.reply(StatusNameSystemType, "WINDOWS Type: L8")
	case "linux", "darwin":
		return s.reply(StatusNameSystemType, "UNIX Type: L8")
	default:
		return s.reply(StatusNameSystemType, fmt.Sprintf("OS Type: %s", runtime.GOOS))
	}
}

func (s *Session) FeaturesCommand(cmd, arg string) error {
	features := []string{
		"UTF8",
		"MLST type*;size*;modify*;",
		"MLSD",
		"SIZE",
		"MDTM",
		"EPSV",
		"EPRT",
		"MODE B",
		"REST STREAM",
	}
	return s.replyLines(StatusSystemStatus, "Features:", features, "End")
}

// OptsCommand handles the OPTS command from the client.
func (s *Session) OptsCommand(cmd, arg string) error {
	switch strings.ToUpper(arg) {
	case "UTF8 ON", "UTF-8 ON":
		return s.reply(StatusCommandOK, "Always in UTF8 mode.")
	default:
		return s.reply(StatusSyntaxErrorInParameters, "Unknown option.")
	}
}

// HelpCommand handles the HELP command from the client.
func (s *Session) HelpCommand(cmd, arg string) error {
	return s.replyLines(StatusHelpMessage, "The following commands are recognized.", []string{s.helpCommands}, "Help OK.")
}

// NoopCommand handles the NOOP command from the client.
func (s *Session) NoopCommand(cmd, arg string) error {
	return s.reply(StatusCommandOK, "NOOP ok.")
}

func (s *Session) cwd() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workingDir
}

func (s *Session) abs(arg string) string {
	return Abs(s.cwd(), arg)
}

// PrintWorkingDirectoryCommand handles the PWD command from the client.
func (s *Session) PrintWorkingDirectoryCommand(cmd, arg string) error {
	return s.reply(StatusPathnameCreated, fmt.Sprintf("%q is current directory", s.cwd()))
}

// ChangeDirectoryCommand handles the CWD command from the client.
func (s *Session) ChangeDirectoryCommand(cmd, arg string) error {
	return s.changeDir(s.abs(arg))
}

// ChangeDirectoryToParentCommand handles the CDUP command from the client.
func (s *Session) ChangeDirectoryToParentCommand(cmd, arg string) error {
	return s.changeDir(s.abs(".."))
}

func (s *Session) changeDir(requestedDir string) error {
	if err := s.server.fs.CheckDir(requestedDir); err != nil {
		return s.reply(StatusFileUnavailable, "Error: "+err.Error())
	}
	s.mu.Lock()
	s.workingDir = requestedDir
	s.mu.Unlock()
	return s.reply(StatusFileActionOK, fmt.Sprintf("Directory successfully changed to %q", requestedDir))
}

// GetFileInfoCommand handles the MLST command from the client.
func (s *Session) GetFileInfoCommand(cmd, arg string) error {
	filename := s.abs(arg)
	entry, _, err := s.server.fs.Stat(filename)
	if err != nil {
		return s.reply(StatusFileUnavailable, "Error getting file info: "+err.Error())
	}
	return s.replyLines(StatusFileActionOK, "File details:", []string{entry}, "End")
}

// SizeCommand handles the SIZE command from the client.
func (s *Session) SizeCommand(cmd, arg string) error {
	_, info, err := s.server.fs.Stat(s.abs(arg))
	if err != nil {
		return s.reply(StatusFileUnavailable, "Error getting file info: "+err.Error())
	}
	if info.IsDir() {
		return s.reply(StatusFileUnavailable, arg+" is not a regular file")
	}
	return s.reply(StatusFileStatus, fmt.Sprintf("%d", info.Size()))
}

var mdtmTime = regexp.MustCompile(`^\d{14}$`)

// ModifyTimeCommand handles the MDTM command from the client: "MDTM path"
// returns the modification time, "MDTM YYYYMMDDHHMMSS path" sets it.
func (s *Session) ModifyTimeCommand(cmd, arg string) error {
	if arg == "" {
		return s.reply(StatusSyntaxErrorInParameters, "No file name given")
	}
	if stamp, name, ok := strings.Cut(arg, " "); ok && mdtmTime.MatchString(stamp) {
		if err := s.server.fs.ModifyTime(s.abs(name), stamp); err != nil {
			return s.reply(StatusFileUnavailable, fmt.Sprintf("Error setting file '%s' modification time: %s", name, err))
		}
		return s.reply(StatusFileStatus, "File modification time set to: "+stamp)
	}
	_, info, err := s.server.fs.Stat(s.abs(arg))
	if err != nil {
		return s.reply(StatusFileUnavailable, "Error getting file info: "+err.Error())
	}
	return s.reply(StatusFileStatus, info.ModTime().UTC().Format("20060102150405"))
}

func (s *Session) RemoveCommand(cmd, arg string) error {
	if arg == "" {
		return s.reply(StatusSyntaxErrorInParameters, "No file name given")
	}
	if err := s.server.fs.Remove(s.abs(arg)); err != nil {
		return s.reply(StatusFileUnavailable, "Error deleting: "+err.Error())
	}
	return s.reply(StatusFileActionOK, cmd+" command successful.")
}

func (s *Session) MakeDirCommand(cmd, arg string) error {
	if arg == "" {
		return s.reply(StatusSyntaxErrorInParameters, "No directory name given")
	}
	dir := s.abs(arg)
	if err := s.server.fs.MakeDir(dir); err != nil {
		return s.reply(StatusFileUnavailable, "Error creating directory: "+err.Error())
	}
	return s.reply(StatusPathnameCreated, fmt.Sprintf("%q created", dir))
}

func (s *Session) RenameFromCommand(cmd, arg string) error {
	if arg == "" {
		return s.reply(StatusSyntaxErrorInParameters, "No file specified")
	}
	renamingFile := s.abs(arg)
	if _, _, err := s.server.fs.Stat(renamingFile); err != nil {
		return s.reply(StatusFileUnavailable, "Error getting file info: "+err.Error())
	}
	s.mu.Lock()
	s.renamingFile = renamingFile
	s.mu.Unlock()
	return s.reply(StatusFileActionPending, "File exists, ready for destination name")
}

func (s *Session) RenameToCommand(cmd, arg string) error {
	if arg == "" {
		return s.reply(StatusSyntaxErrorInParameters, "No file specified")
	}
	s.mu.Lock()
	from := s.renamingFile
	s.renamingFile = ""
	s.mu.Unlock()
	if from == "" {
		return s.reply(StatusBadSequenceOfCommands, "RNFR required first")
	}
	if err := s.server.fs.Rename(from, s.abs(arg)); err != nil {
		return s.reply(StatusFileUnavailable, "Error renaming file: "+err.Error())
	}
	return s.reply(StatusFileActionOK, "File renamed successfully.")
}

// CloseCommand handles QUIT. A running transfer is finalized first so its
// reply goes out before the goodbye.
func (s *Session) CloseCommand(cmd, arg string) error {
	if s.IsBusy() {
		ctx, cancel := context.WithTimeout(s.ctx, s.dataTimeout())
		err := s.control.Wait(ctx)
		cancel()
		if err != nil {
			s.logger.Warn("transfer not finished before QUIT", "error", err)
		} else {
			s.transfers.Wait()
		}
	}
	s.reply(StatusServiceClosingControlConnection, "Goodbye.")
	return errSessionClosed
}

func (s *Session) UnknownCommand(cmd, arg string) error {
	return s.reply(StatusSyntaxError, fmt.Sprintf("Unknown command %s", cmd))
}

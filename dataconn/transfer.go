// Package dataconn owns the data channel of an FTP session: passive endpoint
// sharing, active connection setup, the per-session transfer state machine and
// the rules that turn the end of a transfer into a 226 or a 426 reply.
package dataconn

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	ErrNoFile               = errors.New("no file associated with the transfer")
	ErrNoTransfer           = errors.New("no transfer currently running")
	ErrNoConnection         = errors.New("no data connection active")
	ErrTransferInProgress   = errors.New("a transfer is already in progress")
	ErrTransferAborted      = errors.New("transfer aborted")
	ErrUnsupportedMode      = errors.New("unsupported transfer mode")
	ErrUnsupportedStructure = errors.New("unsupported file structure")
)

// ReplyError is an error that carries the FTP reply the control channel
// should send for it.
type ReplyError struct {
	Code int
	Msg  string
	Err  error
}

func (e *ReplyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%d %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%d %s", e.Code, e.Msg)
}

func (e *ReplyError) Unwrap() error {
	return e.Err
}

func cannotOpen(msg string, err error) error {
	return &ReplyError{Code: 425, Msg: msg, Err: err}
}

// IsCannotOpen reports whether err is a failure to establish the data connection.
func IsCannotOpen(err error) bool {
	var re *ReplyError
	return errors.As(err, &re) && re.Code == 425
}

// Kind is the family a transfer command belongs to.
type Kind int

const (
	KindOther Kind = iota
	KindRetrieve
	KindStore
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindRetrieve:
		return "retrieve"
	case KindStore:
		return "store"
	case KindList:
		return "list"
	default:
		return "other"
	}
}

// KindOf classifies an FTP verb.
func KindOf(verb string) Kind {
	switch strings.ToUpper(verb) {
	case "RETR":
		return KindRetrieve
	case "STOR", "STOU", "APPE":
		return KindStore
	case "LIST", "NLST", "MLSD":
		return KindList
	default:
		return KindOther
	}
}

// File is the file handle a transfer reads from or writes to.
type File interface {
	// IsInReading reports whether a retrieve loop is still running on the file.
	IsInReading() (bool, error)
	CloseFile() error
	AbortFile() error
}

// Transfer describes one scheduled data-bearing command and its outcome.
type Transfer struct {
	verb string
	kind Kind
	path string
	file File
	info []string

	mu     sync.Mutex
	status bool
}

// NewFileTransfer creates a transfer working on a file.
func NewFileTransfer(verb string, file File, path string) *Transfer {
	return &Transfer{
		verb: strings.ToUpper(verb),
		kind: KindOf(verb),
		path: path,
		file: file,
	}
}

// NewListTransfer creates a transfer sending informational lines.
func NewListTransfer(verb string, lines []string, path string) *Transfer {
	if lines == nil {
		lines = []string{}
	}
	return &Transfer{
		verb: strings.ToUpper(verb),
		kind: KindOf(verb),
		path: path,
		info: lines,
	}
}

func (t *Transfer) Verb() string { return t.verb }
func (t *Transfer) Kind() Kind   { return t.kind }
func (t *Transfer) Path() string { return t.path }

// File returns the file handle or ErrNoFile for listing transfers.
func (t *Transfer) File() (File, error) {
	if t.file == nil {
		return nil, ErrNoFile
	}
	return t.file, nil
}

// Info returns the lines of a listing transfer, nil for file transfers.
func (t *Transfer) Info() []string {
	return t.info
}

func (t *Transfer) Status() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Transfer) SetStatus(ok bool) {
	t.mu.Lock()
	t.status = ok
	t.mu.Unlock()
}

func (t *Transfer) String() string {
	if t.path == "" {
		return t.verb
	}
	return t.verb + " " + t.path
}

package filesystem

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/spf13/afero"
)

// File is an open file of a data transfer.
type File struct {
	mu            sync.Mutex
	file          afero.File
	fs            afero.Fs
	name          string
	removeOnAbort bool
	reading       bool
	closed        bool
	logger        *slog.Logger
}

func newFile(f afero.File, fsys afero.Fs, name string, removeOnAbort bool, logger *slog.Logger) *File {
	return &File{
		file:          f,
		fs:            fsys,
		name:          name,
		removeOnAbort: removeOnAbort,
		logger:        logger,
	}
}

func (f *File) Name() string {
	return f.name
}

// RetrieveTo copies the file to w. The file stays in reading until the whole
// content went out, so a retrieve cut short reports IsInReading.
func (f *File) RetrieveTo(w io.Writer) (int64, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return 0, os.ErrClosed
	}
	f.reading = true
	f.mu.Unlock()

	n, err := io.Copy(w, f.file)
	if err != nil {
		return n, fmt.Errorf("retrieve %s: %w", f.name, err)
	}

	f.mu.Lock()
	f.reading = false
	f.mu.Unlock()
	return n, nil
}

// StoreFrom copies r into the file until r ends.
func (f *File) StoreFrom(r io.Reader) (int64, error) {
	n, err := io.Copy(f.file, r)
	if err != nil {
		return n, fmt.Errorf("store %s: %w", f.name, err)
	}
	return n, nil
}

func (f *File) IsInReading() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false, os.ErrClosed
	}
	return f.reading, nil
}

// CloseFile closes the file, it is safe to call more than once.
func (f *File) CloseFile() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeLocked()
}

// AbortFile closes the file and drops what a store wrote so far.
func (f *File) AbortFile() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	wasClosed := f.closed
	err := f.closeLocked()
	if f.removeOnAbort && !wasClosed {
		if rmErr := f.fs.Remove(f.name); rmErr != nil && !os.IsNotExist(rmErr) {
			f.logger.Warn("removing partial file", "file", f.name, "err", rmErr)
		}
	}
	return err
}

func (f *File) closeLocked() error {
	if f.closed {
		return nil
	}
	f.closed = true
	f.reading = false
	if err := f.file.Close(); err != nil {
		return fmt.Errorf("error closing file: %w", err)
	}
	return nil
}

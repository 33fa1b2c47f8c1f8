package filesystem

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/afero"
)

var (
	ErrOutsideRoot   = errors.New("access denied: path is outside the virtualRoot directory")
	ErrInvalidOffset = errors.New("invalid restart offset")
)

// FS is the file system the FTP server works on. Every path is a virtual,
// slash separated path rooted at RootDir.
type FS interface {
	// RootDir returns the Root directory of the file system
	RootDir() string
	// CheckDir checks if the given directory exists
	CheckDir(dirName string) error
	// Dir returns the machine readable facts of every entry of a directory
	Dir(dirName string) ([]string, []os.FileInfo, error)
	// List returns "ls -l" style lines of a directory or a single file
	List(name string) ([]string, error)
	// Names returns the bare names of the entries of a directory
	Names(dirName string) ([]string, error)
	// MakeDir creates a new directory with the given name
	MakeDir(dirName string) error
	// Remove removes the file or the empty directory
	Remove(fileName string) error
	// Rename renames the file/folder or moves it to a different directory
	Rename(original string, target string) error
	// ModifyTime changes the file modification time, newTime is YYYYMMDDHHMMSS
	ModifyTime(fileName string, newTime string) error
	// Stat returns the facts line and the file info
	Stat(fileName string) (string, fs.FileInfo, error)
	// Open opens a file for a retrieve starting at offset
	Open(fileName string, offset int64) (*File, error)
	// Create opens a file for a store. The file is truncated at offset unless
	// appendOnly is set, then the store writes at its end.
	Create(fileName string, appendOnly bool, offset int64) (*File, error)
}

var _ FS = &LocalFS{}

// LocalFS serves an afero file system under a virtual root.
type LocalFS struct {
	fs          afero.Fs
	localDir    string // local directory to serve as the ftp virtualRoot, empty for memory file systems
	virtualRoot string
	logger      *slog.Logger
}

// NewLocalFS serves localDir of the operating system file system.
func NewLocalFS(localDir string) *LocalFS {
	return &LocalFS{
		fs:          afero.NewBasePathFs(afero.NewOsFs(), localDir),
		localDir:    localDir,
		virtualRoot: "/",
	}
}

// NewMemFS serves an empty in-memory file system.
func NewMemFS() *LocalFS {
	return &LocalFS{
		fs:          afero.NewMemMapFs(),
		virtualRoot: "/",
	}
}

func (l *LocalFS) SetLogger(logger *slog.Logger) {
	l.logger = logger
}

func (l *LocalFS) Logger() *slog.Logger {
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l.logger
}

// Afero returns the underlying file system.
func (l *LocalFS) Afero() afero.Fs {
	return l.fs
}

// RootDir returns the Root directory of the file system
func (l *LocalFS) RootDir() string {
	return l.virtualRoot
}

// CheckDir checks if the given directory exists
func (l *LocalFS) CheckDir(dirName string) error {
	dirName, err := l.cleanPath(dirName)
	if err != nil {
		return err
	}
	info, err := l.fs.Stat(dirName)
	if err != nil {
		return fmt.Errorf("error checking directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("error checking directory: %s is not a directory", dirName)
	}
	return nil
}

// Dir returns a list of files in the given directory
func (l *LocalFS) Dir(dirName string) ([]string, []os.FileInfo, error) {
	dirName, err := l.cleanPath(dirName)
	if err != nil {
		return nil, nil, err
	}
	entries, err := afero.ReadDir(l.fs, dirName)
	if err != nil {
		return nil, nil, fmt.Errorf("error reading directory: %w", err)
	}
	lines := make([]string, len(entries))
	for i, entry := range entries {
		lines[i] = factsLine(entry)
	}
	return lines, entries, nil
}

// List returns the "ls -l" lines of a directory, or the line of a file.
func (l *LocalFS) List(name string) ([]string, error) {
	name, err := l.cleanPath(name)
	if err != nil {
		return nil, err
	}
	info, err := l.fs.Stat(name)
	if err != nil {
		return nil, fmt.Errorf("error getting file info: %w", err)
	}
	if !info.IsDir() {
		return []string{listLine(info)}, nil
	}
	entries, err := afero.ReadDir(l.fs, name)
	if err != nil {
		return nil, fmt.Errorf("error reading directory: %w", err)
	}
	lines := make([]string, len(entries))
	for i, entry := range entries {
		lines[i] = listLine(entry)
	}
	return lines, nil
}

// Names returns the entry names of a directory.
func (l *LocalFS) Names(dirName string) ([]string, error) {
	dirName, err := l.cleanPath(dirName)
	if err != nil {
		return nil, err
	}
	entries, err := afero.ReadDir(l.fs, dirName)
	if err != nil {
		return nil, fmt.Errorf("error reading directory: %w", err)
	}
	names := make([]string, len(entries))
	for i, entry := range entries {
		names[i] = entry.Name()
	}
	return names, nil
}

// MakeDir creates a new directory with the given name
func (l *LocalFS) MakeDir(dirName string) error {
	dirName, err := l.cleanPath(dirName)
	if err != nil {
		return err
	}
	if err := l.fs.MkdirAll(dirName, 0o777); err != nil {
		return fmt.Errorf("error creating directory: %w", err)
	}
	return nil
}

// Remove removes the file
func (l *LocalFS) Remove(fileName string) error {
	fileName, err := l.cleanPath(fileName)
	if err != nil {
		return err
	}
	if fileName == l.virtualRoot {
		return ErrOutsideRoot
	}
	if err := l.fs.Remove(fileName); err != nil {
		return fmt.Errorf("error removing file: %w", err)
	}
	return nil
}

// Rename renames the file or moves it to a different directory
func (l *LocalFS) Rename(fileName, newName string) error {
	fileName, err := l.cleanPath(fileName)
	if err != nil {
		return err
	}
	newName, err = l.cleanPath(newName)
	if err != nil {
		return err
	}
	l.Logger().Debug("rename", "from", fileName, "to", newName)
	if err := l.fs.Rename(fileName, newName); err != nil {
		return fmt.Errorf("error renaming file: %w", err)
	}
	return nil
}

// ModifyTime changes the file modification time
func (l *LocalFS) ModifyTime(filePath string, newTime string) error {
	filePath, err := l.cleanPath(filePath)
	if err != nil {
		return err
	}
	t, err := time.Parse("20060102150405", newTime)
	if err != nil {
		return fmt.Errorf("invalid time format got '%s' expected 'YYYYMMDDHHMMSS'", newTime)
	}
	if _, err := l.fs.Stat(filePath); err != nil {
		return fmt.Errorf("error getting file info: %w", err)
	}
	if err := l.fs.Chtimes(filePath, t, t); err != nil {
		return fmt.Errorf("error changing file modification time: %w", err)
	}
	return nil
}

// Stat returns the file info
func (l *LocalFS) Stat(fileName string) (string, fs.FileInfo, error) {
	fileName, err := l.cleanPath(fileName)
	if err != nil {
		return "", nil, err
	}
	info, err := l.fs.Stat(fileName)
	if err != nil {
		return "", nil, fmt.Errorf("error getting file info: %w", err)
	}
	return factsLine(info), info, nil
}

// Open opens fileName for reading.
func (l *LocalFS) Open(fileName string, offset int64) (*File, error) {
	name, err := l.cleanPath(fileName)
	if err != nil {
		return nil, err
	}
	f, err := l.fs.Open(name)
	if err != nil {
		return nil, fmt.Errorf("error opening file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("error getting file info: %w", err)
	}
	if info.IsDir() {
		_ = f.Close()
		return nil, fmt.Errorf("error opening file: %s is a directory", fileName)
	}
	if err := seekTo(f, info.Size(), offset); err != nil {
		_ = f.Close()
		return nil, err
	}
	return newFile(f, l.fs, name, false, l.Logger()), nil
}

// Create opens fileName for writing. A restarted store (offset > 0) keeps
// the first offset bytes and is not removed on abort.
func (l *LocalFS) Create(fileName string, appendOnly bool, offset int64) (*File, error) {
	name, err := l.cleanPath(fileName)
	if err != nil {
		return nil, err
	}
	if appendOnly {
		offset = 0
	}
	flag := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	switch {
	case appendOnly:
		flag = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	case offset > 0:
		flag = os.O_WRONLY | os.O_CREATE
	}
	f, err := l.fs.OpenFile(name, flag, 0o666)
	if err != nil {
		return nil, fmt.Errorf("creating file error: %w", err)
	}
	if offset != 0 {
		info, err := f.Stat()
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("error getting file info: %w", err)
		}
		if err := seekTo(f, info.Size(), offset); err != nil {
			_ = f.Close()
			return nil, err
		}
		if err := f.Truncate(offset); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("truncating %s at %d: %w", fileName, offset, err)
		}
	}
	return newFile(f, l.fs, name, !appendOnly && offset == 0, l.Logger()), nil
}

// seekTo moves f to offset, which may not go past size.
func seekTo(f afero.File, size, offset int64) error {
	if offset == 0 {
		return nil
	}
	if offset < 0 || offset > size {
		return fmt.Errorf("%w: %d, file size %d", ErrInvalidOffset, offset, size)
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("seeking to %d: %w", offset, err)
	}
	return nil
}

// Available returns the bytes available to a store under fileName.
func (l *LocalFS) Available(fileName string) (uint64, error) {
	if l.localDir == "" {
		return 0, fmt.Errorf("%w: not a local file system", errors.ErrUnsupported)
	}
	name, err := l.cleanPath(path.Dir(fileName))
	if err != nil {
		return 0, err
	}
	stat, err := l.StatFS(filepath.Join(l.localDir, filepath.FromSlash(name)))
	if err != nil {
		return 0, err
	}
	return stat.FreeSpace(), nil
}

func factsLine(info fs.FileInfo) string {
	fileType := "file"
	if info.IsDir() {
		fileType = "dir"
	}
	modTime := info.ModTime().UTC().Format("20060102150405")
	return fmt.Sprintf("Type=%s;Size=%d;Modify=%s;Perm=%s;UNIX.ownername=%s;UNIX.groupname=%s; %s",
		fileType, info.Size(), modTime, info.Mode().String(), "owner", "group",
		info.Name())
}

func listLine(info fs.FileInfo) string {
	mod := info.ModTime()
	stamp := mod.Format("Jan _2 15:04")
	if time.Since(mod) > 180*24*time.Hour {
		stamp = mod.Format("Jan _2  2006")
	}
	return fmt.Sprintf("%s 1 owner group %12d %s %s", info.Mode().String(), info.Size(), stamp, info.Name())
}

// securePath ensures that the given path is safe to use its dont allow to go outside the virtualRoot directory
func (l *LocalFS) securePath(pathName string) (string, error) {
	joined := path.Join(l.virtualRoot, pathName)
	if joined != l.virtualRoot && !strings.HasPrefix(joined, strings.TrimSuffix(l.virtualRoot, "/")+"/") {
		return "", ErrOutsideRoot
	}
	if strings.Contains(pathName, "\x00") {
		return "", ErrOutsideRoot
	}
	return joined, nil
}

// cleanPath call securePath and then clean the path to be used
func (l *LocalFS) cleanPath(pathName string) (string, error) {
	pathName, err := l.securePath(pathName)
	if err != nil {
		return "", err
	}
	if pathName == "" {
		return l.virtualRoot, nil
	}
	return pathName, nil
}

//go:build windows

package filesystem

import (
	"fmt"

	"github.com/pkg/sftp"
	"golang.org/x/sys/windows"
)

const windowsBlockSize = 4096

// StatFS returns the status of the volume holding dir.
func (l *LocalFS) StatFS(dir string) (*sftp.StatVFS, error) {
	p, err := windows.UTF16PtrFromString(dir)
	if err != nil {
		return nil, err
	}
	var avail, total, free uint64
	if err := windows.GetDiskFreeSpaceEx(p, &avail, &total, &free); err != nil {
		return nil, fmt.Errorf("error getting file system info: %w", err)
	}
	return &sftp.StatVFS{
		Bsize:   windowsBlockSize,
		Frsize:  windowsBlockSize,
		Blocks:  total / windowsBlockSize,
		Bfree:   free / windowsBlockSize,
		Bavail:  avail / windowsBlockSize,
		Namemax: 255,
	}, nil
}

//go:build !linux && !darwin && !windows

package filesystem

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/pkg/sftp"
)

// StatFS is not supported on this platform.
func (l *LocalFS) StatFS(dir string) (*sftp.StatVFS, error) {
	return nil, fmt.Errorf("%w: unsupported OS: %s", errors.ErrUnsupported, runtime.GOOS)
}

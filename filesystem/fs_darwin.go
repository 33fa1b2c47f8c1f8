package filesystem

import (
	"fmt"

	"github.com/pkg/sftp"
	"golang.org/x/sys/unix"
)

// StatFS returns the status of the local file system holding dir.
func (l *LocalFS) StatFS(dir string) (*sftp.StatVFS, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return nil, fmt.Errorf("error getting file system info: %w", err)
	}
	return &sftp.StatVFS{
		Bsize:   uint64(st.Bsize),
		Frsize:  uint64(st.Bsize), // no fragment size on darwin
		Blocks:  st.Blocks,
		Bfree:   st.Bfree,
		Bavail:  st.Bavail,
		Files:   st.Files,
		Ffree:   st.Ffree,
		Favail:  st.Ffree,
		Fsid:    uint64(st.Fsid.Val[1])<<32 | uint64(st.Fsid.Val[0]),
		Flag:    uint64(st.Flags),
		Namemax: 1024,
	}, nil
}

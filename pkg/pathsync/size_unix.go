//go:build unix

package pathsync

import (
	"golang.org/x/sys/unix"
)

// allocatedSize returns the bytes allocated on disk for path, in 512-byte units as
// reported by stat(2).
func allocatedSize(path string) (int64, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, err
	}
	return int64(st.Blocks) * 512, nil
}

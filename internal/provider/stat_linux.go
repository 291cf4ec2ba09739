//go:build linux

package provider

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

type fileTimes struct {
	size     int64
	created  time.Time
	modified time.Time
}

func statTimes(path string) (fileTimes, error) {
	var stx unix.Statx_t
	mask := unix.STATX_SIZE | unix.STATX_MTIME | unix.STATX_BTIME
	if err := unix.Statx(unix.AT_FDCWD, path, unix.AT_STATX_SYNC_AS_STAT, mask, &stx); err != nil {
		return fileTimes{}, &os.PathError{Op: "statx", Path: path, Err: err}
	}

	modified := time.Unix(stx.Mtime.Sec, int64(stx.Mtime.Nsec))
	created := modified
	// Not every file system records a birth time
	if stx.Mask&unix.STATX_BTIME != 0 {
		created = time.Unix(stx.Btime.Sec, int64(stx.Btime.Nsec))
	}

	return fileTimes{
		size:     int64(stx.Size),
		created:  created,
		modified: modified,
	}, nil
}

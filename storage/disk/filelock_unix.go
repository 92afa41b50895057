//go:build unix

package disk

import (
	"os"

	"golang.org/x/sys/unix"
)

// lockFile takes an exclusive fcntl lock on f, waiting for other hosts
// sharing the file to release theirs.
func lockFile(f *os.File) error {
	flock := unix.Flock_t{Type: unix.F_WRLCK, Whence: int16(0)}
	return unix.FcntlFlock(f.Fd(), unix.F_SETLKW, &flock)
}

func unlockFile(f *os.File) error {
	flock := unix.Flock_t{Type: unix.F_UNLCK, Whence: int16(0)}
	return unix.FcntlFlock(f.Fd(), unix.F_SETLK, &flock)
}

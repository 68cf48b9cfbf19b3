//go:build !windows

package pagestore

import (
	"os"

	"golang.org/x/sys/unix"
)

// lockFile takes a non-blocking exclusive advisory lock on f, matching the
// engine's "one writer process" promise (spec §5). flock locks are
// released automatically if the process dies, so a crashed writer never
// leaves a stale lock behind.
func lockFile(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
}

func unlockFile(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}

//go:build unix && !linux

package rt

import "golang.org/x/sys/unix"

// Priority returns the current nice value of the process.
func Priority() (int, error) {
	return unix.Getpriority(unix.PRIO_PROCESS, 0)
}

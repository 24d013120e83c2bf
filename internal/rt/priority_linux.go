package rt

import "golang.org/x/sys/unix"

// Priority returns the current nice value of the process.
func Priority() (int, error) {
	// The raw syscall returns 20-nice to keep the result positive.
	p, err := unix.Getpriority(unix.PRIO_PROCESS, 0)
	if err != nil {
		return 0, err
	}
	return 20 - p, nil
}

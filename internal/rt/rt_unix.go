//go:build unix

package rt

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func setPriority(nice int) error {
	if err := unix.Setpriority(unix.PRIO_PROCESS, 0, nice); err != nil {
		return fmt.Errorf("setpriority: %w", err)
	}
	return nil
}

//go:build !unix

package rt

import "errors"

var errUnsupported = errors.New("scheduling priority not supported on this platform")

func setPriority(int) error { return errUnsupported }

// Priority is not available on this platform.
func Priority() (int, error) { return 0, errUnsupported }

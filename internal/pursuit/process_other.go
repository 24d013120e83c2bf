//go:build !unix

package pursuit

import "os/exec"

func setProcessGroup(*exec.Cmd) {}

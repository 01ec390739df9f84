//go:build !unix

package executor

import "os/exec"

func configureProcessGroup(_ *exec.Cmd) {}

package session

import "runtime"

// shellName and shellFlag pick the shell used to run execute{command}.
// Unlike capture/input/clipboard, shell invocation needs no native binding —
// os/exec already abstracts the process model — so a runtime check is
// enough instead of a build-tagged file per OS.
func shellName() string {
	if runtime.GOOS == "windows" {
		return "cmd"
	}
	return "/bin/sh"
}

func shellFlag() string {
	if runtime.GOOS == "windows" {
		return "/C"
	}
	return "-c"
}

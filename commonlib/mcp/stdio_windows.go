//go:build windows

package mcp

import (
	"os"
	"os/exec"
	"runtime"
	"syscall"
)

func newCommand(command string, args []string) *exec.Cmd {
	if !needsShell(runtime.GOOS, command) {
		return exec.Command(command, args...)
	}
	comspec := os.Getenv("COMSPEC")
	if comspec == "" {
		comspec = "cmd.exe"
	}
	cmd := exec.Command(comspec)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CmdLine: syscall.EscapeArg(comspec) + ` /d /s /c "` + shellCommandLine(command, args) + `"`,
	}
	return cmd
}

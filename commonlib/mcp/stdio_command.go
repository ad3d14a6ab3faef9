package mcp

import (
	"strings"
)

// needsShell reports whether command must be launched through cmd.exe.
// On Windows, bare names such as "npx" and batch scripts cannot be started
// directly.
func needsShell(goos, command string) bool {
	if goos != "windows" {
		return false
	}
	ext := strings.ToLower(commandExt(command))
	return ext == "" || ext == ".cmd" || ext == ".bat"
}

// commandExt returns the extension of the last path element, accepting both
// separators regardless of the host OS.
func commandExt(command string) string {
	base := command
	if i := strings.LastIndexAny(base, `/\`); i >= 0 {
		base = base[i+1:]
	}
	if i := strings.LastIndexByte(base, '.'); i > 0 {
		return base[i:]
	}
	return ""
}

// shellCommandLine joins command and args into one cmd.exe command line.
func shellCommandLine(command string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, shellQuote(command))
	for _, a := range args {
		parts = append(parts, shellQuote(a))
	}
	return strings.Join(parts, " ")
}

func shellQuote(s string) string {
	if s == "" {
		return `""`
	}
	if !strings.ContainsAny(s, " \t\n\"/\\") {
		return s
	}
	// cmd.exe escapes a quote inside a quoted word by doubling it.
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

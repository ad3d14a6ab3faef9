package mcp

import (
	"sort"
	"strings"
)

// DefaultEnvAllowlist lists the variables a spawned backend inherits from
// the bridge. Everything else must be passed explicitly.
var DefaultEnvAllowlist = []string{
	"PATH", "HOME", "USER", "LOGNAME", "SHELL", "TERM", "LANG", "LC_ALL",
	"TMPDIR", "TEMP", "TMP",
	"SYSTEMROOT", "COMSPEC", "PATHEXT", "APPDATA", "LOCALAPPDATA", "USERPROFILE", "PROGRAMFILES",
}

// buildEnv filters environ down to allowlist and applies overrides on top.
// Keys are compared case-insensitively so Windows spellings such as "Path"
// are kept.
func buildEnv(environ []string, allowlist []string, overrides map[string]string) []string {
	if allowlist == nil {
		allowlist = DefaultEnvAllowlist
	}
	allowed := make(map[string]struct{}, len(allowlist))
	for _, k := range allowlist {
		allowed[strings.ToUpper(k)] = struct{}{}
	}

	overridden := make(map[string]struct{}, len(overrides))
	for k := range overrides {
		overridden[strings.ToUpper(k)] = struct{}{}
	}

	env := make([]string, 0, len(allowlist)+len(overrides))
	for _, kv := range environ {
		k, _, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		upper := strings.ToUpper(k)
		if _, ok := allowed[upper]; !ok {
			continue
		}
		if _, ok := overridden[upper]; ok {
			continue
		}
		env = append(env, kv)
	}

	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return env
}

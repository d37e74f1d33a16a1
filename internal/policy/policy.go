package policy

import (
	"strings"

	clierr "github.com/ggonzalez94/swapvault/internal/errors"
)

// Commands that only describe the binary stay available under any allowlist.
var alwaysAllowed = map[string]bool{
	"version": true,
	"schema":  true,
}

// CheckCommandAllowed enforces the --enable-commands allowlist. An entry
// names either a full command path ("trade resume") or a group ("trade")
// which admits every command beneath it.
func CheckCommandAllowed(allowlist []string, commandPath string) error {
	if len(allowlist) == 0 {
		return nil
	}
	normPath := normalize(commandPath)
	if alwaysAllowed[normPath] {
		return nil
	}
	for _, allowed := range allowlist {
		entry := normalize(allowed)
		if entry == "" {
			continue
		}
		if entry == normPath || strings.HasPrefix(normPath, entry+" ") {
			return nil
		}
	}
	return clierr.New(clierr.CodeBlocked, "command "+normPath+" blocked by --enable-commands policy")
}

func normalize(v string) string {
	parts := strings.Fields(strings.ToLower(strings.TrimSpace(v)))
	return strings.Join(parts, " ")
}

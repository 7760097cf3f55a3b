package util

import (
	"strings"

	"github.com/matrix-org/gomatrixserverlib/spec"
)

// NormalizeServerName lowercases and trims a server name before it is used
// as a map key. DNS names compare case-insensitively, so per-domain lookups
// built on the normalized form cannot split on letter case.
func NormalizeServerName(name spec.ServerName) spec.ServerName {
	return spec.ServerName(strings.ToLower(strings.TrimSpace(string(name))))
}

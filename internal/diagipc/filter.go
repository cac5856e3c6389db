package diagipc

import (
	"crypto/sha256"
	"fmt"
	"path/filepath"
	"strings"
)

// ProcessFilter selects and masks discovered processes before they are
// shown. The zero value is a no-op filter.
type ProcessFilter struct {
	// MaskCmdLines replaces arguments with a short digest; they often carry
	// connection strings and tokens.
	MaskCmdLines bool
	// Allowed and Blocked are glob patterns matched against the process
	// name and against the executable path or any of its parents.
	Allowed []string
	Blocked []string
}

// IsAllowed reports whether p passes the allowlist and misses the
// blocklist. An empty allowlist admits everything.
func (f *ProcessFilter) IsAllowed(p ProcessInfo) bool {
	if len(f.Allowed) > 0 {
		allowed := false
		for _, pattern := range f.Allowed {
			if matchProcess(pattern, p) {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	for _, pattern := range f.Blocked {
		if matchProcess(pattern, p) {
			return false
		}
	}
	return true
}

func matchProcess(pattern string, p ProcessInfo) bool {
	if p.Name != "" {
		if matched, _ := filepath.Match(pattern, p.Name); matched {
			return true
		}
	}
	exe := executable(p.CmdLine)
	if exe == "" {
		return false
	}
	return matchPathOrParent(pattern, exe)
}

// matchPathOrParent checks pattern against path and each of its parent
// directories, so "/srv/*" matches "/srv/api/bin/app".
func matchPathOrParent(pattern, path string) bool {
	for p := path; p != "." && p != "" && p != filepath.Dir(p); p = filepath.Dir(p) {
		if matched, _ := filepath.Match(pattern, p); matched {
			return true
		}
	}
	return false
}

func executable(cmdline string) string {
	fields := strings.Fields(cmdline)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// Apply returns a masked copy of p.
func (f *ProcessFilter) Apply(p ProcessInfo) ProcessInfo {
	if f.MaskCmdLines && p.CmdLine != "" {
		exe := executable(p.CmdLine)
		args := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(p.CmdLine), exe))
		p.CmdLine = filepath.Base(exe)
		if args != "" {
			p.CmdLine += " [args " + shortHash(args) + "]"
		}
	}
	return p
}

// FilterSlice returns the allowed processes, masked. procs is not modified.
func (f *ProcessFilter) FilterSlice(procs []ProcessInfo) []ProcessInfo {
	result := make([]ProcessInfo, 0, len(procs))
	for _, p := range procs {
		if !f.IsAllowed(p) {
			continue
		}
		result = append(result, f.Apply(p))
	}
	return result
}

// IsNoop reports whether the filter neither masks nor filters.
func (f *ProcessFilter) IsNoop() bool {
	return !f.MaskCmdLines && len(f.Allowed) == 0 && len(f.Blocked) == 0
}

// shortHash returns a truncated SHA-256 hex digest.
func shortHash(s string) string {
	h := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", h[:6])
}

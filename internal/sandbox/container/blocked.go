package container

import "strings"

// alwaysBlocked are substrings that refuse execution unconditionally;
// no runner configuration can re-enable them. Ported from the shell
// tool's BLOCKED_COMMANDS set.
var alwaysBlocked = []string{
	"rm -rf /",
	"rm -rf /*",
	":(){ :|:& };:",
	"dd if=/dev/zero",
	"mkfs",
	"chmod -R 777 /",
	"> /dev/sda",
	"curl | sh",
	"wget | sh",
	"curl | bash",
	"wget | bash",
}

// dangerousPatterns are substrings refused unless the runner was built
// with allowDangerous. Ported from the shell tool's DANGEROUS_PATTERNS.
var dangerousPatterns = []string{
	"sudo ",
	"doas ",
	" | sh",
	" | bash",
	" | zsh",
	"eval ",
	"$(curl",
	"$(wget",
	"/etc/passwd",
	"/etc/shadow",
	"~/.ssh",
	".bash_history",
	"id_rsa",
}

// checkBlocked reports whether cmd must be refused, and why. The
// always-blocked set applies regardless of allowDangerous; the
// dangerous set only applies when allowDangerous is false.
func checkBlocked(cmd string, allowDangerous bool) (blocked bool, reason string) {
	lower := strings.ToLower(cmd)
	for _, s := range alwaysBlocked {
		if strings.Contains(lower, strings.ToLower(s)) {
			return true, "command matches a blocked pattern: " + s
		}
	}
	if allowDangerous {
		return false, ""
	}
	for _, s := range dangerousPatterns {
		if strings.Contains(lower, s) {
			return true, "command matches a dangerous pattern: " + s
		}
	}
	return false, ""
}

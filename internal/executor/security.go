package executor

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/dlclark/regexp2"
)

// ErrPolicyRejected marks an execute payload refused by the security policy.
var ErrPolicyRejected = errors.New("command rejected by security policy")

// patternMatchTimeout bounds a single operator-supplied pattern match.
const patternMatchTimeout = 100 * time.Millisecond

type policyPattern struct {
	source string
	re     *regexp2.Regexp
}

// SecurityPolicy screens execute payloads. Operator patterns use PCRE-style
// syntax through regexp2 and are matched case-insensitively.
type SecurityPolicy struct {
	allowed []policyPattern
	blocked []policyPattern
}

// CompilePolicy compiles the allowed and blocked lists. An empty policy falls
// back to the built-in dangerous pattern list.
func CompilePolicy(allowed, blocked []string) (*SecurityPolicy, error) {
	p := &SecurityPolicy{}
	var err error
	if p.allowed, err = compilePatterns(allowed); err != nil {
		return nil, fmt.Errorf("allowed pattern: %w", err)
	}
	if p.blocked, err = compilePatterns(blocked); err != nil {
		return nil, fmt.Errorf("blocked pattern: %w", err)
	}
	return p, nil
}

func compilePatterns(src []string) ([]policyPattern, error) {
	out := make([]policyPattern, 0, len(src))
	for _, s := range src {
		if s == "" {
			continue
		}
		re, err := regexp2.Compile(s, regexp2.IgnoreCase)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", s, err)
		}
		re.MatchTimeout = patternMatchTimeout
		out = append(out, policyPattern{source: s, re: re})
	}
	return out, nil
}

// Configured reports whether any operator pattern is present.
func (p *SecurityPolicy) Configured() bool {
	return p != nil && (len(p.allowed) > 0 || len(p.blocked) > 0)
}

// Check returns a wrapped ErrPolicyRejected when payload may not run.
// Blocked patterns are tried first; a match that times out counts as a
// match. If allowed patterns exist the payload must match one of them.
func (p *SecurityPolicy) Check(payload string) error {
	if payload == "" {
		return fmt.Errorf("%w: empty command", ErrPolicyRejected)
	}
	if !p.Configured() {
		return checkBuiltin(payload)
	}

	for _, b := range p.blocked {
		ok, err := b.re.MatchString(payload)
		if err != nil {
			log.Warn("blocked pattern match failed", "pattern", b.source, "error", err.Error())
			return fmt.Errorf("%w: pattern %q could not be evaluated", ErrPolicyRejected, b.source)
		}
		if ok {
			return fmt.Errorf("%w: matches blocked pattern %q", ErrPolicyRejected, b.source)
		}
	}

	if len(p.allowed) == 0 {
		return nil
	}
	for _, a := range p.allowed {
		ok, err := a.re.MatchString(payload)
		if err != nil {
			log.Warn("allowed pattern match failed", "pattern", a.source, "error", err.Error())
			continue
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("%w: no allowed pattern matches", ErrPolicyRejected)
}

type dangerPattern struct {
	regex       *regexp.Regexp
	description string
}

// builtinPatterns apply only when no operator policy is configured.
var builtinPatterns = mustDangerPatterns([]struct {
	pattern string
	desc    string
}{
	{`\brm\s+(-[a-z]*\s+)*-[a-z]*r`, "recursive delete"},
	{`\brm\s+--recursive`, "recursive delete"},
	{`\bmkfs(\.[a-z0-9]+)?\b`, "filesystem format command"},
	{`\bformat\s+[a-z]:`, "disk format command"},
	{`Format-Volume|Clear-Disk|Initialize-Disk`, "PowerShell disk format"},
	{`\bdd\s+.*of=/dev/`, "direct write to block device"},
	{`>\s*/dev/[hsv]d`, "redirect to block device"},
	{`\b(shutdown|reboot|halt|poweroff)\b`, "system shutdown or reboot"},
	{`\binit\s+[06]\b`, "runlevel change"},
	{`Stop-Computer|Restart-Computer`, "PowerShell shutdown or reboot"},
	{`\b(sudo|su|doas|runas|pkexec)\b`, "privilege escalation"},
	{`\|\s*(ba|z|k|da)?sh\b`, "pipe to shell"},
	{`\|\s*(Invoke-Expression|iex)\b`, "pipe to PowerShell expression"},
	{`:\s*\(\s*\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;\s*:`, "fork bomb pattern"},
	{`chmod\s+-[rR]\s+[0-7]*777\s+/`, "recursive chmod on root"},
	{`[;&|]`, "command chaining"},
})

func mustDangerPatterns(src []struct {
	pattern string
	desc    string
}) []dangerPattern {
	out := make([]dangerPattern, 0, len(src))
	for _, p := range src {
		out = append(out, dangerPattern{
			regex:       regexp.MustCompile("(?i)" + p.pattern),
			description: p.desc,
		})
	}
	return out
}

func checkBuiltin(payload string) error {
	for _, p := range builtinPatterns {
		if p.regex.MatchString(payload) {
			return fmt.Errorf("%w: potentially dangerous pattern detected: %s", ErrPolicyRejected, p.description)
		}
	}
	return nil
}

var redactPatterns = []struct {
	regex       *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`(?i)(api[_-]?key|apikey|token|secret|password|passwd|pwd)\s*[=:]\s*['"]?[a-zA-Z0-9_\-]{8,}['"]?`), "$1=[REDACTED]"},
	{regexp.MustCompile(`(?i)AKIA[0-9A-Z]{16}`), "[AWS_KEY_REDACTED]"},
	{regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`), "[PRIVATE_KEY_REDACTED]"},
	{regexp.MustCompile(`(?i)(mongodb|mysql|postgresql|postgres|redis|amqp)://[^\s]+`), "$1://[CONNECTION_STRING_REDACTED]"},
	{regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9_\-\.]+`), "Bearer [TOKEN_REDACTED]"},
	{regexp.MustCompile(`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`), "[JWT_REDACTED]"},
}

// SanitizeOutput redacts credentials commonly printed by scripts.
func SanitizeOutput(output string) string {
	for _, p := range redactPatterns {
		output = p.regex.ReplaceAllString(output, p.replacement)
	}
	return output
}

package policy

import (
	"regexp"
	"strings"
)

// ToolDecision is the verdict on one model-requested tool call.
type ToolDecision struct {
	Risk    string
	Blocked bool
	Reason  string
}

var (
	blockedArgumentPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\brm\s+-rf\s+/(?:\s|$)`),
		regexp.MustCompile(`(?i)(?:id_rsa|id_ed25519|\.env\b|auth\.json|/etc/shadow)`),
		regexp.MustCompile(`(?i)\b(exfiltrate|steal|dump credentials|leak secrets?)\b`),
		regexp.MustCompile(`(?i)\b(print|show|reveal)\b.*\b(api[_ -]?key|token|password|secret)\b`),
	}
	highRiskToolKeywords = []string{
		"delete", "remove", "drop", "truncate", "wipe", "destroy",
		"transfer", "payment", "refund", "hangup", "terminate",
	}
)

// DecideToolCall screens a tool call before execution. Blocked calls are never executed; the
// model receives the reason as the tool output instead.
func DecideToolCall(name, arguments string) ToolDecision {
	args := strings.ToLower(strings.TrimSpace(arguments))
	for _, re := range blockedArgumentPatterns {
		if re.MatchString(args) {
			return ToolDecision{
				Risk:    "blocked",
				Blocked: true,
				Reason:  "tool arguments appear to request destructive or secret-exfiltration behavior",
			}
		}
	}

	in := strings.ToLower(strings.TrimSpace(name))
	for _, kw := range highRiskToolKeywords {
		if strings.Contains(in, kw) {
			return ToolDecision{Risk: "high"}
		}
	}
	return ToolDecision{Risk: "low"}
}

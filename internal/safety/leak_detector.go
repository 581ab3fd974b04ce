package safety

import (
	"regexp"
)

// LeakWarning describes a secret-shaped fragment found in reply text bound
// for an external channel.
type LeakWarning struct {
	Pattern string
	Sample  string // first few chars of the match, for logging
}

// LeakDetector scans outbound reply text for leaked secrets before it
// leaves the daemon through a channel adapter.
type LeakDetector struct{}

func NewLeakDetector() *LeakDetector {
	return &LeakDetector{}
}

var leakPatterns = []struct {
	re   *regexp.Regexp
	desc string
}{
	{
		re:   regexp.MustCompile(`(?i)(api[_-]?key|apikey|auth[_-]?token)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
		desc: "API key",
	},
	{
		re:   regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9_\-./+=]{16,}`),
		desc: "Bearer token",
	},
	{
		re:   regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`),
		desc: "Google API key",
	},
	{
		re:   regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`),
		desc: "OpenAI API key",
	},
	{
		re:   regexp.MustCompile(`-----BEGIN\s+(RSA\s+)?PRIVATE\s+KEY-----`),
		desc: "private key",
	},
	{
		re:   regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*"?[^\s"]{8,}"?`),
		desc: "password",
	},
}

// Scan reports secret-shaped fragments without modifying the input.
func (d *LeakDetector) Scan(text string) []LeakWarning {
	if text == "" {
		return nil
	}

	var warnings []LeakWarning
	for _, pat := range leakPatterns {
		matches := pat.re.FindAllString(text, 3) // limit to 3 matches per pattern
		for _, match := range matches {
			sample := match
			if len(sample) > 20 {
				sample = sample[:17] + "..."
			}
			warnings = append(warnings, LeakWarning{
				Pattern: pat.desc,
				Sample:  sample,
			})
		}
	}
	return warnings
}

// Redact replaces every secret-shaped fragment with a placeholder. Used on
// reply text when Scan found leaks and the message still has to go out.
func (d *LeakDetector) Redact(text string) string {
	for _, pat := range leakPatterns {
		text = pat.re.ReplaceAllString(text, "[REDACTED]")
	}
	return text
}

package safety

import "regexp"

// leakPattern recognizes one credential shape.
type leakPattern struct {
	name string
	re   *regexp.Regexp
}

var leakPatterns = []leakPattern{
	{"openai_api_key", regexp.MustCompile(`\bsk-[A-Za-z0-9]{20,}\b`)},
	{"anthropic_api_key", regexp.MustCompile(`\bsk-ant-[A-Za-z0-9_-]{20,}\b`)},
	{"github_token", regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{20,}\b`)},
	{"pem_private_key", regexp.MustCompile(`-----BEGIN (RSA |EC |OPENSSH )?PRIVATE KEY-----`)},
}

// Leak is one matched credential pattern.
type Leak struct {
	Kind string
}

// LeakDetector scans text for known credential shapes.
type LeakDetector struct{}

// NewLeakDetector creates a LeakDetector.
func NewLeakDetector() *LeakDetector {
	return &LeakDetector{}
}

// Scan returns every leak pattern that matched text.
func (d *LeakDetector) Scan(text string) []Leak {
	var leaks []Leak
	for _, p := range leakPatterns {
		if p.re.MatchString(text) {
			leaks = append(leaks, Leak{Kind: p.name})
		}
	}
	return leaks
}

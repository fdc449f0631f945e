package tenancy

import "regexp"

// Alert severities, ordered.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Alert categories.
const (
	CategoryPII           = "pii"
	CategorySecret        = "secret"
	CategoryCrossCustomer = "cross_customer"
)

// RedactedPlaceholder replaces agent output when a high or critical alert
// fires.
const RedactedPlaceholder = "[SECURITY REDACTED] The response was withheld because it contained sensitive data or content belonging to another customer."

// Alert is a single leakage finding over agent output text.
type Alert struct {
	Pattern  string `json:"pattern"`
	Category string `json:"category"`
	Severity string `json:"severity"`
	Match    string `json:"match"`
}

type leakPattern struct {
	name     string
	category string
	severity string
	re       *regexp.Regexp
}

var leakPatterns = []leakPattern{
	{name: "email", category: CategoryPII, severity: SeverityMedium,
		re: regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)},
	{name: "phone", category: CategoryPII, severity: SeverityMedium,
		re: regexp.MustCompile(`\b(?:\+1[-.\s]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`)},
	{name: "ssn", category: CategoryPII, severity: SeverityMedium,
		re: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{name: "api_key", category: CategorySecret, severity: SeverityCritical,
		re: regexp.MustCompile(`\bsk-[a-zA-Z0-9_-]{16,}\b`)},
	{name: "jwt", category: CategorySecret, severity: SeverityCritical,
		re: regexp.MustCompile(`\beyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\b`)},
	{name: "uuid", category: CategoryCrossCustomer, severity: SeverityHigh,
		re: regexp.MustCompile(`\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}\b`)},
}

// LeakageDetector scans agent output text for PII, secrets, and foreign
// tenant ids. It is stateless and safe for concurrent use.
type LeakageDetector struct{}

// NewLeakageDetector returns a detector. Patterns are compiled at package
// init.
func NewLeakageDetector() *LeakageDetector { return &LeakageDetector{} }

// Scan returns every alert found in text. UUIDs equal to customerID are the
// caller's own and never alert; any other UUID is a cross-customer finding.
func (d *LeakageDetector) Scan(text, customerID string) []Alert {
	var alerts []Alert
	for _, p := range leakPatterns {
		for _, m := range p.re.FindAllString(text, -1) {
			if p.category == CategoryCrossCustomer && equalUUID(m, customerID) {
				continue
			}
			alerts = append(alerts, Alert{
				Pattern:  p.name,
				Category: p.category,
				Severity: p.severity,
				Match:    m,
			})
		}
	}
	return alerts
}

// ShouldBlock reports whether the alert set requires replacing the output
// with RedactedPlaceholder.
func (d *LeakageDetector) ShouldBlock(alerts []Alert) bool {
	for _, a := range alerts {
		if a.Severity == SeverityHigh || a.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

func equalUUID(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

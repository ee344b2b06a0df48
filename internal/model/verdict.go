package model

import "strings"

// VerdictStatus is the outcome class assigned to one email.
type VerdictStatus string

const (
	VerdictValid   VerdictStatus = "valid"
	VerdictInvalid VerdictStatus = "invalid"
	VerdictRisky   VerdictStatus = "risky"
	VerdictUnknown VerdictStatus = "unknown"
)

// OutputStatuses are the verdicts that get their own output file on a chunk
// and in the merged job results.
var OutputStatuses = []VerdictStatus{VerdictValid, VerdictInvalid, VerdictRisky}

// ValidVerdict reports whether s is a known verdict status.
func ValidVerdict(s VerdictStatus) bool {
	switch s {
	case VerdictValid, VerdictInvalid, VerdictRisky, VerdictUnknown:
		return true
	}
	return false
}

// Verdict is one cached or worker-reported result for a normalized email.
type Verdict struct {
	Email      string        `json:"email"`
	Status     VerdictStatus `json:"status"`
	Reason     string        `json:"reason,omitempty"`
	ObservedAt int64         `json:"observed_at,omitempty"` // unix seconds
}

// ReasonBase returns the reason tag up to the first colon, so
// "smtp_tempfail:greylisted" classifies as "smtp_tempfail". Retry
// eligibility and hard-invalid matching both operate on the base.
func ReasonBase(reason string) string {
	if i := strings.IndexByte(reason, ':'); i >= 0 {
		return reason[:i]
	}
	return reason
}

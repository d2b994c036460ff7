package keymeter

import (
	"fmt"
	"time"
)

// DefaultWindow is the rolling quota window after which a client's counter resets.
const DefaultWindow = 24 * time.Hour

// KeyRecord is a registered API key and its quota limit.
type KeyRecord struct {
	Key   string
	Limit int64
}

// UsageRecord is the usage counter for one (key, client) pair.
type UsageRecord struct {
	Used         int64     `json:"used"`
	LastActivity time.Time `json:"last_used"`
}

// Expired reports whether the rolling window has elapsed since the last activity.
func (r UsageRecord) Expired(now time.Time, window time.Duration) bool {
	return now.Sub(r.LastActivity) > window
}

// ClientUsage pairs a client identifier with its usage record.
type ClientUsage struct {
	ClientID string
	Record   UsageRecord
}

// Reason explains why a request was denied.
type Reason string

const (
	ReasonInvalidKey    Reason = "invalid_key"
	ReasonQuotaExceeded Reason = "quota_exceeded"
)

// Message returns the user-facing text for a denial.
func (r Reason) Message() string {
	switch r {
	case ReasonInvalidKey:
		return "Invalid or missing API key."
	case ReasonQuotaExceeded:
		return "API key usage limit exceeded. Please wait 24 hours."
	default:
		return ""
	}
}

// Retryable reports whether the denial resolves on its own once the window elapses.
func (r Reason) Retryable() bool {
	return r == ReasonQuotaExceeded
}

// Decision is the outcome of Evaluate or Consume.
//
// Denials are not errors: an unknown key or an exhausted quota is reported
// through Allowed and Reason. Only infrastructure failures surface as errors.
type Decision struct {
	Allowed   bool
	Reason    Reason
	Key       string
	ClientID  string
	Limit     int64
	Used      int64
	Remaining int64

	// Window is the configured rolling window, used for the reset label.
	Window time.Duration

	// RetryAfter is set on quota_exceeded: time left until the window elapses.
	RetryAfter time.Duration

	// ID is the receipt of a successful Consume.
	ID string
}

// ResetIn returns a human-readable window label such as "24 hours".
func (d Decision) ResetIn() string {
	return WindowLabel(d.Window)
}

// WindowLabel formats a window duration in whole hours or minutes.
func WindowLabel(w time.Duration) string {
	switch {
	case w <= 0:
		return "0 minutes"
	case w%time.Hour == 0:
		h := int64(w / time.Hour)
		if h == 1 {
			return "1 hour"
		}
		return fmt.Sprintf("%d hours", h)
	case w%time.Minute == 0:
		m := int64(w / time.Minute)
		if m == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", m)
	default:
		return w.String()
	}
}

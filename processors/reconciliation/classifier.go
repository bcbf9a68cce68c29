package reconciliation

import (
	"time"

	"github.com/roamlink/portal/lifecycle-processor/models"
)

type Verdict string

const (
	VerdictActive    Verdict = "active"
	VerdictCancelled Verdict = "cancelled"
	VerdictExpired   Verdict = "expired"
)

// Outcome is a classification verdict together with the name of the rule
// that produced it, so corrections stay auditable.
type Outcome struct {
	Verdict Verdict
	Rule    string
}

// Provider status codes collapse into these classes.
const (
	StatusClassActive    string = "active"
	StatusClassCancelled string = "cancelled"
	StatusClassExpired   string = "expired"
	StatusClassUnknown   string = "unknown"
)

var terminalCancelCodes = map[string]bool{
	"cancelled":  true,
	"revoked":    true,
	"terminated": true,
	"suspended":  true,
	"disabled":   true,
}

var terminalExpiredCodes = map[string]bool{
	"expired":     true,
	"deleted":     true,
	"unavailable": true,
}

var activeCodes = map[string]bool{
	"active":  true,
	"enabled": true,
}

// ClassifyProviderStatus maps a raw provider status code onto a class. An
// empty or unrecognized code is unknown, never a terminal state.
func ClassifyProviderStatus(code string) string {
	switch {
	case terminalCancelCodes[code]:
		return StatusClassCancelled
	case terminalExpiredCodes[code]:
		return StatusClassExpired
	case activeCodes[code]:
		return StatusClassActive
	default:
		return StatusClassUnknown
	}
}

type classificationRule struct {
	name string
	eval func(sub *models.Subscription, now time.Time) (Verdict, bool)
}

// The rules run in order and short-circuit on the first verdict. Order
// encodes signal strength: the stored status outranks explicit flags, flags
// outrank metadata, and the provider payload only speaks for records the
// pipeline is not actively driving forward.
var classificationRules = []classificationRule{
	{
		name: "stored_status_cancelled",
		eval: func(sub *models.Subscription, now time.Time) (Verdict, bool) {
			if sub.Status == models.SubscriptionCancelled {
				return VerdictCancelled, true
			}
			return "", false
		},
	},
	{
		name: "cancellation_flag",
		eval: func(sub *models.Subscription, now time.Time) (Verdict, bool) {
			if sub.Cancelled || sub.CancelledAt.Valid {
				return VerdictCancelled, true
			}
			return "", false
		},
	},
	{
		name: "metadata_marker",
		eval: func(sub *models.Subscription, now time.Time) (Verdict, bool) {
			if sub.Metadata.HasCancellationMarker() {
				return VerdictCancelled, true
			}
			return "", false
		},
	},
	{
		name: "provider_terminal_status",
		eval: func(sub *models.Subscription, now time.Time) (Verdict, bool) {
			// A stale provider snapshot must not override a record the
			// pipeline still considers live.
			if sub.Status == models.SubscriptionWaitingForActivation || sub.Status == models.SubscriptionActivated {
				return "", false
			}

			switch ClassifyProviderStatus(sub.ProviderPayload.StatusCode()) {
			case StatusClassCancelled:
				return VerdictCancelled, true
			case StatusClassExpired:
				return VerdictExpired, true
			}
			return "", false
		},
	},
	{
		name: "stored_status_expired",
		eval: func(sub *models.Subscription, now time.Time) (Verdict, bool) {
			if sub.Status == models.SubscriptionExpired {
				return VerdictExpired, true
			}
			return "", false
		},
	},
	{
		name: "validity_elapsed",
		eval: func(sub *models.Subscription, now time.Time) (Verdict, bool) {
			if sub.Status != models.SubscriptionActivated {
				return "", false
			}

			if end, ok := sub.ValidityEnd(); ok && !end.After(now) {
				return VerdictExpired, true
			}
			return "", false
		},
	},
}

// Classify evaluates the decision table against a subscription record. It is
// pure: no I/O, no mutation, always returns a verdict.
func Classify(sub *models.Subscription, now time.Time) Outcome {
	for _, rule := range classificationRules {
		if verdict, ok := rule.eval(sub, now); ok {
			return Outcome{Verdict: verdict, Rule: rule.name}
		}
	}

	return Outcome{Verdict: VerdictActive, Rule: "default"}
}

// IsCancelled reports whether the record counts as cancelled or refunded.
// Expired records do not: only cancellation triggers crediting.
func IsCancelled(sub *models.Subscription, now time.Time) bool {
	return Classify(sub, now).Verdict == VerdictCancelled
}

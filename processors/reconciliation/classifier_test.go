package reconciliation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/roamlink/portal/lifecycle-processor/models"
	"github.com/roamlink/portal/lifecycle-processor/utils"
)

var classificationNow = time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

func waitingSubscription() *models.Subscription {
	return &models.Subscription{
		ID:                "sub1",
		CompanyID:         "comp123",
		WebhookEndpointID: "wh123",
		Status:            models.SubscriptionWaitingForActivation,
	}
}

func revokedPayload() models.ProviderPayload {
	return models.ProviderPayload{"profile": map[string]any{"status": "revoked"}}
}

func TestClassify(t *testing.T) {
	t.Run("should trust a stored cancelled status first", func(t *testing.T) {
		sub := waitingSubscription()
		sub.Status = models.SubscriptionCancelled

		outcome := Classify(sub, classificationNow)

		assert.Equal(t, Outcome{Verdict: VerdictCancelled, Rule: "stored_status_cancelled"}, outcome)
	})

	t.Run("should treat the cancellation flag as cancelled", func(t *testing.T) {
		sub := waitingSubscription()
		sub.Cancelled = true

		outcome := Classify(sub, classificationNow)

		assert.Equal(t, Outcome{Verdict: VerdictCancelled, Rule: "cancellation_flag"}, outcome)
	})

	t.Run("should treat a cancellation timestamp as cancelled", func(t *testing.T) {
		sub := waitingSubscription()
		sub.CancelledAt = utils.NewNullTime(classificationNow.Add(-time.Hour))

		outcome := Classify(sub, classificationNow)

		assert.Equal(t, Outcome{Verdict: VerdictCancelled, Rule: "cancellation_flag"}, outcome)
	})

	t.Run("should pick up cancellation markers from the metadata", func(t *testing.T) {
		sub := waitingSubscription()
		sub.Metadata = models.Metadata{"refunded": true}

		outcome := Classify(sub, classificationNow)

		assert.Equal(t, Outcome{Verdict: VerdictCancelled, Rule: "metadata_marker"}, outcome)
	})

	t.Run("should ignore the provider payload while the record is live", func(t *testing.T) {
		waiting := waitingSubscription()
		waiting.ProviderPayload = revokedPayload()

		activated := waitingSubscription()
		activated.Status = models.SubscriptionActivated
		activated.ProviderPayload = revokedPayload()

		assert.Equal(t, Outcome{Verdict: VerdictActive, Rule: "default"}, Classify(waiting, classificationNow))
		assert.Equal(t, Outcome{Verdict: VerdictActive, Rule: "default"}, Classify(activated, classificationNow))
	})

	t.Run("should follow a terminal provider status on errored records", func(t *testing.T) {
		sub := waitingSubscription()
		sub.Status = models.SubscriptionError
		sub.ProviderPayload = revokedPayload()

		outcome := Classify(sub, classificationNow)

		assert.Equal(t, Outcome{Verdict: VerdictCancelled, Rule: "provider_terminal_status"}, outcome)
	})

	t.Run("should map a deleted provider profile to expired, not cancelled", func(t *testing.T) {
		sub := waitingSubscription()
		sub.Status = models.SubscriptionError
		sub.ProviderPayload = models.ProviderPayload{"profile": map[string]any{"status": "deleted"}}

		outcome := Classify(sub, classificationNow)

		assert.Equal(t, Outcome{Verdict: VerdictExpired, Rule: "provider_terminal_status"}, outcome)
	})

	t.Run("should keep errored records active on an unknown provider status", func(t *testing.T) {
		sub := waitingSubscription()
		sub.Status = models.SubscriptionError
		sub.ProviderPayload = models.ProviderPayload{"profile": map[string]any{"status": "provisioning"}}

		outcome := Classify(sub, classificationNow)

		assert.Equal(t, Outcome{Verdict: VerdictActive, Rule: "default"}, outcome)
	})

	t.Run("should trust a stored expired status", func(t *testing.T) {
		sub := waitingSubscription()
		sub.Status = models.SubscriptionExpired

		outcome := Classify(sub, classificationNow)

		assert.Equal(t, Outcome{Verdict: VerdictExpired, Rule: "stored_status_expired"}, outcome)
	})

	t.Run("should expire activated records whose validity elapsed", func(t *testing.T) {
		sub := waitingSubscription()
		sub.Status = models.SubscriptionActivated
		sub.ActivatedAt = utils.NewNullTime(classificationNow.AddDate(0, 0, -30))
		sub.PlanValidityDays = 30

		outcome := Classify(sub, classificationNow)

		assert.Equal(t, Outcome{Verdict: VerdictExpired, Rule: "validity_elapsed"}, outcome)
	})

	t.Run("should prefer the stored expiry over the derived one", func(t *testing.T) {
		sub := waitingSubscription()
		sub.Status = models.SubscriptionActivated
		sub.ActivatedAt = utils.NewNullTime(classificationNow.AddDate(0, 0, -3))
		sub.ExpiresAt = utils.NewNullTime(classificationNow.Add(time.Hour))
		sub.PlanValidityDays = 1

		outcome := Classify(sub, classificationNow)

		assert.Equal(t, Outcome{Verdict: VerdictActive, Rule: "default"}, outcome)
	})

	t.Run("should not expire records that never activated", func(t *testing.T) {
		sub := waitingSubscription()
		sub.Status = models.SubscriptionError
		sub.ExpiresAt = utils.NewNullTime(classificationNow.Add(-time.Hour))

		outcome := Classify(sub, classificationNow)

		assert.Equal(t, Outcome{Verdict: VerdictActive, Rule: "default"}, outcome)
	})

	t.Run("should default to active for a clean waiting record", func(t *testing.T) {
		outcome := Classify(waitingSubscription(), classificationNow)

		assert.Equal(t, Outcome{Verdict: VerdictActive, Rule: "default"}, outcome)
	})
}

func TestClassifyProviderStatus(t *testing.T) {
	t.Run("should collapse terminal cancellation codes", func(t *testing.T) {
		assert.Equal(t, StatusClassCancelled, ClassifyProviderStatus("cancelled"))
		assert.Equal(t, StatusClassCancelled, ClassifyProviderStatus("revoked"))
		assert.Equal(t, StatusClassCancelled, ClassifyProviderStatus("terminated"))
		assert.Equal(t, StatusClassCancelled, ClassifyProviderStatus("suspended"))
		assert.Equal(t, StatusClassCancelled, ClassifyProviderStatus("disabled"))
	})

	t.Run("should collapse terminal expiry codes", func(t *testing.T) {
		assert.Equal(t, StatusClassExpired, ClassifyProviderStatus("expired"))
		assert.Equal(t, StatusClassExpired, ClassifyProviderStatus("deleted"))
		assert.Equal(t, StatusClassExpired, ClassifyProviderStatus("unavailable"))
	})

	t.Run("should collapse live codes", func(t *testing.T) {
		assert.Equal(t, StatusClassActive, ClassifyProviderStatus("active"))
		assert.Equal(t, StatusClassActive, ClassifyProviderStatus("enabled"))
	})

	t.Run("should never treat an unrecognized code as terminal", func(t *testing.T) {
		assert.Equal(t, StatusClassUnknown, ClassifyProviderStatus(""))
		assert.Equal(t, StatusClassUnknown, ClassifyProviderStatus("provisioning"))
	})
}

func TestIsCancelled(t *testing.T) {
	t.Run("should report cancelled records", func(t *testing.T) {
		sub := waitingSubscription()
		sub.Status = models.SubscriptionCancelled

		assert.True(t, IsCancelled(sub, classificationNow))
	})

	t.Run("should not count expired records as cancelled", func(t *testing.T) {
		sub := waitingSubscription()
		sub.Status = models.SubscriptionExpired

		assert.False(t, IsCancelled(sub, classificationNow))
	})
}

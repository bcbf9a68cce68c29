package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/roamlink/portal/lifecycle-processor/models"
	"github.com/roamlink/portal/lifecycle-processor/utils"
)

// Client looks up the authoritative profile state at the connectivity
// provider.
type Client interface {
	FetchProfile(ctx context.Context, iccid string) utils.Result[*ProfileStatus]
}

// ProfileStatus is the provider's view of a single eSIM profile.
type ProfileStatus struct {
	ICCID  string `json:"profile.iccid"`
	Status string `json:"profile.status"`

	body map[string]any
}

// StatusCode returns the provider status normalized for classification.
func (profile *ProfileStatus) StatusCode() string {
	return strings.ToLower(strings.TrimSpace(profile.Status))
}

// Payload returns the raw response document, kept for storage alongside the
// corrected record.
func (profile *ProfileStatus) Payload() models.ProviderPayload {
	return models.ProviderPayload(profile.body)
}

type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *retryablehttp.Client
	logger  *slog.Logger
}

func NewHTTPClient(logger *slog.Logger, baseURL string, apiKey string, timeout time.Duration) *HTTPClient {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.HTTPClient.Timeout = timeout
	client.Logger = nil

	return &HTTPClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		client:  client,
		logger:  logger,
	}
}

func (client *HTTPClient) FetchProfile(ctx context.Context, iccid string) utils.Result[*ProfileStatus] {
	url := fmt.Sprintf("%s/profiles/%s", client.baseURL, iccid)

	request, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return utils.FailedResult[*ProfileStatus](err).NonRetryable()
	}
	request.Header.Set("Authorization", fmt.Sprintf("Bearer %s", client.apiKey))
	request.Header.Set("Accept", "application/json")

	response, err := client.client.Do(request)
	if err != nil {
		return utils.FailedResult[*ProfileStatus](err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return utils.FailedResult[*ProfileStatus](err)
	}

	switch {
	case response.StatusCode == http.StatusNotFound:
		return utils.FailedResult[*ProfileStatus](fmt.Errorf("profile %s not found at provider", iccid)).NonRetryable().NonCapturable()
	case response.StatusCode >= http.StatusInternalServerError:
		return utils.FailedResult[*ProfileStatus](fmt.Errorf("provider returned %d for profile %s", response.StatusCode, iccid))
	case response.StatusCode != http.StatusOK:
		return utils.FailedResult[*ProfileStatus](fmt.Errorf("provider returned %d for profile %s", response.StatusCode, iccid)).NonRetryable()
	}

	var profile ProfileStatus
	if err := utils.UnmarshalNestedJSON(body, &profile); err != nil {
		return utils.FailedResult[*ProfileStatus](err).NonRetryable()
	}

	if err := json.Unmarshal(body, &profile.body); err != nil {
		client.logger.Warn("Provider response not retained as payload", slog.String("iccid", iccid), slog.String("error", err.Error()))
	}

	return utils.SuccessResult(&profile)
}

package tests

import (
	"github.com/roamlink/portal/lifecycle-processor/models"
)

type MockPatternStore struct {
	Saved          map[string]models.WebhookFailurePattern
	Deleted        []string
	Loaded         []models.WebhookFailurePattern
	ExecutionCount int
	ReturnedError  error
}

func (mps *MockPatternStore) Save(pattern *models.WebhookFailurePattern) error {
	mps.ExecutionCount++

	if mps.ReturnedError != nil {
		return mps.ReturnedError
	}

	if mps.Saved == nil {
		mps.Saved = make(map[string]models.WebhookFailurePattern)
	}
	mps.Saved[pattern.Endpoint] = *pattern

	return nil
}

func (mps *MockPatternStore) Delete(endpoint string) error {
	mps.ExecutionCount++
	mps.Deleted = append(mps.Deleted, endpoint)

	return mps.ReturnedError
}

func (mps *MockPatternStore) LoadAll() ([]models.WebhookFailurePattern, error) {
	mps.ExecutionCount++

	return mps.Loaded, mps.ReturnedError
}

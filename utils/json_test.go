package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type profileDocument struct {
	RequestID    string `json:"request_id"`
	ICCID        string `json:"profile.iccid"`
	Status       string `json:"profile.status"`
	RetryCount   int    `json:"meta.retry_count"`
	Acknowledged bool   `json:"acknowledged"`
	IgnoredField string `json:"-"`
}

func TestUnmarshalNestedJSON_SimpleFields(t *testing.T) {
	data := []byte(`{
		"request_id": "req-123",
		"acknowledged": true
	}`)

	var result profileDocument
	err := UnmarshalNestedJSON(data, &result)

	require.NoError(t, err)
	assert.Equal(t, "req-123", result.RequestID)
	assert.Equal(t, true, result.Acknowledged)
}

func TestUnmarshalNestedJSON_NestedField(t *testing.T) {
	data := []byte(`{
		"request_id": "req-123",
		"profile": {
			"iccid": "89440001",
			"status": "RELEASED"
		},
		"meta": {
			"retry_count": 2
		}
	}`)

	var result profileDocument
	err := UnmarshalNestedJSON(data, &result)

	require.NoError(t, err)
	assert.Equal(t, "req-123", result.RequestID)
	assert.Equal(t, "89440001", result.ICCID)
	assert.Equal(t, "RELEASED", result.Status)
	assert.Equal(t, 2, result.RetryCount)
}

func TestUnmarshalNestedJSON_MissingNestedField(t *testing.T) {
	data := []byte(`{
		"request_id": "req-123",
		"profile": {
			"other_field": "value"
		}
	}`)

	var result profileDocument
	err := UnmarshalNestedJSON(data, &result)

	require.NoError(t, err)
	assert.Equal(t, "", result.Status)
}

func TestUnmarshalNestedJSON_NullParent(t *testing.T) {
	data := []byte(`{
		"request_id": "null-test",
		"profile": null
	}`)

	var result profileDocument
	err := UnmarshalNestedJSON(data, &result)

	require.NoError(t, err)
	assert.Equal(t, "", result.ICCID)
}

func TestUnmarshalNestedJSON_MissingParent(t *testing.T) {
	data := []byte(`{
		"request_id": "missing-parent",
		"acknowledged": false
	}`)

	var result profileDocument
	err := UnmarshalNestedJSON(data, &result)

	require.NoError(t, err)
	assert.Equal(t, "", result.ICCID)
}

func TestUnmarshalNestedJSON_InvalidJSON(t *testing.T) {
	data := []byte(`{invalid json}`)

	var result profileDocument
	err := UnmarshalNestedJSON(data, &result)

	assert.Error(t, err)
}

func TestUnmarshalNestedJSON_EmptyJSON(t *testing.T) {
	data := []byte(`{}`)

	var result profileDocument
	err := UnmarshalNestedJSON(data, &result)

	require.NoError(t, err)
}

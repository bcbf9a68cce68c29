package utils

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type expectedTime struct {
	timestamp   any
	parsedValue time.Time
}

func TestToTime(t *testing.T) {
	t.Run("With supported time format", func(t *testing.T) {
		valueInt, _ := time.Parse(time.RFC3339, "2026-08-20T10:00:00Z")
		valueFloat, _ := time.Parse(time.RFC3339, "2026-08-20T10:00:00.5Z")

		expectations := []expectedTime{
			{
				timestamp:   1787220000,
				parsedValue: valueInt,
			},
			{
				timestamp:   int64(1787220000),
				parsedValue: valueInt,
			},
			{
				timestamp:   float64(1787220000.5),
				parsedValue: valueFloat,
			},
			{
				timestamp:   fmt.Sprintf("%f", 1787220000.5),
				parsedValue: valueFloat,
			},
		}

		for _, test := range expectations {
			result := ToTime(test.timestamp)
			assert.True(t, result.Success())
			assert.Equal(t, test.parsedValue, result.Value())
		}
	})

	t.Run("With unsupported time format", func(t *testing.T) {
		result := ToTime("2026-08-20T10:00:00Z")
		assert.False(t, result.Success())
		assert.Equal(t, "strconv.ParseFloat: parsing \"2026-08-20T10:00:00Z\": invalid syntax", result.ErrorMsg())
	})

	t.Run("With unsupported type", func(t *testing.T) {
		result := ToTime(true)
		assert.False(t, result.Success())
		assert.Equal(t, "unsupported timestamp type: bool", result.ErrorMsg())
	})
}

func TestCustomTime(t *testing.T) {
	t.Run("With expected time format", func(t *testing.T) {
		ct := &CustomTime{}

		value := "2026-08-20T10:00:00"
		err := ct.UnmarshalJSON([]byte(value))
		assert.NoError(t, err)
		assert.Equal(t, value, ct.String())

		data, err := ct.MarshalJSON()
		assert.NoError(t, err)
		assert.Equal(t, []byte(fmt.Sprintf("%q", value)), data)
	})

	t.Run("With invalid time format", func(t *testing.T) {
		ct := &CustomTime{}

		err := ct.UnmarshalJSON([]byte("2026-08-20T10:00:00Z"))
		assert.Error(t, err)
	})

	t.Run("When timestamp is a unix timestamp sent as string", func(t *testing.T) {
		ct := &CustomTime{}

		err := ct.UnmarshalJSON([]byte("1787220000"))
		assert.NoError(t, err)
		assert.Equal(t, "2026-08-20T10:00:00", ct.String())
	})

	t.Run("When time is zero", func(t *testing.T) {
		ct := CustomTime{}

		data, err := ct.MarshalJSON()
		assert.NoError(t, err)
		assert.Equal(t, []byte("null"), data)
	})
}

func TestNullTime(t *testing.T) {
	t.Run("Marshals valid times as unix microseconds", func(t *testing.T) {
		activatedAt := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
		nt := NewNullTime(activatedAt)

		data, err := nt.MarshalJSON()
		assert.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("%d", activatedAt.UnixMicro()), string(data))

		var decoded NullTime
		err = decoded.UnmarshalJSON(data)
		assert.NoError(t, err)
		assert.True(t, decoded.Valid)
		assert.Equal(t, activatedAt, decoded.Time)
	})

	t.Run("Marshals invalid times as null", func(t *testing.T) {
		var nt NullTime

		data, err := nt.MarshalJSON()
		assert.NoError(t, err)
		assert.Equal(t, []byte("null"), data)

		var decoded NullTime
		err = decoded.UnmarshalJSON(data)
		assert.NoError(t, err)
		assert.False(t, decoded.Valid)
	})

	t.Run("Accepts RFC3339 strings", func(t *testing.T) {
		var nt NullTime

		err := nt.UnmarshalJSON([]byte(`"2026-08-20T10:00:00Z"`))
		assert.NoError(t, err)
		assert.True(t, nt.Valid)
		assert.Equal(t, time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC), nt.Time)
	})

	t.Run("Treats empty strings as null", func(t *testing.T) {
		var nt NullTime

		err := nt.UnmarshalJSON([]byte(`""`))
		assert.NoError(t, err)
		assert.False(t, nt.Valid)
	})

	t.Run("Rejects unparseable strings", func(t *testing.T) {
		var nt NullTime

		err := nt.UnmarshalJSON([]byte(`"next tuesday"`))
		assert.Error(t, err)
	})
}

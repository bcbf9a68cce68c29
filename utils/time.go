package utils

import (
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const wireTimeLayout = "2006-01-02T15:04:05"

// ToTime converts a unix timestamp in any of the encodings seen on the
// wire (integer, float, numeric string) into a UTC time truncated to
// millisecond precision.
func ToTime(timestamp any) Result[time.Time] {
	var seconds int64
	var nanoseconds int64

	switch timestamp := timestamp.(type) {
	case string:
		floatTimestamp, err := strconv.ParseFloat(timestamp, 64)
		if err != nil {
			return FailedResult[time.Time](err)
		}

		seconds = int64(floatTimestamp)
		nanoseconds = int64((floatTimestamp - float64(seconds)) * 1e9)

	case int:
		seconds = int64(timestamp)

	case int64:
		seconds = timestamp

	case float64:
		seconds = int64(timestamp)
		nanoseconds = int64((timestamp - float64(seconds)) * 1e9)

	default:
		return FailedResult[time.Time](fmt.Errorf("unsupported timestamp type: %T", timestamp))
	}

	return SuccessResult(time.Unix(seconds, nanoseconds).In(time.UTC).Truncate(time.Millisecond))
}

// CustomTime serializes without a timezone suffix, matching the format
// the admin backend emits on lifecycle events.
type CustomTime time.Time

func (ct *CustomTime) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), "\"")
	if s == "null" || s == "" {
		return nil
	}

	t, err := time.Parse(wireTimeLayout, s)
	if err != nil {
		// value could be a unix timestamp encoded as a string
		timeResult := ToTime(s)
		if timeResult.Failure() {
			return err
		}

		t = timeResult.value
	}

	*ct = CustomTime(t)
	return nil
}

func (ct CustomTime) MarshalJSON() ([]byte, error) {
	t := time.Time(ct)
	if t.IsZero() {
		return []byte("null"), nil
	}

	data := make([]byte, 0, len(wireTimeLayout)+2)
	return fmt.Appendf(data, "\"%s\"", t.Format(wireTimeLayout)), nil
}

func (ct CustomTime) Time() time.Time {
	return time.Time(ct)
}

func (ct CustomTime) String() string {
	return ct.Time().Format(wireTimeLayout)
}

// NullTime wraps sql.NullTime with JSON support for the two encodings
// stored records use: unix microseconds and RFC3339 strings.
type NullTime struct {
	sql.NullTime
}

func NewNullTime(t time.Time) NullTime {
	return NullTime{
		NullTime: sql.NullTime{
			Time:  t,
			Valid: true,
		},
	}
}

func NowNullTime() NullTime {
	return NewNullTime(time.Now())
}

func (nt *NullTime) Scan(value interface{}) error {
	return nt.NullTime.Scan(value)
}

func (nt NullTime) Value() (driver.Value, error) {
	return nt.NullTime.Value()
}

func (nt *NullTime) MarshalJSON() ([]byte, error) {
	if !nt.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(nt.Time.UnixMicro())
}

func (nt *NullTime) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		nt.Valid = false
		return nil
	}

	var microseconds int64
	if err := json.Unmarshal(data, &microseconds); err == nil {
		nt.Time = time.UnixMicro(microseconds).UTC()
		nt.Valid = true
		return nil
	}

	var timestampStr string
	if err := json.Unmarshal(data, &timestampStr); err != nil {
		return err
	}

	if timestampStr == "" {
		nt.Valid = false
		return nil
	}

	if t, err := time.Parse(time.RFC3339, timestampStr); err == nil {
		nt.Time = t
		nt.Valid = true
		return nil
	}

	return fmt.Errorf("unable to parse timestamp string: %s", timestampStr)
}

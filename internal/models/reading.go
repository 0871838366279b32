package models

import (
	"errors"
	"time"
)

// Reading is a single numeric sample from one telemetry channel.
type Reading struct {
	// Channel is the channel kind, e.g. "temperature"
	Channel string `json:"channel"`

	Value float64 `json:"value"`

	Timestamp time.Time `json:"timestamp"`
}

// Normalization errors
var (
	ErrUnknownChannel   = errors.New("unknown channel")
	ErrInvalidPayload   = errors.New("payload is not a valid JSON object")
	ErrMissingValue     = errors.New("payload has no value")
	ErrNonNumericValue  = errors.New("value is not numeric")
	ErrInvalidTimestamp = errors.New("invalid timestamp format")
)

// ErrorType maps a normalization error to a short metrics label.
func ErrorType(err error) string {
	switch {
	case errors.Is(err, ErrUnknownChannel):
		return "unknown_channel"
	case errors.Is(err, ErrInvalidPayload):
		return "invalid_payload"
	case errors.Is(err, ErrMissingValue):
		return "missing_value"
	case errors.Is(err, ErrNonNumericValue):
		return "non_numeric_value"
	case errors.Is(err, ErrInvalidTimestamp):
		return "invalid_timestamp"
	default:
		return "other"
	}
}

package event

import (
	"errors"
	"fmt"
)

const (
	ErrorMissingEventID  = "missing_event_id"
	ErrorMissingSender   = "missing_sender"
	ErrorUndecodable     = "undecodable_payload"
	ErrorUnsupported     = "unsupported_update"
	ErrorEmptyPayload    = "empty_payload"
	ErrorUnknownChannel  = "unknown_channel"
	ErrorMalformedDetail = "malformed"
)

// MalformedEventError reports an update that cannot be normalized.
//
// Malformed updates are dropped without retry, so the category is what callers
// log and count.
type MalformedEventError struct {
	Category string
	Detail   string
}

func (e *MalformedEventError) Error() string {
	if e == nil {
		return ""
	}
	if e.Detail == "" {
		return "malformed event: " + e.Category
	}

	return fmt.Sprintf("malformed event: %s: %s", e.Category, e.Detail)
}

// Malformed creates a categorized normalization error.
func Malformed(category string, detail string) error {
	return &MalformedEventError{Category: category, Detail: detail}
}

// IsMalformed reports whether err is (or wraps) a MalformedEventError.
func IsMalformed(err error) bool {
	var malformed *MalformedEventError
	return errors.As(err, &malformed)
}

// CategoryFromError returns the malformed category for err when available.
func CategoryFromError(err error) string {
	if err == nil {
		return ""
	}

	var malformed *MalformedEventError
	if errors.As(err, &malformed) {
		return malformed.Category
	}

	return ErrorMalformedDetail
}

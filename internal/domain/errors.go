package domain

import "fmt"

// AuthError indicates a failed credential exchange. A cycle that hits one
// is abandoned before any fetch.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// NewAuthError wraps err as an AuthError.
func NewAuthError(err error) *AuthError {
	return &AuthError{Err: err}
}

// FetchError indicates that a telemetry call failed or returned no usable
// body. Each of the three fetches fails independently.
type FetchError struct {
	Target string // "station" or a device serial
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Target, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// NewFetchError wraps err as a FetchError for the given target.
func NewFetchError(target string, err error) *FetchError {
	return &FetchError{Target: target, Err: err}
}

// TransformError indicates a missing or empty attribute list for a device.
// It degrades that device's attribute publication, never the cycle.
type TransformError struct {
	Device string
	Reason string
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("transform %s: %s", e.Device, e.Reason)
}

// NewTransformError reports a flattening failure for the named device.
func NewTransformError(device, reason string) *TransformError {
	return &TransformError{Device: device, Reason: reason}
}

// PublishError indicates that a single message failed to reach the broker.
// Publication of the remaining messages continues.
type PublishError struct {
	Topic string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s: %v", e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// NewPublishError wraps err as a PublishError for the given topic.
func NewPublishError(topic string, err error) *PublishError {
	return &PublishError{Topic: topic, Err: err}
}

// Package domain provides core domain models and interfaces for the go-solarman application
package domain

import (
	"context"
)

// Metadata fields present in every Solarman API response envelope. They are
// stripped from snapshots at decode time and never published.
var metadataFields = map[string]bool{
	"code":      true,
	"msg":       true,
	"requestId": true,
	"success":   true,
}

// IsMetadataField reports whether a response field belongs to the API
// envelope rather than to the telemetry payload.
func IsMetadataField(name string) bool {
	return metadataFields[name]
}

// Credentials holds the account identity used for the token exchange.
// The password is hashed (SHA-256, hex) before it leaves the process.
type Credentials struct {
	Host      string
	AppID     string
	AppSecret string
	Email     string
	Password  string
	OrgID     string
}

// Token is a short-lived bearer credential. It lives for one poll cycle
// and is never persisted or reused.
type Token string

// DataPoint is a single entry of a device's attribute list as returned by
// the currentData endpoint.
type DataPoint struct {
	Key   string      `json:"key"`
	Name  string      `json:"name"`
	Value interface{} `json:"value"`
}

// StationSnapshot carries the aggregate station-level readings of one
// realTime response, with the envelope metadata already stripped.
type StationSnapshot struct {
	Fields map[string]interface{}
}

// DeviceSnapshot carries the current readings of a single device (inverter
// or logger). DeviceState and the attribute list are lifted into typed
// fields during decode; Fields holds the remaining non-metadata scalars,
// deviceState included.
type DeviceSnapshot struct {
	DeviceSN    string
	DeviceState int
	DataList    []DataPoint
	Fields      map[string]interface{}
}

// Online reports whether the device is producing. State 1 means online;
// every other value is treated as offline/idle.
func (s *DeviceSnapshot) Online() bool {
	return s != nil && s.DeviceState == 1
}

// FlattenedAttributes is a device attribute list reduced to a name→value
// mapping, with spaces in names replaced by underscores.
type FlattenedAttributes map[string]interface{}

// MessagePublisher defines the interface for publishing telemetry to a
// message bus.
type MessagePublisher interface {
	// Connect establishes a connection to the messaging system
	Connect(ctx context.Context) error

	// Publish sends a payload to the specified topic
	Publish(ctx context.Context, topic string, payload interface{}) error

	// Close terminates the connection to the messaging system
	Close() error
}

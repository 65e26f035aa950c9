// Package homeassistant provides MQTT auto-discovery support for Home Assistant integration.
package homeassistant

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

//go:embed layouts/solarman_sensors.yaml
var solarmanSensorsYAML []byte

// Config holds the Home Assistant auto-discovery configuration.
type Config struct {
	Enabled            bool
	DiscoveryPrefix    string
	DeviceName         string
	DeviceManufacturer string
	DeviceModel        string
	RetainDiscovery    bool
}

// SensorConfig represents a sensor configuration from the layouts YAML. The
// map key is the state topic suffix below the base topic; an optional
// "#fragment" disambiguates several sensors reading the same topic. When
// Attribute is set the sensor reads one field out of a JSON attributes blob
// via a value template.
type SensorConfig struct {
	Name              string `yaml:"name"`
	Attribute         string `yaml:"attribute,omitempty"`
	DeviceClass       string `yaml:"device_class,omitempty"`
	UnitOfMeasurement string `yaml:"unit_of_measurement,omitempty"`
	StateClass        string `yaml:"state_class,omitempty"`
	Category          string `yaml:"category,omitempty"`
	Icon              string `yaml:"icon,omitempty"`
}

// LayoutConfig represents the full layout configuration for Home Assistant sensors.
type LayoutConfig struct {
	Version     string                  `yaml:"version"`
	Description string                  `yaml:"description"`
	Sensors     map[string]SensorConfig `yaml:"sensors"`
}

// DiscoveryMessage represents a Home Assistant MQTT discovery message.
type DiscoveryMessage struct {
	Name              string     `json:"name"`
	UniqueID          string     `json:"unique_id"`
	StateTopic        string     `json:"state_topic"`
	ValueTemplate     string     `json:"value_template,omitempty"`
	DeviceClass       string     `json:"device_class,omitempty"`
	UnitOfMeasurement string     `json:"unit_of_measurement,omitempty"`
	StateClass        string     `json:"state_class,omitempty"`
	Icon              string     `json:"icon,omitempty"`
	EntityCategory    string     `json:"entity_category,omitempty"`
	Device            DeviceInfo `json:"device"`
}

// DeviceInfo represents device information for Home Assistant.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model,omitempty"`
	SwVersion    string   `json:"sw_version,omitempty"`
}

// AutoDiscovery handles Home Assistant MQTT auto-discovery for one station.
type AutoDiscovery struct {
	config       Config
	layoutConfig *LayoutConfig
	baseTopic    string
	stationID    string
}

// New creates a new Home Assistant auto-discovery instance.
func New(config Config, baseTopic, stationID string) (*AutoDiscovery, error) {
	ad := &AutoDiscovery{
		config:    config,
		baseTopic: baseTopic,
		stationID: stationID,
	}

	if err := ad.loadLayoutConfig(); err != nil {
		return nil, fmt.Errorf("failed to load layout config: %w", err)
	}

	return ad, nil
}

// loadLayoutConfig loads the sensor configuration from embedded YAML.
func (ad *AutoDiscovery) loadLayoutConfig() error {
	var config LayoutConfig
	if err := yaml.Unmarshal(solarmanSensorsYAML, &config); err != nil {
		return fmt.Errorf("failed to unmarshal Solarman sensors config: %w", err)
	}

	ad.layoutConfig = &config
	log.Info().
		Str("version", config.Version).
		Int("sensor_count", len(config.Sensors)).
		Msg("Home Assistant layout configuration loaded from YAML")

	return nil
}

// GenerateDiscoveryMessages generates the discovery messages for all
// configured sensors, keyed by discovery topic.
func (ad *AutoDiscovery) GenerateDiscoveryMessages() map[string]DiscoveryMessage {
	messages := make(map[string]DiscoveryMessage, len(ad.layoutConfig.Sensors))

	for sensorKey, sensorConfig := range ad.layoutConfig.Sensors {
		topic := ad.getDiscoveryTopic(sensorKey)
		messages[topic] = ad.createDiscoveryMessage(sensorKey, sensorConfig)
	}

	return messages
}

// createDiscoveryMessage creates a discovery message for a specific sensor.
func (ad *AutoDiscovery) createDiscoveryMessage(sensorKey string, sensorConfig SensorConfig) DiscoveryMessage {
	uniqueID := fmt.Sprintf("%s_%s", ad.nodeID(), sanitizeKey(sensorKey))

	stateTopic := fmt.Sprintf("%s/%s", ad.baseTopic, stateSuffix(sensorKey))

	// Sensors backed by an attributes blob read one JSON field; plain
	// sensors take the payload as-is.
	var valueTemplate string
	if sensorConfig.Attribute != "" {
		valueTemplate = fmt.Sprintf("{{ value_json.%s }}", sensorConfig.Attribute)
	}

	var entityCategory string
	if sensorConfig.Category == "diagnostic" {
		entityCategory = "diagnostic"
	}

	deviceInfo := DeviceInfo{
		Identifiers:  []string{ad.nodeID()},
		Name:         ad.config.DeviceName,
		Manufacturer: ad.config.DeviceManufacturer,
		Model:        ad.config.DeviceModel,
		SwVersion:    "go-solarman",
	}

	return DiscoveryMessage{
		Name:              sensorConfig.Name,
		UniqueID:          uniqueID,
		StateTopic:        stateTopic,
		ValueTemplate:     valueTemplate,
		DeviceClass:       sensorConfig.DeviceClass,
		UnitOfMeasurement: sensorConfig.UnitOfMeasurement,
		StateClass:        sensorConfig.StateClass,
		Icon:              sensorConfig.Icon,
		EntityCategory:    entityCategory,
		Device:            deviceInfo,
	}
}

// getDiscoveryTopic generates the MQTT discovery topic for a sensor.
// Home Assistant discovery topic format:
// <discovery_prefix>/sensor/<node_id>/<object_id>/config
func (ad *AutoDiscovery) getDiscoveryTopic(sensorKey string) string {
	objectID := fmt.Sprintf("%s_%s", ad.nodeID(), sanitizeKey(sensorKey))
	return fmt.Sprintf("%s/sensor/%s/%s/config", ad.config.DiscoveryPrefix, ad.nodeID(), objectID)
}

// nodeID identifies the station in discovery topics and unique ids.
func (ad *AutoDiscovery) nodeID() string {
	return fmt.Sprintf("solarman_%s", strings.ToLower(ad.stationID))
}

// stateSuffix strips the "#fragment" disambiguator off a sensor key,
// leaving the topic suffix below the base topic.
func stateSuffix(sensorKey string) string {
	if idx := strings.Index(sensorKey, "#"); idx != -1 {
		return sensorKey[:idx]
	}
	return sensorKey
}

// sanitizeKey turns a sensor key into an object id fragment.
func sanitizeKey(sensorKey string) string {
	replacer := strings.NewReplacer("/", "_", "#", "_", " ", "_")
	return strings.ToLower(replacer.Replace(sensorKey))
}

// Retain reports whether discovery messages should be retained.
func (ad *AutoDiscovery) Retain() bool {
	return ad.config.RetainDiscovery
}

// Package poller drives the fetch-transform-publish cycle against the
// Solarman cloud API.
package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/resident-x/go-solarman/internal/config"
	"github.com/resident-x/go-solarman/internal/domain"
	"github.com/resident-x/go-solarman/internal/homeassistant"
	"github.com/resident-x/go-solarman/internal/transform"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// state tracks where a cycle currently is.
type state int

const (
	stateIdle state = iota
	stateAuthenticating
	stateFetching
	stateTransforming
	statePublishing
	stateWaiting
	stateTerminated
)

// String returns the string representation of the cycle state.
func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateAuthenticating:
		return "authenticating"
	case stateFetching:
		return "fetching"
	case stateTransforming:
		return "transforming"
	case statePublishing:
		return "publishing"
	case stateWaiting:
		return "waiting"
	case stateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// TelemetryService is the slice of the Solarman API the poller needs.
type TelemetryService interface {
	GetToken(ctx context.Context, creds domain.Credentials) (domain.Token, error)
	GetStationRealtime(ctx context.Context, stationID int64, token domain.Token) (*domain.StationSnapshot, error)
	GetDeviceCurrentData(ctx context.Context, deviceSN string, token domain.Token) (*domain.DeviceSnapshot, error)
}

// PublisherFactory builds a fresh publisher for each cycle; the bus
// connection (and its random client identity) never outlives one cycle.
type PublisherFactory func() domain.MessagePublisher

// RetainedPublisher is implemented by publishers that can retain a message
// on the broker. Discovery configs use it when available.
type RetainedPublisher interface {
	PublishRetained(ctx context.Context, topic string, payload interface{}) error
}

// Stats is a snapshot of poller counters for the status API.
type Stats struct {
	StartTime         time.Time `json:"startTime"`
	CyclesCompleted   int64     `json:"cyclesCompleted"`
	CyclesFailed      int64     `json:"cyclesFailed"`
	MessagesPublished int64     `json:"messagesPublished"`
	PublishFailures   int64     `json:"publishFailures"`
	LastCycleTime     time.Time `json:"lastCycleTime"`
	LastCycleError    string    `json:"lastCycleError,omitempty"`
	LastCycleOnline   bool      `json:"lastCycleOnline"`
}

// Poller runs the poll cycle. Exactly one cycle is active at a time; the
// stats mutex exists only because the status API reads concurrently.
type Poller struct {
	config       *config.Config
	api          TelemetryService
	newPublisher PublisherFactory
	discovery    *homeassistant.AutoDiscovery
	logger       zerolog.Logger

	discoverySent bool

	mu    sync.Mutex
	stats Stats
}

// New creates a poller. The publisher factory is invoked once per cycle.
func New(cfg *config.Config, api TelemetryService, newPublisher PublisherFactory) (*Poller, error) {
	p := &Poller{
		config:       cfg,
		api:          api,
		newPublisher: newPublisher,
		logger:       log.With().Str("component", "poller").Logger(),
		stats:        Stats{StartTime: time.Now()},
	}

	if cfg.MQTT.HomeAssistantAutoDiscovery.Enabled {
		ha := cfg.MQTT.HomeAssistantAutoDiscovery
		discovery, err := homeassistant.New(homeassistant.Config{
			Enabled:            ha.Enabled,
			DiscoveryPrefix:    ha.DiscoveryPrefix,
			DeviceName:         ha.DeviceName,
			DeviceManufacturer: ha.DeviceManufacturer,
			DeviceModel:        ha.DeviceModel,
			RetainDiscovery:    ha.RetainDiscovery,
		}, cfg.MQTT.Topic, fmt.Sprintf("%d", cfg.Solarman.StationID))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Home Assistant discovery: %w", err)
		}
		p.discovery = discovery
	}

	return p, nil
}

// Stats returns a snapshot of the poller counters.
func (p *Poller) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Run executes cycles until ctx is cancelled. With repeat false it returns
// after a single cycle; cycle errors are absorbed (logged and counted), the
// next scheduled cycle is the only recovery mechanism.
func (p *Poller) Run(ctx context.Context, repeat bool) error {
	interval := time.Duration(p.config.Interval) * time.Second

	for {
		if err := p.RunCycle(ctx); err != nil {
			p.logger.Error().Err(err).Msg("Poll cycle failed")
		}

		if !repeat {
			return nil
		}

		p.logger.Info().
			Str("state", stateWaiting.String()).
			Dur("interval", interval).
			Msg("Sleeping until next cycle")

		select {
		case <-ctx.Done():
			p.logger.Info().Str("state", stateTerminated.String()).Msg("Cancelled, stopping poll loop")
			return nil
		case <-time.After(interval):
		}
	}
}

// RunCycle performs one authenticate-fetch-transform-publish pass.
func (p *Poller) RunCycle(ctx context.Context) error {
	err := p.runCycle(ctx)

	p.mu.Lock()
	p.stats.LastCycleTime = time.Now()
	if err != nil {
		p.stats.CyclesFailed++
		p.stats.LastCycleError = err.Error()
	} else {
		p.stats.CyclesCompleted++
		p.stats.LastCycleError = ""
	}
	p.mu.Unlock()

	return err
}

func (p *Poller) runCycle(ctx context.Context) error {
	creds := p.config.Credentials()

	// Authenticating
	p.logger.Debug().Str("state", stateAuthenticating.String()).Msg("Requesting token")
	token, err := p.api.GetToken(ctx, creds)
	if err != nil {
		return err
	}

	// Fetching: all three snapshots are attempted regardless of earlier
	// failures, but a full set is required before anything is published.
	p.logger.Debug().Str("state", stateFetching.String()).Msg("Fetching snapshots")

	station, stationErr := p.api.GetStationRealtime(ctx, p.config.Solarman.StationID, token)
	if stationErr != nil {
		p.logger.Error().Err(stationErr).Msg("Station fetch failed")
	}

	inverter, inverterErr := p.api.GetDeviceCurrentData(ctx, p.config.Solarman.InverterSN, token)
	if inverterErr != nil {
		p.logger.Error().Err(inverterErr).Msg("Inverter fetch failed")
	}

	loggerDev, loggerErr := p.api.GetDeviceCurrentData(ctx, p.config.Solarman.LoggerSN, token)
	if loggerErr != nil {
		p.logger.Error().Err(loggerErr).Msg("Logger fetch failed")
	}

	for _, err := range []error{stationErr, inverterErr, loggerErr} {
		if err != nil {
			return err
		}
	}

	// Transforming: a missing attribute list only skips that device's
	// attributes blob.
	p.logger.Debug().Str("state", stateTransforming.String()).Msg("Flattening attribute lists")
	inverterAttrs := p.flatten(inverter.DataList, "inverter")
	loggerAttrs := p.flatten(loggerDev.DataList, "logger")

	// Publishing
	p.logger.Debug().Str("state", statePublishing.String()).Msg("Publishing to bus")
	return p.publish(ctx, station, inverter, loggerDev, inverterAttrs, loggerAttrs)
}

func (p *Poller) flatten(points []domain.DataPoint, deviceLabel string) domain.FlattenedAttributes {
	attrs, err := transform.Flatten(points, deviceLabel)
	if err != nil {
		p.logger.Warn().Err(err).Str("device", deviceLabel).Msg("No attributes to publish")
		return nil
	}
	return attrs
}

// publish opens the bus connection, applies the publication policy and
// closes the connection again.
func (p *Poller) publish(ctx context.Context, station *domain.StationSnapshot,
	inverter, loggerDev *domain.DeviceSnapshot, inverterAttrs, loggerAttrs domain.FlattenedAttributes,
) error {
	pub := p.newPublisher()
	if err := pub.Connect(ctx); err != nil {
		return fmt.Errorf("bus connect failed: %w", err)
	}
	defer func() {
		_ = pub.Close()
	}()

	p.publishDiscovery(ctx, pub)

	topic := p.config.MQTT.Topic

	p.mu.Lock()
	p.stats.LastCycleOnline = inverter.Online()
	p.mu.Unlock()

	if !inverter.Online() {
		// Nighttime/idle optimization: an offline inverter reduces the
		// cycle to the two device states.
		p.logger.Info().
			Int("device_state", inverter.DeviceState).
			Msg("Inverter offline, publishing device states only")
		p.send(ctx, pub, topic+"/inverter/deviceState", inverter.DeviceState)
		p.send(ctx, pub, topic+"/logger/deviceState", loggerDev.DeviceState)
		return nil
	}

	p.logger.Info().Msg("Inverter online, publishing full snapshot set")

	p.publishFields(ctx, pub, topic+"/station", station.Fields)
	p.publishFields(ctx, pub, topic+"/inverter", inverter.Fields)
	if len(inverterAttrs) > 0 {
		p.send(ctx, pub, topic+"/inverter/attributes", inverterAttrs)
	}
	p.publishFields(ctx, pub, topic+"/logger", loggerDev.Fields)
	if len(loggerAttrs) > 0 {
		p.send(ctx, pub, topic+"/logger/attributes", loggerAttrs)
	}

	return nil
}

// publishDiscovery pushes the Home Assistant discovery configs once per
// process, before the first data publication.
func (p *Poller) publishDiscovery(ctx context.Context, pub domain.MessagePublisher) {
	if p.discovery == nil || p.discoverySent {
		return
	}

	retained, canRetain := pub.(RetainedPublisher)

	for topic, message := range p.discovery.GenerateDiscoveryMessages() {
		var err error
		if canRetain && p.discovery.Retain() {
			err = retained.PublishRetained(ctx, topic, message)
		} else {
			err = pub.Publish(ctx, topic, message)
		}
		if err != nil {
			p.logger.Warn().Err(err).Str("topic", topic).Msg("Discovery publish failed")
		}
	}

	p.discoverySent = true
	p.logger.Info().Msg("Home Assistant discovery messages published")
}

// publishFields publishes every non-empty field of a snapshot as an
// individual topic below prefix.
func (p *Poller) publishFields(ctx context.Context, pub domain.MessagePublisher, prefix string, fields map[string]interface{}) {
	for name, value := range fields {
		if !isPublishable(value) {
			continue
		}
		p.send(ctx, pub, prefix+"/"+name, value)
	}
}

// send publishes one message, counting rather than propagating failures.
func (p *Poller) send(ctx context.Context, pub domain.MessagePublisher, topic string, payload interface{}) {
	err := pub.Publish(ctx, topic, payload)

	p.mu.Lock()
	if err != nil {
		p.stats.PublishFailures++
	} else {
		p.stats.MessagesPublished++
	}
	p.mu.Unlock()

	if err != nil {
		p.logger.Warn().Err(err).Str("topic", topic).Msg("Failed to publish message")
	}
}

// isPublishable filters out empty and zero values: they carry no signal
// and only clutter the topic tree.
func isPublishable(value interface{}) bool {
	switch v := value.(type) {
	case nil:
		return false
	case string:
		return v != ""
	case bool:
		return v
	case float64:
		return v != 0
	case float32:
		return v != 0
	case int:
		return v != 0
	case int64:
		return v != 0
	case map[string]interface{}:
		return len(v) > 0
	case []interface{}:
		return len(v) > 0
	default:
		return true
	}
}

package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	mqttserver "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resident-x/go-solarman/internal/config"
	"github.com/resident-x/go-solarman/internal/domain"
	"github.com/resident-x/go-solarman/internal/poller"
	"github.com/resident-x/go-solarman/internal/pubsub"
	"github.com/resident-x/go-solarman/internal/solarman"
)

const (
	e2eInverterSN = "INV123456"
	e2eLoggerSN   = "LOG123456"
)

// startTestMQTTBroker starts an embedded broker on a free port.
func startTestMQTTBroker(t *testing.T) (*mqttserver.Server, int) {
	t.Helper()

	listener, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	listener.Close()

	broker := mqttserver.New(&mqttserver.Options{InlineClient: true})
	_ = broker.AddHook(new(auth.AllowHook), nil)

	tcp := listeners.NewTCP(listeners.Config{
		ID:      "e2e",
		Address: fmt.Sprintf(":%d", port),
	})
	require.NoError(t, broker.AddListener(tcp))

	go func() {
		if err := broker.Serve(); err != nil {
			t.Logf("MQTT broker error: %v", err)
		}
	}()

	time.Sleep(100 * time.Millisecond)
	return broker, port
}

// messageRecorder collects published MQTT messages by topic.
type messageRecorder struct {
	mu       sync.Mutex
	messages map[string][]byte
}

func (r *messageRecorder) record(topic string, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages[topic] = payload
}

func (r *messageRecorder) get(topic string) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	payload, ok := r.messages[topic]
	return payload, ok
}

func (r *messageRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

// subscribeRecorder attaches a recording subscriber to the broker.
func subscribeRecorder(t *testing.T, brokerPort int, topicPattern string) *messageRecorder {
	t.Helper()

	recorder := &messageRecorder{messages: make(map[string][]byte)}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://localhost:%d", brokerPort))
	opts.SetClientID("e2e-subscriber")
	opts.SetConnectTimeout(5 * time.Second)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	require.True(t, token.WaitTimeout(5*time.Second))
	require.NoError(t, token.Error())

	token = client.Subscribe(topicPattern, 0, func(_ mqtt.Client, msg mqtt.Message) {
		recorder.record(msg.Topic(), msg.Payload())
	})
	require.True(t, token.WaitTimeout(5*time.Second))
	require.NoError(t, token.Error())

	t.Cleanup(func() { client.Disconnect(250) })

	return recorder
}

// startMockSolarmanAPI serves the token exchange and the three telemetry
// endpoints with canned online readings.
func startMockSolarmanAPI(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()

	mux.HandleFunc("/account/v1.0/token", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1000", r.URL.Query().Get("appId"))

		var body map[string]interface{}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.NotEmpty(t, body["appSecret"])
		assert.Len(t, body["password"], 64) // SHA-256 hex, never plaintext

		writeJSON(t, w, map[string]interface{}{"access_token": "e2e-token"})
	})

	mux.HandleFunc("/station/v1.0/realTime", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bearer e2e-token", r.Header.Get("Authorization"))

		writeJSON(t, w, map[string]interface{}{
			"code":            nil,
			"msg":             "success",
			"requestId":       "req-1",
			"success":         true,
			"generationPower": 1500.5,
			"batterySoc":      87.0,
		})
	})

	mux.HandleFunc("/device/v1.0/currentData", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bearer e2e-token", r.Header.Get("Authorization"))

		var body map[string]interface{}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		switch body["deviceSn"] {
		case e2eInverterSN:
			writeJSON(t, w, map[string]interface{}{
				"code":        nil,
				"msg":         "success",
				"deviceSn":    e2eInverterSN,
				"deviceState": 1,
				"deviceType":  "INVERTER",
				"dataList": []map[string]interface{}{
					{"key": "P_T", "name": "Output Power", "value": 500.0},
					{"key": "E_D", "name": "Daily Production", "value": 12.5},
				},
			})
		case e2eLoggerSN:
			writeJSON(t, w, map[string]interface{}{
				"code":        nil,
				"msg":         "success",
				"deviceSn":    e2eLoggerSN,
				"deviceState": 1,
				"deviceType":  "COLLECTOR",
				"dataList": []map[string]interface{}{
					{"key": "SIG", "name": "Signal Strength", "value": 80.0},
				},
			})
		default:
			http.Error(w, "unknown device", http.StatusBadRequest)
		}
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func writeJSON(t *testing.T, w http.ResponseWriter, data interface{}) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	assert.NoError(t, json.NewEncoder(w).Encode(data))
}

func e2eConfig(brokerPort int) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Solarman.Host = "unused.invalid"
	cfg.Solarman.AppID = "1000"
	cfg.Solarman.AppSecret = "e2e-secret"
	cfg.Solarman.Email = "owner@example.com"
	cfg.Solarman.Password = "hunter2"
	cfg.Solarman.StationID = 424242
	cfg.Solarman.InverterSN = e2eInverterSN
	cfg.Solarman.LoggerSN = e2eLoggerSN
	cfg.MQTT.Host = "127.0.0.1"
	cfg.MQTT.Port = brokerPort
	cfg.MQTT.Topic = "energy/solarman"
	return cfg
}

func TestE2E_SingleRunPublishesFullSet(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping E2E test in short mode")
	}

	broker, brokerPort := startTestMQTTBroker(t)
	defer broker.Close()

	recorder := subscribeRecorder(t, brokerPort, "energy/solarman/#")
	apiServer := startMockSolarmanAPI(t)

	cfg := e2eConfig(brokerPort)
	client := solarman.NewClientWithBaseURL(apiServer.URL)

	p, err := poller.New(cfg, client, func() domain.MessagePublisher {
		return pubsub.NewMQTTPublisher(cfg)
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	require.NoError(t, p.Run(ctx, false))

	// station: 2 fields, inverter: state+type+attributes, logger: same
	require.Eventually(t, func() bool {
		return recorder.count() >= 8
	}, 10*time.Second, 50*time.Millisecond, "expected full topic set on the broker")

	payload, ok := recorder.get("energy/solarman/station/generationPower")
	require.True(t, ok)
	assert.Equal(t, "1500.5", string(payload))

	payload, ok = recorder.get("energy/solarman/inverter/deviceState")
	require.True(t, ok)
	assert.Equal(t, "1", string(payload))

	payload, ok = recorder.get("energy/solarman/inverter/attributes")
	require.True(t, ok)
	var attrs map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &attrs))
	assert.Equal(t, 500.0, attrs["Output_Power"])
	assert.Equal(t, 12.5, attrs["Daily_Production"])

	payload, ok = recorder.get("energy/solarman/logger/attributes")
	require.True(t, ok)
	var loggerAttrs map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &loggerAttrs))
	assert.Equal(t, 80.0, loggerAttrs["Signal_Strength"])

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.CyclesCompleted)
	assert.Equal(t, int64(0), stats.CyclesFailed)
	assert.True(t, stats.LastCycleOnline)
}

func TestE2E_RepeatCancelledDuringWait(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping E2E test in short mode")
	}

	broker, brokerPort := startTestMQTTBroker(t)
	defer broker.Close()

	apiServer := startMockSolarmanAPI(t)

	cfg := e2eConfig(brokerPort)
	cfg.Interval = 3600

	client := solarman.NewClientWithBaseURL(apiServer.URL)

	p, err := poller.New(cfg, client, func() domain.MessagePublisher {
		return pubsub.NewMQTTPublisher(cfg)
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- p.Run(ctx, true)
	}()

	// First cycle completes, then the loop sits in its interval wait
	require.Eventually(t, func() bool {
		return p.Stats().CyclesCompleted == 1
	}, 10*time.Second, 50*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("poll loop did not terminate after cancellation")
	}

	assert.Equal(t, int64(1), p.Stats().CyclesCompleted)
}

func TestE2E_OfflineInverterReducedPublication(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping E2E test in short mode")
	}

	broker, brokerPort := startTestMQTTBroker(t)
	defer broker.Close()

	recorder := subscribeRecorder(t, brokerPort, "energy/solarman/#")

	mux := http.NewServeMux()
	mux.HandleFunc("/account/v1.0/token", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, map[string]interface{}{"access_token": "e2e-token"})
	})
	mux.HandleFunc("/station/v1.0/realTime", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(t, w, map[string]interface{}{"generationPower": 0.0})
	})
	mux.HandleFunc("/device/v1.0/currentData", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		writeJSON(t, w, map[string]interface{}{
			"deviceSn":    body["deviceSn"],
			"deviceState": 3,
		})
	})
	apiServer := httptest.NewServer(mux)
	defer apiServer.Close()

	cfg := e2eConfig(brokerPort)
	client := solarman.NewClientWithBaseURL(apiServer.URL)

	p, err := poller.New(cfg, client, func() domain.MessagePublisher {
		return pubsub.NewMQTTPublisher(cfg)
	})
	require.NoError(t, err)

	require.NoError(t, p.Run(context.Background(), false))

	require.Eventually(t, func() bool {
		return recorder.count() >= 2
	}, 10*time.Second, 50*time.Millisecond)

	// Settle, then verify nothing beyond the two device states arrived
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 2, recorder.count())

	payload, ok := recorder.get("energy/solarman/inverter/deviceState")
	require.True(t, ok)
	assert.Equal(t, "3", string(payload))

	payload, ok = recorder.get("energy/solarman/logger/deviceState")
	require.True(t, ok)
	assert.Equal(t, "3", string(payload))

	assert.False(t, p.Stats().LastCycleOnline)
}

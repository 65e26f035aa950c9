// Package solarman provides a client for the Solarman cloud monitoring API.
package solarman

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/resident-x/go-solarman/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	tokenPath       = "/account/v1.0/token"
	stationPath     = "/station/v1.0/realTime"
	currentDataPath = "/device/v1.0/currentData"
)

// Client talks to the Solarman cloud API. It performs no retries and no
// token caching: every poll cycle authenticates from scratch.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a new Solarman API client for the given host.
func NewClient(host string) *Client {
	return &Client{
		baseURL:    "https://" + host,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     log.With().Str("component", "solarman").Logger(),
	}
}

// NewClientWithBaseURL creates a client against a full base URL (for tests).
func NewClientWithBaseURL(baseURL string) *Client {
	c := NewClient("")
	c.baseURL = baseURL
	return c
}

type tokenRequest struct {
	AppSecret string `json:"appSecret"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	OrgID     string `json:"orgId,omitempty"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	Msg         string `json:"msg"`
}

// HashPassword returns the SHA-256 hex digest of a plaintext password. The
// plaintext never leaves the process.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// GetToken exchanges account credentials for a short-lived bearer token.
func (c *Client) GetToken(ctx context.Context, creds domain.Credentials) (domain.Token, error) {
	c.logger.Debug().Str("email", creds.Email).Msg("Requesting access token")

	reqBody := tokenRequest{
		AppSecret: creds.AppSecret,
		Email:     creds.Email,
		Password:  HashPassword(creds.Password),
		OrgID:     creds.OrgID,
	}

	endpoint := fmt.Sprintf("%s%s?appId=%s&language=en", c.baseURL, tokenPath, url.QueryEscape(creds.AppID))

	var res tokenResponse
	if err := c.postJSON(ctx, endpoint, "", reqBody, &res); err != nil {
		return "", domain.NewAuthError(err)
	}

	if res.AccessToken == "" {
		return "", domain.NewAuthError(fmt.Errorf("response contains no access token: %s", res.Msg))
	}

	c.logger.Debug().Msg("Access token received")
	return domain.Token(res.AccessToken), nil
}

// GetStationRealtime fetches the aggregate realtime readings of a station.
func (c *Client) GetStationRealtime(ctx context.Context, stationID int64, token domain.Token) (*domain.StationSnapshot, error) {
	c.logger.Debug().Int64("station_id", stationID).Msg("Fetching station realtime data")

	endpoint := fmt.Sprintf("%s%s?language=en", c.baseURL, stationPath)
	reqBody := map[string]interface{}{"stationId": stationID}

	var raw map[string]interface{}
	if err := c.postJSON(ctx, endpoint, token, reqBody, &raw); err != nil {
		return nil, domain.NewFetchError("station", err)
	}

	return &domain.StationSnapshot{Fields: payloadFields(raw)}, nil
}

// GetDeviceCurrentData fetches the current readings of a single device.
func (c *Client) GetDeviceCurrentData(ctx context.Context, deviceSN string, token domain.Token) (*domain.DeviceSnapshot, error) {
	c.logger.Debug().Str("device_sn", deviceSN).Msg("Fetching device current data")

	endpoint := fmt.Sprintf("%s%s?language=en", c.baseURL, currentDataPath)
	reqBody := map[string]interface{}{"deviceSn": deviceSN}

	var raw map[string]interface{}
	if err := c.postJSON(ctx, endpoint, token, reqBody, &raw); err != nil {
		return nil, domain.NewFetchError(deviceSN, err)
	}

	return decodeDeviceSnapshot(deviceSN, raw)
}

// postJSON performs one POST with a JSON body, optional bearer token and a
// JSON-decoded response. Any network, HTTP or decode failure is returned
// as-is for the caller to classify.
func (c *Client) postJSON(ctx context.Context, endpoint string, token domain.Token, reqBody, out interface{}) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "bearer "+string(token))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d: %s", resp.StatusCode, string(data))
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return nil
}

// payloadFields strips the response envelope metadata, leaving only the
// telemetry fields.
func payloadFields(raw map[string]interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(raw))
	for name, value := range raw {
		if domain.IsMetadataField(name) {
			continue
		}
		fields[name] = value
	}
	return fields
}

// decodeDeviceSnapshot lifts deviceState and dataList out of the raw
// response into typed fields. deviceState stays in Fields as well since it
// is published like any other reading.
func decodeDeviceSnapshot(deviceSN string, raw map[string]interface{}) (*domain.DeviceSnapshot, error) {
	stateValue, ok := raw["deviceState"]
	if !ok {
		return nil, domain.NewFetchError(deviceSN, fmt.Errorf("response contains no deviceState"))
	}

	state, ok := asInt(stateValue)
	if !ok {
		return nil, domain.NewFetchError(deviceSN, fmt.Errorf("deviceState is not numeric: %v", stateValue))
	}

	snap := &domain.DeviceSnapshot{
		DeviceSN:    deviceSN,
		DeviceState: state,
	}

	if list, ok := raw["dataList"]; ok {
		points, err := decodeDataList(list)
		if err != nil {
			return nil, domain.NewFetchError(deviceSN, err)
		}
		snap.DataList = points
	}

	fields := payloadFields(raw)
	delete(fields, "dataList")
	snap.Fields = fields

	return snap, nil
}

func decodeDataList(list interface{}) ([]domain.DataPoint, error) {
	// The generic decode left dataList as []interface{}; round-trip it
	// through JSON into the typed records.
	encoded, err := json.Marshal(list)
	if err != nil {
		return nil, fmt.Errorf("encode dataList: %w", err)
	}

	var points []domain.DataPoint
	if err := json.Unmarshal(encoded, &points); err != nil {
		return nil, fmt.Errorf("decode dataList: %w", err)
	}

	return points, nil
}

func asInt(value interface{}) (int, bool) {
	switch v := value.(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	default:
		return 0, false
	}
}

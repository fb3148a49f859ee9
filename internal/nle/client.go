package nle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lastowl/nolongerevil-bridge/internal/log"
	"golang.org/x/time/rate"
)

const (
	DefaultBaseURL = "https://nolongerevil.com/api/v1"

	// Paths
	DevicesPath          = "/devices"
	StatusPath           = "/thermostat/%s/status"
	TemperaturePath      = "/thermostat/%s/temperature"
	TemperatureRangePath = "/thermostat/%s/temperature/range"
	ModePath             = "/thermostat/%s/mode"
	AwayPath             = "/thermostat/%s/away"

	// All temperatures on the wire are Celsius
	scaleCelsius = "C"

	defaultRequestsPerMinute = 60
)

// Client is a NoLongerEvil API client
type Client struct {
	baseURL     string
	credentials *Credentials
	httpClient  *http.Client
	limiter     *rate.Limiter
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the default http.Client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithRequestsPerMinute sets the client-side request budget
func WithRequestsPerMinute(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), burstFor(n))
		}
	}
}

func burstFor(n int) int {
	if n < 5 {
		return n
	}
	return 5
}

// NewClient creates a new client. An empty baseURL selects the hosted API.
func NewClient(baseURL string, credentials *Credentials, opts ...Option) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if credentials == nil {
		credentials = NewCredentials("")
	}

	c := &Client{
		baseURL:     baseURL,
		credentials: credentials,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
	}
	WithRequestsPerMinute(defaultRequestsPerMinute)(c)

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the endpoint in use
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Credentials returns the credential holder
func (c *Client) Credentials() *Credentials {
	return c.credentials
}

// ListDevices returns every device on the account
func (c *Client) ListDevices(ctx context.Context) ([]Device, error) {
	var resp DevicesResponse
	if err := c.getJSON(ctx, DevicesPath, &resp); err != nil {
		return nil, err
	}
	return resp.Devices, nil
}

// FetchStatus returns the raw namespaced status of one device
func (c *Client) FetchStatus(ctx context.Context, deviceID string) (*DeviceStatus, error) {
	var status DeviceStatus
	if err := c.getJSON(ctx, fmt.Sprintf(StatusPath, url.PathEscape(deviceID)), &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// SetTemperature writes a single setpoint for heat or cool
func (c *Client) SetTemperature(ctx context.Context, deviceID string, value float64, mode Mode) (*Response, error) {
	if mode != ModeHeat && mode != ModeCool {
		return nil, fmt.Errorf("set temperature: mode must be heat or cool, got %q", mode)
	}
	return c.do(ctx, http.MethodPost, fmt.Sprintf(TemperaturePath, url.PathEscape(deviceID)), temperatureRequest{
		Value: value,
		Mode:  mode,
		Scale: scaleCelsius,
	})
}

// SetTemperatureRange writes both heat-cool setpoints atomically
func (c *Client) SetTemperatureRange(ctx context.Context, deviceID string, low, high float64) (*Response, error) {
	return c.do(ctx, http.MethodPost, fmt.Sprintf(TemperatureRangePath, url.PathEscape(deviceID)), rangeRequest{
		Low:   low,
		High:  high,
		Scale: scaleCelsius,
	})
}

// SetMode changes the operating mode
func (c *Client) SetMode(ctx context.Context, deviceID string, mode Mode) (*Response, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("set mode: unknown mode %q", mode)
	}
	return c.do(ctx, http.MethodPost, fmt.Sprintf(ModePath, url.PathEscape(deviceID)), modeRequest{Mode: mode})
}

// SetAwayMode toggles away
func (c *Client) SetAwayMode(ctx context.Context, deviceID string, away bool) (*Response, error) {
	return c.do(ctx, http.MethodPost, fmt.Sprintf(AwayPath, url.PathEscape(deviceID)), awayRequest{Away: away})
}

// getJSON performs a GET and decodes the body into out
func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if resp.Data == nil {
		return &DecodeError{Path: path, Raw: resp.Raw, Err: fmt.Errorf("response is not JSON")}
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return &DecodeError{Path: path, Raw: resp.Raw, Err: err}
	}
	return nil
}

// do sends one authenticated request. 2xx bodies are returned as JSON when
// valid and always as raw text; anything else becomes an *APIError.
func (c *Client) do(ctx context.Context, method, path string, body interface{}) (*Response, error) {
	apiKey := c.credentials.APIKey()
	if apiKey == "" {
		return nil, ErrNoAPIKey
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	requestID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("X-Request-ID", requestID)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	log.Debug("NLE %s %s -> %d in %s (request %s)", method, path, resp.StatusCode, time.Since(start).Round(time.Millisecond), requestID)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode == http.StatusUnauthorized {
			c.credentials.MarkRejected()
		}
		return nil, &APIError{Method: method, Path: path, Status: resp.StatusCode, Body: string(raw)}
	}

	c.credentials.MarkAccepted()

	out := &Response{StatusCode: resp.StatusCode, Raw: string(raw)}
	if len(bytes.TrimSpace(raw)) > 0 && json.Valid(raw) {
		out.Data = json.RawMessage(raw)
	}
	return out, nil
}

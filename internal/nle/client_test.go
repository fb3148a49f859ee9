package nle

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

type recordedRequest struct {
	method string
	path   string
	body   map[string]interface{}
}

func newTestServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*Client, *[]recordedRequest) {
	t.Helper()
	var requests []recordedRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q, want bearer token", got)
		}
		if r.Header.Get("X-Request-ID") == "" {
			t.Error("missing X-Request-ID")
		}
		rec := recordedRequest{method: r.Method, path: r.URL.Path}
		if data, _ := io.ReadAll(r.Body); len(data) > 0 {
			if err := json.Unmarshal(data, &rec.body); err != nil {
				t.Errorf("request body is not JSON: %s", data)
			}
		}
		requests = append(requests, rec)
		handler(w, r)
	}))
	t.Cleanup(server.Close)

	client := NewClient(server.URL+"/api/v1", NewCredentials("test-key"), WithRequestsPerMinute(6000))
	return client, &requests
}

func TestClient_ListDevicesAndStatus(t *testing.T) {
	client, requests := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/v1/devices":
			_, _ = io.WriteString(w, `{"devices":[{"id":"dev-1","serial":"09AF123456","name":null,"accessType":"owner"}]}`)
		case "/api/v1/thermostat/dev-1/status":
			_, _ = io.WriteString(w, `{"device":{"id":"dev-1","serial":"09AF123456","name":null},"state":{"shared.09AF123456":{"value":{"target_temperature_type":"cool"}}}}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})

	ctx := context.Background()
	devices, err := client.ListDevices(ctx)
	if err != nil {
		t.Fatalf("ListDevices: %v", err)
	}
	if len(devices) != 1 || devices[0].Serial != "09AF123456" || devices[0].Name != nil {
		t.Fatalf("unexpected devices: %+v", devices)
	}

	status, err := client.FetchStatus(ctx, "dev-1")
	if err != nil {
		t.Fatalf("FetchStatus: %v", err)
	}
	state := ParseStatus("dev-1", status)
	if state.HVACMode != ModeCool || state.Name != "Nest 3456" {
		t.Fatalf("unexpected state: %+v", state)
	}

	if len(*requests) != 2 || (*requests)[0].method != http.MethodGet {
		t.Fatalf("unexpected requests: %+v", *requests)
	}
	if client.Credentials().LastAccepted().IsZero() {
		t.Fatal("expected credentials to be marked accepted")
	}
}

func TestClient_WriteBodies(t *testing.T) {
	client, requests := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, `{"success":true}`)
	})

	ctx := context.Background()
	if _, err := client.SetTemperature(ctx, "dev-1", 21.5, ModeHeat); err != nil {
		t.Fatalf("SetTemperature: %v", err)
	}
	if _, err := client.SetTemperatureRange(ctx, "dev-1", 19, 26); err != nil {
		t.Fatalf("SetTemperatureRange: %v", err)
	}
	if _, err := client.SetMode(ctx, "dev-1", ModeHeatCool); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	resp, err := client.SetAwayMode(ctx, "dev-1", true)
	if err != nil {
		t.Fatalf("SetAwayMode: %v", err)
	}
	if string(resp.Data) != `{"success":true}` {
		t.Fatalf("Data = %s", resp.Data)
	}

	want := []recordedRequest{
		{http.MethodPost, "/api/v1/thermostat/dev-1/temperature", map[string]interface{}{"value": 21.5, "mode": "heat", "scale": "C"}},
		{http.MethodPost, "/api/v1/thermostat/dev-1/temperature/range", map[string]interface{}{"low": 19.0, "high": 26.0, "scale": "C"}},
		{http.MethodPost, "/api/v1/thermostat/dev-1/mode", map[string]interface{}{"mode": "heat-cool"}},
		{http.MethodPost, "/api/v1/thermostat/dev-1/away", map[string]interface{}{"away": true}},
	}
	if len(*requests) != len(want) {
		t.Fatalf("got %d requests, want %d", len(*requests), len(want))
	}
	for i, w := range want {
		got := (*requests)[i]
		if got.method != w.method || got.path != w.path {
			t.Errorf("request %d = %s %s, want %s %s", i, got.method, got.path, w.method, w.path)
		}
		for k, v := range w.body {
			if got.body[k] != v {
				t.Errorf("request %d body[%s] = %v, want %v", i, k, got.body[k], v)
			}
		}
	}
}

func TestClient_RawBodyFallback(t *testing.T) {
	client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "accepted")
	})

	resp, err := client.SetMode(context.Background(), "dev-1", ModeOff)
	if err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	if resp.Data != nil || resp.Raw != "accepted" {
		t.Fatalf("unexpected response: %+v", resp)
	}

	_, err = client.ListDevices(context.Background())
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("ListDevices err = %v, want DecodeError", err)
	}
	if decodeErr.Raw != "accepted" {
		t.Fatalf("DecodeError.Raw = %q", decodeErr.Raw)
	}
}

func TestClient_StatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, ErrUnauthorized},
		{http.StatusTooManyRequests, ErrRateLimited},
		{http.StatusNotFound, ErrNotFound},
		{http.StatusInternalServerError, ErrRequestFailed},
		{http.StatusBadRequest, ErrRequestFailed},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			client, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, "nope")
			})

			_, err := client.FetchStatus(context.Background(), "dev-1")
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			var apiErr *APIError
			if !errors.As(err, &apiErr) || apiErr.Status != tt.status || apiErr.Body != "nope" {
				t.Fatalf("expected APIError with status and body, got %#v", err)
			}
			if rejected := client.Credentials().Rejected(); rejected != (tt.status == http.StatusUnauthorized) {
				t.Fatalf("Rejected() = %v", rejected)
			}
		})
	}
}

func TestClient_NoAPIKey(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", NewCredentials(""))
	if _, err := client.ListDevices(context.Background()); !errors.Is(err, ErrNoAPIKey) {
		t.Fatalf("err = %v, want ErrNoAPIKey", err)
	}
}

func TestClient_RejectsInvalidModes(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", NewCredentials("k"))
	if _, err := client.SetTemperature(context.Background(), "dev", 20, ModeHeatCool); err == nil {
		t.Error("SetTemperature should reject heat-cool")
	}
	if _, err := client.SetMode(context.Background(), "dev", Mode("auto")); err == nil {
		t.Error("SetMode should reject unknown modes")
	}
}

func TestNewClient_DefaultBaseURL(t *testing.T) {
	if got := NewClient("", nil).BaseURL(); got != DefaultBaseURL {
		t.Fatalf("BaseURL() = %q", got)
	}
	if got := NewClient("https://self.hosted/api/v1/", nil).BaseURL(); got != "https://self.hosted/api/v1" {
		t.Fatalf("BaseURL() = %q", got)
	}
}

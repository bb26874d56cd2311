// Package push defines the push-notification delivery contract. Delivery
// itself (FCM or compatible) is an external collaborator reached over HTTP;
// this package only knows how to hand a message to it per device token and
// how to interpret "this token is dead" responses so registrations can be
// deactivated.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/fablenest/fablenest/internal/config"
)

// Message is one push notification payload.
type Message struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// DeviceResult reports the outcome of delivery to a single device token.
type DeviceResult struct {
	Token string
	// Delivered is true when the provider accepted the message.
	Delivered bool
	// Unregistered is true when the provider reports the token as invalid
	// or no longer registered. The caller should deactivate the device.
	Unregistered bool
	// Err holds the failure description for logging; empty on success.
	Err string
}

// Sender delivers a message to a single device token.
type Sender interface {
	Send(ctx context.Context, token string, msg Message) DeviceResult
}

// New returns the HTTP sender when an endpoint is configured, otherwise a
// logging no-op for development.
func New(cfg config.PushConfig) Sender {
	if cfg.Endpoint == "" {
		return &logSender{}
	}
	return &httpSender{
		cfg: cfg,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// --- HTTP implementation ---

type httpSender struct {
	cfg    config.PushConfig
	client *http.Client
}

// pushRequest is the wire format POSTed to the delivery endpoint.
type pushRequest struct {
	To           string  `json:"to"`
	Notification Message `json:"notification"`
}

// pushResponse is the subset of the provider response we interpret.
type pushResponse struct {
	Success int `json:"success"`
	Results []struct {
		Error string `json:"error"`
	} `json:"results"`
}

func (s *httpSender) Send(ctx context.Context, token string, msg Message) DeviceResult {
	payload, err := json.Marshal(pushRequest{To: token, Notification: msg})
	if err != nil {
		return DeviceResult{Token: token, Err: fmt.Sprintf("encoding payload: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return DeviceResult{Token: token, Err: fmt.Sprintf("building request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "key="+s.cfg.ServerKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return DeviceResult{Token: token, Err: fmt.Sprintf("posting: %v", err)}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	// 404/410 from the provider means the token is gone for good.
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return DeviceResult{Token: token, Unregistered: true, Err: "token not registered"}
	}
	if resp.StatusCode != http.StatusOK {
		return DeviceResult{Token: token, Err: fmt.Sprintf("provider status %d", resp.StatusCode)}
	}

	var parsed pushResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		// Accepted but unparseable: treat as delivered, the provider said 200.
		return DeviceResult{Token: token, Delivered: true}
	}
	for _, r := range parsed.Results {
		switch r.Error {
		case "":
			continue
		case "NotRegistered", "InvalidRegistration":
			return DeviceResult{Token: token, Unregistered: true, Err: r.Error}
		default:
			return DeviceResult{Token: token, Err: r.Error}
		}
	}
	return DeviceResult{Token: token, Delivered: true}
}

// --- Development no-op ---

type logSender struct{}

func (l *logSender) Send(_ context.Context, token string, msg Message) DeviceResult {
	slog.Info("push suppressed (no endpoint configured)",
		slog.String("title", msg.Title),
	)
	return DeviceResult{Token: token, Delivered: true}
}

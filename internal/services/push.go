package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/vaultgate/vaultgate/internal/models"
)

// PushNotifier delivers real-time nudges to registered devices. Delivery
// is best effort: polling remains the source of truth, so a lost push
// only delays the client.
type PushNotifier interface {
	SendAuthRequest(ctx context.Context, device *models.Device, requestID string) error
	SendSyncNotice(ctx context.Context, device *models.Device) error
}

// RelayPushNotifier forwards notifications to an external push relay
// over authenticated JSON POSTs.
type RelayPushNotifier struct {
	relayURI string
	relayKey string
	client   *http.Client
	logger   *slog.Logger
}

func NewRelayPushNotifier(relayURI, relayKey string, logger *slog.Logger) *RelayPushNotifier {
	return &RelayPushNotifier{
		relayURI: relayURI,
		relayKey: relayKey,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger,
	}
}

type pushPayload struct {
	Type      string `json:"type"`
	UserID    string `json:"user_id"`
	DeviceID  string `json:"device_id"`
	PushToken string `json:"push_token"`
	RequestID string `json:"request_id,omitempty"`
}

func (n *RelayPushNotifier) SendAuthRequest(ctx context.Context, device *models.Device, requestID string) error {
	return n.send(ctx, &pushPayload{
		Type:      "auth_request",
		UserID:    device.UserID,
		DeviceID:  device.ID,
		PushToken: derefPushToken(device),
		RequestID: requestID,
	})
}

func (n *RelayPushNotifier) SendSyncNotice(ctx context.Context, device *models.Device) error {
	return n.send(ctx, &pushPayload{
		Type:      "sync",
		UserID:    device.UserID,
		DeviceID:  device.ID,
		PushToken: derefPushToken(device),
	})
}

func (n *RelayPushNotifier) send(ctx context.Context, payload *pushPayload) error {
	if payload.PushToken == "" {
		// Device never registered for push; the client will pick the
		// change up on its next poll.
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal push payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.relayURI+"/push/send", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+n.relayKey)

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("push relay unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("push relay returned status %d", resp.StatusCode)
	}
	return nil
}

func derefPushToken(device *models.Device) string {
	if device.PushToken == nil {
		return ""
	}
	return *device.PushToken
}

// NoopPushNotifier is used when no relay is configured.
type NoopPushNotifier struct{}

func (NoopPushNotifier) SendAuthRequest(ctx context.Context, device *models.Device, requestID string) error {
	return nil
}

func (NoopPushNotifier) SendSyncNotice(ctx context.Context, device *models.Device) error {
	return nil
}

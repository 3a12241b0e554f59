package app

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kioskads/internal/config"
	"kioskads/internal/mqttbroker"
	"kioskads/internal/push"
)

func TestReconnectedKioskSurvivesOldSessionClosing(t *testing.T) {
	a := New(config.Config{PresenceTTL: time.Minute, PresenceCapacity: 8}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	client := push.ClientID(3)
	join := func(session uint64) {
		a.handleMQTTPublish(context.Background(), mqttbroker.PublishMessage{
			ClientID: client, Session: session, Topic: push.JoinTopic, Payload: []byte(`{"kiosk_id":3}`),
		})
	}

	join(1)
	join(2)
	a.handleMQTTDisconnect(client, 1)
	require.Equal(t, 1, a.presence.Len(), "closing the superseded connection keeps the kiosk")

	a.handleMQTTDisconnect(client, 2)
	assert.Zero(t, a.presence.Len())

	join(3)
	a.handleMQTTDisconnect("dashboard", 3)
	assert.Equal(t, 1, a.presence.Len(), "non-kiosk clients do not touch presence")
}

package pushclient

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"kioskads/internal/model"
	"kioskads/internal/mqttbroker"
	"kioskads/internal/push"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeHandler struct {
	mu         sync.Mutex
	events     []push.Event
	reconnects int
}

func (h *fakeHandler) HandleEvent(_ context.Context, ev push.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
	return nil
}

func (h *fakeHandler) NotifyReconnected() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reconnects++
}

func (h *fakeHandler) snapshot() ([]push.Event, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]push.Event(nil), h.events...), h.reconnects
}

type presenceLog struct {
	mu   sync.Mutex
	msgs map[string][]push.PresenceMessage
}

func (p *presenceLog) handle(_ context.Context, msg mqttbroker.PublishMessage) {
	var pm push.PresenceMessage
	if err := json.Unmarshal(msg.Payload, &pm); err != nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs[msg.Topic] = append(p.msgs[msg.Topic], pm)
}

func (p *presenceLog) count(topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs[topic])
}

func startClient(t *testing.T, heartbeat time.Duration) (*mqttbroker.Broker, *presenceLog, *fakeHandler, *Client) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	broker := mqttbroker.New(logger)
	presence := &presenceLog{msgs: make(map[string][]push.PresenceMessage)}
	broker.SetPublishHandler(presence.handle)
	_, err := broker.Start("127.0.0.1:0")
	require.NoError(t, err)

	h := &fakeHandler{}
	c, err := New(Options{
		BrokerURL: "tcp://" + broker.Addr().String(),
		KioskID:   7,
		Heartbeat: heartbeat,
	}, h, logger)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
		_ = broker.Stop()
	})

	require.Eventually(t, func() bool { return c.Connects() > 0 }, 5*time.Second, 10*time.Millisecond)
	return broker, presence, h, c
}

func TestNewValidates(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := New(Options{KioskID: 1}, &fakeHandler{}, logger)
	assert.Error(t, err)
	_, err = New(Options{BrokerURL: "tcp://127.0.0.1:1"}, &fakeHandler{}, logger)
	assert.Error(t, err)
}

func TestConnectJoinsAndRequestsCatchUp(t *testing.T) {
	broker, presence, h, c := startClient(t, time.Hour)

	assert.Equal(t, []string{"adsync/kiosk/7", "adsync/broadcast"}, c.Topics())
	require.Eventually(t, func() bool { return presence.count(push.JoinTopic) == 1 }, 5*time.Second, 10*time.Millisecond)
	_, reconnects := h.snapshot()
	assert.Equal(t, 1, reconnects)
	assert.Equal(t, 1, broker.ClientCount())
}

func TestEventsDeliveredInOrder(t *testing.T) {
	broker, _, h, _ := startClient(t, time.Hour)

	ad := model.Descriptor{Ad: model.Ad{ID: 4, ContentHash: "abc", Scope: model.KioskScope(7)}}
	publish := func(topic string, ev push.Event) {
		payload, err := push.Encode(ev)
		require.NoError(t, err)
		_, err = broker.Publish(topic, payload)
		require.NoError(t, err)
	}
	publish(push.KioskTopic(7), push.Event{Type: push.EventAdded, Ad: &ad})
	publish(push.KioskTopic(3), push.Event{Type: push.EventDeleted, AdID: 9})
	_, err := broker.Publish(push.BroadcastTopic, []byte("not json"))
	require.NoError(t, err)
	publish(push.BroadcastTopic, push.Event{Type: push.EventAdminRefresh})
	publish(push.KioskTopic(7), push.Event{Type: push.EventDeleted, AdID: 4})

	require.Eventually(t, func() bool {
		events, _ := h.snapshot()
		return len(events) == 3
	}, 5*time.Second, 10*time.Millisecond)

	events, _ := h.snapshot()
	assert.Equal(t, push.EventAdded, events[0].Type)
	assert.Equal(t, int64(4), events[0].Ad.ID)
	assert.Equal(t, push.EventAdminRefresh, events[1].Type)
	assert.Equal(t, push.EventDeleted, events[2].Type)
	assert.Equal(t, int64(4), events[2].AdID)
}

func TestHeartbeatsPublished(t *testing.T) {
	_, presence, _, _ := startClient(t, 50*time.Millisecond)
	require.Eventually(t, func() bool { return presence.count(push.HeartbeatTopic) >= 2 }, 5*time.Second, 10*time.Millisecond)

	presence.mu.Lock()
	defer presence.mu.Unlock()
	assert.Equal(t, int64(7), presence.msgs[push.HeartbeatTopic][0].KioskID)
}

// Package push carries registry change notifications from the server to kiosks
// over MQTT topics, and kiosk presence messages back.
package push

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"kioskads/internal/model"
)

// EventType names a server-to-kiosk notification.
type EventType string

const (
	EventAdded        EventType = "ADDED"
	EventDeleted      EventType = "DELETED"
	EventUpdated      EventType = "UPDATED"
	EventAdminRefresh EventType = "ADMIN_REFRESH"
)

// Event is the payload published on kiosk and broadcast topics.
type Event struct {
	Type      EventType         `json:"type"`
	Ad        *model.Descriptor `json:"ad,omitempty"`
	AdID      int64             `json:"ad_id,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Validate rejects events that a kiosk cannot act on.
func (e Event) Validate() error {
	switch e.Type {
	case EventAdded:
		if e.Ad == nil || e.Ad.ID <= 0 {
			return fmt.Errorf("ADDED event without a descriptor")
		}
		if e.Ad.ContentHash == "" {
			return fmt.Errorf("ADDED event for ad %d without a content hash", e.Ad.ID)
		}
	case EventDeleted:
		if e.AdID <= 0 {
			return fmt.Errorf("DELETED event without an ad id")
		}
	case EventUpdated, EventAdminRefresh:
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	return nil
}

// Encode serializes an event for publishing.
func Encode(e Event) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// Decode parses and validates an event payload.
func Decode(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}

// Topic layout.
const (
	TopicPrefix    = "adsync"
	BroadcastTopic = TopicPrefix + "/broadcast"
	JoinTopic      = TopicPrefix + "/presence/join"
	HeartbeatTopic = TopicPrefix + "/presence/heartbeat"
	PresenceFilter = TopicPrefix + "/presence/+"
)

// KioskTopic is the per-kiosk channel.
func KioskTopic(kioskID int64) string {
	return TopicPrefix + "/kiosk/" + strconv.FormatInt(kioskID, 10)
}

// TopicForScope returns the single channel that reaches every kiosk an ad with
// this scope applies to.
func TopicForScope(s model.Scope) string {
	if id, ok := s.KioskID(); ok {
		return KioskTopic(id)
	}
	return BroadcastTopic
}

// PresenceMessage is published by kiosks on JoinTopic and HeartbeatTopic.
type PresenceMessage struct {
	KioskID   int64     `json:"kiosk_id"`
	Timestamp time.Time `json:"timestamp"`
}

const clientIDPrefix = "adsync-kiosk-"

// ClientID is the MQTT client identifier a kiosk agent connects with.
func ClientID(kioskID int64) string {
	return clientIDPrefix + strconv.FormatInt(kioskID, 10)
}

// KioskIDFromClientID is the inverse of ClientID.
func KioskIDFromClientID(clientID string) (int64, bool) {
	rest, ok := strings.CutPrefix(clientID, clientIDPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

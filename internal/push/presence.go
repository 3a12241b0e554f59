package push

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"kioskads/internal/model"
)

// Tracker is the server's bounded view of connected kiosks. Entries expire
// only when Sweep is called; when full, the least recently seen kiosk is evicted.
// Each entry remembers the push session that last spoke for it, so the end of a
// superseded connection does not remove a kiosk that already reconnected.
type Tracker struct {
	ttl      time.Duration
	capacity int

	mu      sync.Mutex
	entries map[int64]presenceEntry
}

type presenceEntry struct {
	model.KioskPresence
	session uint64
}

// NewTracker returns an empty tracker.
func NewTracker(ttl time.Duration, capacity int) *Tracker {
	if capacity <= 0 {
		capacity = 1
	}
	return &Tracker{ttl: ttl, capacity: capacity, entries: make(map[int64]presenceEntry)}
}

// Join records a kiosk (re)connecting.
func (t *Tracker) Join(kioskID int64, now time.Time) { t.join(kioskID, 0, now) }

// Heartbeat refreshes a kiosk's last-seen time. Unknown kiosks are recorded as
// joining, which covers a server restart while kiosks stay connected.
func (t *Tracker) Heartbeat(kioskID int64, now time.Time) { t.heartbeat(kioskID, 0, now) }

func (t *Tracker) join(kioskID int64, session uint64, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.insertLocked(presenceEntry{
		KioskPresence: model.KioskPresence{KioskID: kioskID, ConnectedAt: now, LastSeen: now},
		session:       session,
	})
}

func (t *Tracker) heartbeat(kioskID int64, session uint64, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[kioskID]
	if !ok {
		t.insertLocked(presenceEntry{
			KioskPresence: model.KioskPresence{KioskID: kioskID, ConnectedAt: now, LastSeen: now},
			session:       session,
		})
		return
	}
	if now.After(e.LastSeen) {
		e.LastSeen = now
	}
	if session != 0 {
		e.session = session
	}
	t.entries[kioskID] = e
}

// Leave forgets a kiosk.
func (t *Tracker) Leave(kioskID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, kioskID)
}

// LeaveSession forgets a kiosk whose push session ended, unless a newer session
// has spoken for it since. It reports whether the entry was removed.
func (t *Tracker) LeaveSession(kioskID int64, session uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[kioskID]
	if !ok || (e.session != 0 && e.session != session) {
		return false
	}
	delete(t.entries, kioskID)
	return true
}

// Sweep removes kiosks not seen within the TTL and reports how many were removed.
func (t *Tracker) Sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for id, e := range t.entries {
		if now.Sub(e.LastSeen) > t.ttl {
			delete(t.entries, id)
			removed++
		}
	}
	return removed
}

// Snapshot lists tracked kiosks ordered by id.
func (t *Tracker) Snapshot() []model.KioskPresence {
	t.mu.Lock()
	out := make([]model.KioskPresence, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e.KioskPresence)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].KioskID < out[j].KioskID })
	return out
}

// Len returns the number of tracked kiosks.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Tracker) insertLocked(e presenceEntry) {
	if _, ok := t.entries[e.KioskID]; !ok && len(t.entries) >= t.capacity {
		var (
			oldestID int64
			oldest   time.Time
			first    = true
		)
		for id, cur := range t.entries {
			if first || cur.LastSeen.Before(oldest) {
				oldestID, oldest, first = id, cur.LastSeen, false
			}
		}
		delete(t.entries, oldestID)
	}
	t.entries[e.KioskID] = e
}

// HandleMessage applies a presence message received on topic over the given
// push session.
func (t *Tracker) HandleMessage(topic string, payload []byte, session uint64, now time.Time) (int64, error) {
	var msg PresenceMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return 0, fmt.Errorf("decode presence message: %w", err)
	}
	if msg.KioskID <= 0 {
		return 0, fmt.Errorf("presence message without kiosk id")
	}
	switch topic {
	case JoinTopic:
		t.join(msg.KioskID, session, now)
	case HeartbeatTopic:
		t.heartbeat(msg.KioskID, session, now)
	default:
		return 0, fmt.Errorf("unexpected presence topic %q", topic)
	}
	return msg.KioskID, nil
}

package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// MediaType is the playback class of an ad.
type MediaType string

const (
	MediaImage MediaType = "image"
	MediaVideo MediaType = "video"
)

// Valid reports whether m is a known media type.
func (m MediaType) Valid() bool {
	return m == MediaImage || m == MediaVideo
}

// allowedMIME maps every accepted upload MIME type to its media type and file extension.
var allowedMIME = map[string]struct {
	media MediaType
	ext   string
}{
	"image/jpeg": {MediaImage, ".jpg"},
	"image/png":  {MediaImage, ".png"},
	"image/gif":  {MediaImage, ".gif"},
	"image/webp": {MediaImage, ".webp"},
	"video/mp4":  {MediaVideo, ".mp4"},
	"video/webm": {MediaVideo, ".webm"},
}

// NormalizeMIME strips parameters and lower-cases a Content-Type value.
func NormalizeMIME(v string) string {
	if i := strings.IndexByte(v, ';'); i >= 0 {
		v = v[:i]
	}
	return strings.ToLower(strings.TrimSpace(v))
}

// MediaTypeForMIME resolves an upload MIME type against the allow-list.
func MediaTypeForMIME(mime string) (MediaType, bool) {
	entry, ok := allowedMIME[NormalizeMIME(mime)]
	return entry.media, ok
}

// ExtensionForMIME returns the file extension used in content references.
func ExtensionForMIME(mime string) string {
	return allowedMIME[NormalizeMIME(mime)].ext
}

// ScopeKind discriminates the Scope variant.
type ScopeKind int

const (
	ScopeGlobal ScopeKind = iota
	ScopeKiosk
)

func (k ScopeKind) String() string {
	switch k {
	case ScopeGlobal:
		return "global"
	case ScopeKiosk:
		return "kiosk"
	default:
		return fmt.Sprintf("ScopeKind(%d)", int(k))
	}
}

// Scope is either Global or Kiosk(id). The zero value is Global.
type Scope struct {
	kind    ScopeKind
	kioskID int64
}

// GlobalScope applies to every kiosk.
func GlobalScope() Scope { return Scope{kind: ScopeGlobal} }

// KioskScope applies to exactly one kiosk.
func KioskScope(id int64) Scope { return Scope{kind: ScopeKiosk, kioskID: id} }

func (s Scope) Kind() ScopeKind { return s.kind }

// KioskID returns the target kiosk and true for Kiosk scopes.
func (s Scope) KioskID() (int64, bool) {
	if s.kind == ScopeKiosk {
		return s.kioskID, true
	}
	return 0, false
}

// AppliesTo reports whether an ad with this scope belongs in kioskID's applicable set.
func (s Scope) AppliesTo(kioskID int64) bool {
	switch s.kind {
	case ScopeGlobal:
		return true
	case ScopeKiosk:
		return s.kioskID == kioskID
	default:
		return false
	}
}

func (s Scope) String() string {
	if id, ok := s.KioskID(); ok {
		return fmt.Sprintf("kiosk(%d)", id)
	}
	return "global"
}

// ScopeFromNullable converts the row representation (NULL kiosk id means global).
func ScopeFromNullable(kioskID *int64) Scope {
	if kioskID == nil {
		return GlobalScope()
	}
	return KioskScope(*kioskID)
}

// Nullable is the inverse of ScopeFromNullable.
func (s Scope) Nullable() *int64 {
	if id, ok := s.KioskID(); ok {
		return &id
	}
	return nil
}

type scopeJSON struct {
	Kind    string `json:"kind"`
	KioskID *int64 `json:"kiosk_id,omitempty"`
}

func (s Scope) MarshalJSON() ([]byte, error) {
	return json.Marshal(scopeJSON{Kind: s.kind.String(), KioskID: s.Nullable()})
}

func (s *Scope) UnmarshalJSON(data []byte) error {
	var raw scopeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	kind := raw.Kind
	if kind == "" && raw.KioskID != nil {
		kind = "kiosk"
	}
	switch kind {
	case "global", "":
		if raw.KioskID != nil {
			return fmt.Errorf("global scope cannot name kiosk %d", *raw.KioskID)
		}
		*s = GlobalScope()
	case "kiosk":
		if raw.KioskID == nil || *raw.KioskID <= 0 {
			return fmt.Errorf("kiosk scope requires a positive kiosk_id")
		}
		*s = KioskScope(*raw.KioskID)
	default:
		return fmt.Errorf("unknown scope kind %q", raw.Kind)
	}
	return nil
}

// Ad is the registry row for one piece of media. Its bytes never change after creation.
type Ad struct {
	ID          int64     `json:"id"`
	ContentRef  string    `json:"content_ref"`
	MediaType   MediaType `json:"media_type"`
	MIMEType    string    `json:"mime_type"`
	Scope       Scope     `json:"scope"`
	ContentHash string    `json:"content_hash"`
	ByteSize    int64     `json:"byte_size"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Descriptor is an Ad as served by the Distribution API.
type Descriptor struct {
	Ad
	KioskName    string     `json:"kiosk_name,omitempty"`
	DownloadURL  string     `json:"download_url,omitempty"`
	LastModified *time.Time `json:"last_modified,omitempty"`
}

// Kiosk is a registered display.
type Kiosk struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Location  string    `json:"location,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// KioskPresence is the derived connectivity state of a kiosk.
type KioskPresence struct {
	KioskID     int64     `json:"kiosk_id"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
}

// UpdateCheck answers a cheap "anything changed since" poll.
type UpdateCheck struct {
	KioskID       int64     `json:"kiosk_id"`
	HasUpdates    bool      `json:"has_updates"`
	ModifiedCount int       `json:"modified_count"`
	LastChecked   time.Time `json:"last_checked"`
}

// SyncDelta carries the changed subset of a kiosk's applicable set.
type SyncDelta struct {
	KioskID   int64        `json:"kiosk_id"`
	Timestamp time.Time    `json:"timestamp"`
	Ads       []Descriptor `json:"ads"`
}

// AdSet is a kiosk's applicable set.
type AdSet struct {
	KioskID   int64        `json:"kiosk_id"`
	Ads       []Descriptor `json:"ads"`
	Count     int          `json:"count"`
	Timestamp time.Time    `json:"timestamp"`
}

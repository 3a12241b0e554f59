// Package playback cycles a kiosk's cached ads on a display surface.
package playback

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"kioskads/internal/kiosk/cache"
	"kioskads/internal/model"
)

// State is what the engine is currently doing.
type State int

const (
	Idle State = iota
	PlayingImage
	PlayingVideo
	LoopingVideo
	PlayingDefault
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case PlayingImage:
		return "playing_image"
	case PlayingVideo:
		return "playing_video"
	case LoopingVideo:
		return "looping_video"
	case PlayingDefault:
		return "playing_default"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// SourceKind says where a slot's bytes come from.
type SourceKind string

const (
	SourceCache   SourceKind = "cache"
	SourceRemote  SourceKind = "remote"
	SourceDefault SourceKind = "default"
)

// Slot is one thing to put on screen. Ad is nil for the default asset.
type Slot struct {
	Ad         *model.Descriptor
	Source     string
	SourceKind SourceKind
	Loop       bool
}

// AdID returns the slot's ad id, or 0 for the default asset.
func (s Slot) AdID() int64 {
	if s.Ad == nil {
		return 0
	}
	return s.Ad.ID
}

// Surface renders slots. For videos it may report the clip duration, or 0 when
// unknown. Show must not call back into the Engine.
type Surface interface {
	Show(slot Slot) (time.Duration, error)
}

// Options tunes an Engine.
type Options struct {
	ImageDwell    time.Duration
	VideoBackstop time.Duration
	VideoGrace    time.Duration
	DefaultAsset  string
}

// Engine plays the cached set in order, wrapping around at the end. It
// implements cache.Listener.
type Engine struct {
	surface Surface
	clock   Clock
	logger  *slog.Logger
	opts    Options

	mu      sync.Mutex
	items   []cache.Item
	index   int
	slot    Slot
	state   State
	gen     uint64
	timer   Timer
	started bool
}

// New returns an idle engine.
func New(surface Surface, clock Clock, logger *slog.Logger, opts Options) *Engine {
	if clock == nil {
		clock = SystemClock{}
	}
	if opts.ImageDwell <= 0 {
		opts.ImageDwell = 7 * time.Second
	}
	if opts.VideoBackstop <= 0 {
		opts.VideoBackstop = 2 * time.Minute
	}
	if opts.VideoGrace <= 0 {
		opts.VideoGrace = 2 * time.Second
	}
	return &Engine{surface: surface, clock: clock, logger: logger, opts: opts}
}

// Start begins playback from the first item, or the default asset when the
// set is empty.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true
	e.index = 0
	e.playLocked()
}

// Stop halts playback and cancels any pending timer.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started = false
	e.gen++
	e.stopTimerLocked()
	e.state = Idle
	e.slot = Slot{}
}

// State reports the current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Current returns the slot on screen.
func (e *Engine) Current() Slot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.slot
}

// SetChanged replaces the playlist. The ad on screen keeps playing when it is
// still in the new set.
func (e *Engine) SetChanged(items []cache.Item) {
	e.mu.Lock()
	defer e.mu.Unlock()

	currentID := e.slot.AdID()
	wasLooping := e.state == LoopingVideo
	e.items = append([]cache.Item(nil), items...)
	if !e.started {
		return
	}

	if currentID != 0 {
		if i := e.indexOfLocked(currentID); i >= 0 {
			e.index = i
			switch {
			case wasLooping && len(e.items) > 1:
				e.advanceLocked()
			case !wasLooping && e.state == PlayingVideo && len(e.items) == 1:
				e.playLocked()
			}
			return
		}
		if e.index >= len(e.items) {
			e.index = 0
		}
		e.playLocked()
		return
	}

	if e.index >= len(e.items) {
		e.index = 0
	}
	// A default hold after a failed ad already has its advance timer armed.
	if e.state == PlayingDefault && e.timer == nil && len(e.items) > 0 {
		e.playLocked()
	}
}

// Purged drops adID from the playlist and moves on at once if it is on screen.
func (e *Engine) Purged(adID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	i := e.indexOfLocked(adID)
	if i < 0 {
		return
	}
	e.items = append(e.items[:i:i], e.items[i+1:]...)
	if i < e.index {
		e.index--
	}
	if !e.started || e.slot.AdID() != adID {
		return
	}
	if e.index >= len(e.items) {
		e.index = 0
	}
	e.logger.Info("ad on screen was purged, advancing", "ad", adID)
	e.playLocked()
}

// VideoEnded is reported by the surface when a clip finishes.
func (e *Engine) VideoEnded(adID int64) { e.videoDone(adID, nil) }

// VideoError is reported by the surface when a clip cannot continue.
func (e *Engine) VideoError(adID int64, err error) { e.videoDone(adID, err) }

func (e *Engine) videoDone(adID int64, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != PlayingVideo || e.slot.AdID() != adID {
		return
	}
	if err != nil {
		e.logger.Warn("video failed", "ad", adID, "error", err)
	}
	e.advanceLocked()
}

func (e *Engine) advanceLocked() {
	if len(e.items) > 0 {
		e.index = (e.index + 1) % len(e.items)
	}
	e.playLocked()
}

// playLocked shows items[index], or the default asset when there is nothing.
func (e *Engine) playLocked() {
	e.gen++
	e.stopTimerLocked()

	if len(e.items) == 0 {
		e.showDefaultLocked(0)
		return
	}

	item := e.items[e.index]
	ad := item.Ad
	sources := sourcesFor(item)
	if len(sources) == 0 {
		e.logger.Warn("ad has no playable source", "ad", ad.ID)
		e.showDefaultLocked(e.opts.ImageDwell)
		return
	}

	loop := ad.MediaType == model.MediaVideo && len(e.items) == 1
	var (
		slot     Slot
		reported time.Duration
		err      error
	)
	for _, src := range sources {
		slot = Slot{Ad: &ad, Source: src.ref, SourceKind: src.kind, Loop: loop}
		if reported, err = e.surface.Show(slot); err == nil {
			break
		}
		e.logger.Warn("ad source failed", "ad", ad.ID, "source", src.kind, "error", err)
	}
	if err != nil {
		e.showDefaultLocked(e.opts.ImageDwell)
		return
	}
	e.slot = slot

	switch {
	case loop:
		e.state = LoopingVideo
	case ad.MediaType == model.MediaVideo:
		e.state = PlayingVideo
		backstop := e.opts.VideoBackstop
		if reported > 0 {
			backstop = reported + e.opts.VideoGrace
		}
		e.armLocked(backstop)
	default:
		e.state = PlayingImage
		e.armLocked(e.opts.ImageDwell)
	}
}

type source struct {
	kind SourceKind
	ref  string
}

// sourcesFor lists an item's sources in preference order.
func sourcesFor(item cache.Item) []source {
	var out []source
	if item.LocalRef != "" {
		out = append(out, source{SourceCache, item.LocalRef})
	}
	if item.RemoteURL != "" {
		out = append(out, source{SourceRemote, item.RemoteURL})
	}
	return out
}

// showDefaultLocked puts the default asset up. A positive hold advances to the
// next item afterwards; otherwise it stays until the set changes.
func (e *Engine) showDefaultLocked(hold time.Duration) {
	slot := Slot{Source: e.opts.DefaultAsset, SourceKind: SourceDefault}
	if _, err := e.surface.Show(slot); err != nil {
		e.logger.Error("default asset failed to show", "path", e.opts.DefaultAsset, "error", err)
	}
	e.slot, e.state = slot, PlayingDefault
	if hold > 0 && len(e.items) > 0 {
		e.armLocked(hold)
	}
}

func (e *Engine) armLocked(d time.Duration) {
	gen := e.gen
	e.timer = e.clock.AfterFunc(d, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if gen != e.gen || !e.started {
			return
		}
		e.advanceLocked()
	})
}

func (e *Engine) stopTimerLocked() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (e *Engine) indexOfLocked(adID int64) int {
	for i, item := range e.items {
		if item.Ad.ID == adID {
			return i
		}
	}
	return -1
}

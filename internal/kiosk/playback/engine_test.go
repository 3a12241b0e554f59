package playback

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"kioskads/internal/kiosk/cache"
	"kioskads/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClock struct {
	mu         sync.Mutex
	now        time.Time
	timers     []*fakeTimer
	ignoreStop bool
}

type fakeTimer struct {
	c       *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	if !t.c.ignoreStop {
		t.stopped = true
	}
	return true
}

// Advance moves time forward, firing due timers in order outside the clock lock.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()
	for {
		c.mu.Lock()
		var next *fakeTimer
		for _, t := range c.timers {
			if t.fired || t.stopped || t.at.After(target) {
				continue
			}
			if next == nil || t.at.Before(next.at) {
				next = t
			}
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		next.fired = true
		c.now = next.at
		c.mu.Unlock()
		next.f()
	}
}

type recSurface struct {
	mu        sync.Mutex
	shown     []Slot
	fail      map[string]bool
	durations map[int64]time.Duration
}

func newRecSurface() *recSurface {
	return &recSurface{fail: make(map[string]bool), durations: make(map[int64]time.Duration)}
}

func (s *recSurface) Show(slot Slot) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail[slot.Source] {
		return 0, errors.New("cannot decode")
	}
	s.shown = append(s.shown, slot)
	return s.durations[slot.AdID()], nil
}

func (s *recSurface) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.shown)
}

func (s *recSurface) last() Slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shown[len(s.shown)-1]
}

func item(id int64, media model.MediaType) cache.Item {
	return cache.Item{
		Ad:        model.Descriptor{Ad: model.Ad{ID: id, MediaType: media}},
		LocalRef:  filepath.Join("spool", "ad-"+string(rune('0'+id))),
		RemoteURL: "http://hub/ads/download/" + string(rune('0'+id)),
	}
}

func newEngine(t *testing.T, items ...cache.Item) (*Engine, *recSurface, *fakeClock) {
	t.Helper()
	surface := newRecSurface()
	clock := newFakeClock()
	e := New(surface, clock, slog.New(slog.NewTextHandler(io.Discard, nil)), Options{
		ImageDwell:    7 * time.Second,
		VideoBackstop: 2 * time.Minute,
		VideoGrace:    2 * time.Second,
		DefaultAsset:  "default.png",
	})
	e.SetChanged(items)
	t.Cleanup(e.Stop)
	return e, surface, clock
}

func TestImagesWrapAround(t *testing.T) {
	e, surface, clock := newEngine(t, item(1, model.MediaImage), item(2, model.MediaImage), item(3, model.MediaImage))
	e.Start()

	var order []int64
	order = append(order, e.Current().AdID())
	for range 3 {
		clock.Advance(7 * time.Second)
		order = append(order, e.Current().AdID())
	}
	assert.Equal(t, []int64{1, 2, 3, 1}, order)
	assert.Equal(t, PlayingImage, e.State())
	assert.Equal(t, SourceCache, surface.last().SourceKind)
}

func TestVideoAdvancesOnEndOrBackstop(t *testing.T) {
	e, surface, clock := newEngine(t, item(1, model.MediaVideo), item(2, model.MediaImage), item(3, model.MediaVideo))
	surface.durations[1] = 10 * time.Second
	e.Start()
	require.Equal(t, PlayingVideo, e.State())

	e.VideoEnded(2)
	assert.Equal(t, int64(1), e.Current().AdID(), "ended for another ad is ignored")

	e.VideoEnded(1)
	assert.Equal(t, int64(2), e.Current().AdID())

	clock.Advance(7 * time.Second)
	assert.Equal(t, int64(3), e.Current().AdID())
	clock.Advance(time.Minute)
	assert.Equal(t, int64(3), e.Current().AdID(), "unknown duration waits for the backstop")
	clock.Advance(time.Minute)
	assert.Equal(t, int64(1), e.Current().AdID())

	clock.Advance(11 * time.Second)
	assert.Equal(t, int64(1), e.Current().AdID())
	clock.Advance(time.Second)
	assert.Equal(t, int64(2), e.Current().AdID(), "reported duration plus grace")

	clock.Advance(7 * time.Second)
	e.VideoError(3, errors.New("decoder crashed"))
	assert.Equal(t, int64(1), e.Current().AdID())
}

func TestSingleVideoLoopsForever(t *testing.T) {
	e, surface, clock := newEngine(t, item(1, model.MediaVideo))
	e.Start()

	assert.Equal(t, LoopingVideo, e.State())
	assert.True(t, e.Current().Loop)

	clock.Advance(time.Hour)
	e.VideoEnded(1)
	e.VideoError(1, errors.New("glitch"))
	assert.Equal(t, LoopingVideo, e.State())
	assert.Equal(t, 1, surface.count())

	e.SetChanged([]cache.Item{item(1, model.MediaVideo), item(2, model.MediaImage)})
	assert.Equal(t, int64(2), e.Current().AdID(), "a second ad ends the loop")
	assert.Equal(t, PlayingImage, e.State())
}

func TestEmptySetShowsDefault(t *testing.T) {
	e, surface, clock := newEngine(t)
	e.Start()

	assert.Equal(t, PlayingDefault, e.State())
	assert.Equal(t, Slot{Source: "default.png", SourceKind: SourceDefault}, e.Current())
	clock.Advance(time.Hour)
	assert.Equal(t, 1, surface.count())

	e.SetChanged([]cache.Item{item(4, model.MediaImage)})
	assert.Equal(t, int64(4), e.Current().AdID())

	e.SetChanged(nil)
	assert.Equal(t, PlayingDefault, e.State())
}

func TestSourcePriority(t *testing.T) {
	first, second := item(1, model.MediaImage), item(2, model.MediaImage)
	e, surface, clock := newEngine(t, first, second)
	surface.fail[first.LocalRef] = true
	e.Start()

	assert.Equal(t, SourceRemote, e.Current().SourceKind)
	assert.Equal(t, first.RemoteURL, e.Current().Source)

	clock.Advance(7 * time.Second)
	surface.fail[first.RemoteURL] = true
	clock.Advance(7 * time.Second)
	assert.Equal(t, PlayingDefault, e.State(), "image failure falls back to the default asset")

	clock.Advance(7 * time.Second)
	assert.Equal(t, int64(2), e.Current().AdID(), "default holds for one dwell then moves on")

	noSource := cache.Item{Ad: model.Descriptor{Ad: model.Ad{ID: 9, MediaType: model.MediaImage}}}
	e.SetChanged([]cache.Item{noSource})
	assert.Equal(t, PlayingDefault, e.State())
}

func TestPurgedAdOnScreenAdvancesImmediately(t *testing.T) {
	e, surface, clock := newEngine(t, item(1, model.MediaImage), item(2, model.MediaImage), item(3, model.MediaImage))
	e.Start()
	shown := surface.count()

	e.Purged(3)
	assert.Equal(t, int64(1), e.Current().AdID(), "purging another ad does not interrupt")
	assert.Equal(t, shown, surface.count())

	e.Purged(1)
	assert.Equal(t, int64(2), e.Current().AdID())

	clock.Advance(7 * time.Second)
	assert.Equal(t, int64(2), e.Current().AdID(), "single remaining image keeps cycling")
	e.Purged(2)
	assert.Equal(t, PlayingDefault, e.State())
}

func TestStaleTimerIsIgnored(t *testing.T) {
	e, _, clock := newEngine(t, item(1, model.MediaImage), item(2, model.MediaImage), item(3, model.MediaImage))
	clock.ignoreStop = true
	e.Start()

	clock.Advance(3 * time.Second)
	e.Purged(1)
	require.Equal(t, int64(2), e.Current().AdID())

	clock.Advance(4 * time.Second)
	assert.Equal(t, int64(2), e.Current().AdID(), "timer armed for ad 1 fired late")

	clock.Advance(3 * time.Second)
	assert.Equal(t, int64(3), e.Current().AdID())
}

func TestSetChangedKeepsCurrentAd(t *testing.T) {
	e, surface, clock := newEngine(t, item(1, model.MediaImage), item(2, model.MediaImage), item(3, model.MediaImage))
	e.Start()
	clock.Advance(7 * time.Second)
	require.Equal(t, int64(2), e.Current().AdID())
	shown := surface.count()

	e.SetChanged([]cache.Item{item(4, model.MediaImage), item(2, model.MediaImage)})
	assert.Equal(t, int64(2), e.Current().AdID())
	assert.Equal(t, shown, surface.count())

	clock.Advance(7 * time.Second)
	assert.Equal(t, int64(4), e.Current().AdID())

	e.SetChanged([]cache.Item{item(5, model.MediaImage)})
	assert.Equal(t, int64(5), e.Current().AdID(), "removed current ad is replaced at once")
}

func TestStopCancelsTimers(t *testing.T) {
	e, surface, clock := newEngine(t, item(1, model.MediaImage), item(2, model.MediaImage))
	e.Start()
	e.Stop()
	clock.Advance(time.Minute)
	assert.Equal(t, Idle, e.State())
	assert.Equal(t, 1, surface.count())
}

func TestLogSurfaceChecksLocalFiles(t *testing.T) {
	s := NewLogSurface(slog.New(slog.NewTextHandler(io.Discard, nil)))
	path := filepath.Join(t.TempDir(), "ad.png")
	require.NoError(t, os.WriteFile(path, []byte("png"), 0o644))

	ad := &model.Descriptor{Ad: model.Ad{ID: 1, MediaType: model.MediaImage}}
	_, err := s.Show(Slot{Ad: ad, Source: path, SourceKind: SourceCache})
	require.NoError(t, err)
	_, err = s.Show(Slot{Ad: ad, Source: path + ".missing", SourceKind: SourceCache})
	require.Error(t, err)
	_, err = s.Show(Slot{Ad: ad, Source: "http://hub/ads/download/1", SourceKind: SourceRemote})
	require.NoError(t, err)
	_, err = s.Show(Slot{SourceKind: SourceDefault})
	require.Error(t, err)
	assert.Equal(t, uint64(2), s.Shown())
}

func TestEngineWithSystemClock(t *testing.T) {
	surface := newRecSurface()
	e := New(surface, nil, slog.New(slog.NewTextHandler(io.Discard, nil)), Options{ImageDwell: 5 * time.Millisecond})
	e.SetChanged([]cache.Item{item(1, model.MediaImage), item(2, model.MediaImage)})
	e.Start()
	require.Eventually(t, func() bool { return surface.count() >= 3 }, time.Second, time.Millisecond)
	e.Stop()
}

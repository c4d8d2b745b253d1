// Package clock supplies real time and per-world game time to the staging
// pipeline. Every component that needs "now" takes a [Clock] so tests can
// drive time explicitly.
package clock

import (
	"sync"
	"time"
)

// Clock reports real time and the current in-world time of a world.
//
// Implementations must be safe for concurrent use.
type Clock interface {
	// Now returns the current real (wall-clock) time.
	Now() time.Time

	// GameTime returns the current in-world time for worldID.
	GameTime(worldID string) time.Time
}

// DefaultEpoch is the game time a world starts at when nothing else is known:
// the first day of the campaign calendar at 08:00.
var DefaultEpoch = time.Date(1, time.January, 1, 8, 0, 0, 0, time.UTC)

// World is the production [Clock]. Real time comes from the system clock;
// game time is tracked per world and only moves when the DM advances it.
type World struct {
	mu    sync.RWMutex
	epoch time.Time
	games map[string]time.Time
}

var _ Clock = (*World)(nil)

// NewWorld creates a World clock. Worlds without an explicit game time start
// at epoch; a zero epoch means [DefaultEpoch].
func NewWorld(epoch time.Time) *World {
	if epoch.IsZero() {
		epoch = DefaultEpoch
	}
	return &World{epoch: epoch, games: make(map[string]time.Time)}
}

// Now implements [Clock].
func (w *World) Now() time.Time { return time.Now() }

// GameTime implements [Clock].
func (w *World) GameTime(worldID string) time.Time {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if t, ok := w.games[worldID]; ok {
		return t
	}
	return w.epoch
}

// SetGameTime sets the in-world time for worldID.
func (w *World) SetGameTime(worldID string, t time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.games[worldID] = t
}

// Advance moves the game time of worldID forward by d and returns the new
// time. Negative durations are ignored; game time never runs backwards.
func (w *World) Advance(worldID string, d time.Duration) time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.games[worldID]
	if !ok {
		t = w.epoch
	}
	if d > 0 {
		t = t.Add(d)
	}
	w.games[worldID] = t
	return t
}

// Manual is a [Clock] whose real and game time are set by hand. All worlds
// share one game time. Intended for tests.
type Manual struct {
	mu   sync.Mutex
	now  time.Time
	game time.Time
}

var _ Clock = (*Manual)(nil)

// NewManual returns a Manual clock at the given real and game times.
func NewManual(now, game time.Time) *Manual {
	return &Manual{now: now, game: game}
}

// Now implements [Clock].
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// GameTime implements [Clock].
func (m *Manual) GameTime(string) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.game
}

// Sleep advances real time by d.
func (m *Manual) Sleep(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// AdvanceGame advances game time by d.
func (m *Manual) AdvanceGame(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.game = m.game.Add(d)
}

// SetGame sets the game time.
func (m *Manual) SetGame(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.game = t
}

package intake

import (
	"sync"
	"time"

	"github.com/ehr/intake/internal/platform/clock"
)

// Default timings of the presence protocol.
const (
	DefaultHeartbeatInterval   = 30 * time.Second
	DefaultInactivityThreshold = 120 * time.Second
	DefaultResetDelay          = 3 * time.Second
	DefaultNotificationTTL     = 5 * time.Second
)

type trackerState int

const (
	trackerIdle trackerState = iota
	trackerTracking
	trackerSuspended
	trackerStopped
)

// ActivityTracker derives presence from edit timestamps. A heartbeat fires
// every interval; each tick in the tracking state reports inactive when more
// than threshold has passed since the last edit (strictly greater: exactly
// threshold is still active), active otherwise. Ticks before the first edit
// of a session and while suspended report nothing.
type ActivityTracker struct {
	mu             sync.Mutex
	clock          clock.Clock
	interval       time.Duration
	threshold      time.Duration
	emit           func(PresenceStatus)
	state          trackerState
	lastActivityAt time.Time
	timer          clock.Timer
}

// NewActivityTracker creates a tracker. emit is called from the heartbeat
// without the tracker lock held.
func NewActivityTracker(clk clock.Clock, interval, threshold time.Duration, emit func(PresenceStatus)) *ActivityTracker {
	return &ActivityTracker{
		clock:     clk,
		interval:  interval,
		threshold: threshold,
		emit:      emit,
	}
}

// Start arms the heartbeat.
func (t *ActivityTracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == trackerStopped || t.timer != nil {
		return
	}
	t.timer = t.clock.AfterFunc(t.interval, t.tick)
}

// Touch records an edit.
func (t *ActivityTracker) Touch() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == trackerStopped || t.state == trackerSuspended {
		return
	}
	t.state = trackerTracking
	t.lastActivityAt = t.clock.Now()
}

// StatusAt returns the presence derived for now, and false while there is
// nothing to report.
func (t *ActivityTracker) StatusAt(now time.Time) (PresenceStatus, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statusLocked(now)
}

func (t *ActivityTracker) statusLocked(now time.Time) (PresenceStatus, bool) {
	switch t.state {
	case trackerTracking:
		if now.Sub(t.lastActivityAt) > t.threshold {
			return PresenceInactive, true
		}
		return PresenceActive, true
	case trackerSuspended:
		return PresenceSubmitted, true
	}
	return "", false
}

// LastActivityAt returns the time of the last edit, zero before any edit.
func (t *ActivityTracker) LastActivityAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastActivityAt
}

// Suspend silences the heartbeat until Reset.
func (t *ActivityTracker) Suspend() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == trackerStopped {
		return
	}
	t.state = trackerSuspended
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// Reset starts a new session: back to idle with the heartbeat re-armed.
func (t *ActivityTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == trackerStopped {
		return
	}
	t.state = trackerIdle
	t.lastActivityAt = time.Time{}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = t.clock.AfterFunc(t.interval, t.tick)
}

// Stop cancels the heartbeat for good.
func (t *ActivityTracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = trackerStopped
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *ActivityTracker) tick() {
	t.mu.Lock()
	if t.state == trackerStopped || t.state == trackerSuspended {
		t.mu.Unlock()
		return
	}
	status, ok := t.statusLocked(t.clock.Now())
	t.timer = t.clock.AfterFunc(t.interval, t.tick)
	t.mu.Unlock()

	if ok && t.emit != nil {
		t.emit(status)
	}
}

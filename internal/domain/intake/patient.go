package intake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/intake/internal/platform/clock"
	"github.com/ehr/intake/internal/platform/pubsub"
)

// Timings configures the presence protocol.
type Timings struct {
	HeartbeatInterval   time.Duration
	InactivityThreshold time.Duration
	ResetDelay          time.Duration
	NotificationTTL     time.Duration
}

// DefaultTimings returns the reference timings.
func DefaultTimings() Timings {
	return Timings{
		HeartbeatInterval:   DefaultHeartbeatInterval,
		InactivityThreshold: DefaultInactivityThreshold,
		ResetDelay:          DefaultResetDelay,
		NotificationTTL:     DefaultNotificationTTL,
	}
}

func (t Timings) withDefaults() Timings {
	d := DefaultTimings()
	if t.HeartbeatInterval <= 0 {
		t.HeartbeatInterval = d.HeartbeatInterval
	}
	if t.InactivityThreshold <= 0 {
		t.InactivityThreshold = d.InactivityThreshold
	}
	if t.ResetDelay <= 0 {
		t.ResetDelay = d.ResetDelay
	}
	if t.NotificationTTL <= 0 {
		t.NotificationTTL = d.NotificationTTL
	}
	return t
}

// PatientOptions configures a PatientController. Zero values fall back to
// the defaults.
type PatientOptions struct {
	Validator Validator
	Clock     clock.Clock
	Timings   Timings
	Logger    zerolog.Logger
	// OnChange receives the derived view after every state transition. It
	// runs without the controller lock held and may read the controller, but
	// must not edit or submit from inside the callback.
	OnChange func(PatientView)
}

// PatientController owns the local form state of one patient session and
// publishes patch, presence and submit events on the injected channel.
// Publishing happens under the controller lock so events leave in the order
// of the local actions that caused them.
type PatientController struct {
	mu         sync.Mutex
	channel    pubsub.Channel
	validator  Validator
	clock      clock.Clock
	timings    Timings
	logger     zerolog.Logger
	views      *viewFeed[PatientView]
	version    uint64
	dirty      bool
	tracker    *ActivityTracker
	record     PatientRecord
	errors     ValidationErrors
	status     SubmitStatus
	resetTimer clock.Timer
	closed     bool
	closeOnce  sync.Once
}

// NewPatientController creates a controller on channel and starts its
// heartbeat. The controller owns channel and closes it in Close.
func NewPatientController(channel pubsub.Channel, opts PatientOptions) *PatientController {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Validator == nil {
		opts.Validator = NewRuleSet(opts.Clock.Now)
	}
	c := &PatientController{
		channel:   channel,
		validator: opts.Validator,
		clock:     opts.Clock,
		timings:   opts.Timings.withDefaults(),
		logger:    opts.Logger.With().Str("component", "patient").Logger(),
		errors:    ValidationErrors{},
		status:    SubmitIdle,
	}
	if opts.OnChange != nil {
		c.views = &viewFeed[PatientView]{fn: opts.OnChange}
	}
	c.tracker = NewActivityTracker(c.clock, c.timings.HeartbeatInterval, c.timings.InactivityThreshold, c.heartbeat)
	c.tracker.Start()
	return c
}

// OnFieldChange merges one edit, then publishes the whole record and an
// active presence event. Local state changes even when publishing fails; the
// delivery error is returned to the caller.
func (c *PatientController) OnFieldChange(ctx context.Context, fieldPath, value string) error {
	c.mu.Lock()
	defer c.unlock()

	if c.closed {
		return ErrClosed
	}
	if c.status == SubmitSuccess {
		return ErrSessionSubmitted
	}

	next := c.record.Clone()
	if err := next.SetField(fieldPath, value); err != nil {
		return err
	}
	c.record = next
	c.tracker.Touch()
	c.changed()

	if err := c.channel.Publish(ctx, EventPatch, c.record.Clone()); err != nil {
		c.logger.Warn().Err(err).Str("field", fieldPath).Msg("patch not delivered")
		return fmt.Errorf("deliver patch: %w", err)
	}
	if err := c.channel.Publish(ctx, EventPresence, PresenceEvent{Status: PresenceActive}); err != nil {
		c.logger.Warn().Err(err).Msg("presence not delivered")
		return fmt.Errorf("deliver presence: %w", err)
	}
	return nil
}

// Submit validates the record. Invalid records are kept editable and the
// field errors are returned with a nil error. A valid record is published
// as a submit event followed by a submitted presence event, and the form is
// reset after the reset delay.
func (c *PatientController) Submit(ctx context.Context) (ValidationErrors, error) {
	c.mu.Lock()
	defer c.unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if c.status == SubmitSuccess {
		return nil, ErrSessionSubmitted
	}
	c.changed()

	if errs := c.validator.Validate(c.record.Clone()); len(errs) > 0 {
		c.errors = errs
		c.status = SubmitError
		c.logger.Info().Strs("fields", errs.Fields()).Msg("submit rejected by validation")
		return errs, nil
	}

	event := SubmitEvent{PatientRecord: c.record.Clone(), SubmittedAt: c.clock.Now().UTC()}
	if err := c.channel.Publish(ctx, EventSubmit, event); err != nil {
		c.logger.Warn().Err(err).Msg("submit not delivered")
		return nil, fmt.Errorf("deliver submit: %w", err)
	}

	c.status = SubmitSuccess
	c.errors = ValidationErrors{}
	c.tracker.Suspend()
	c.resetTimer = c.clock.AfterFunc(c.timings.ResetDelay, c.reset)
	c.logger.Info().Time("submitted_at", event.SubmittedAt).Msg("form submitted")

	if err := c.channel.Publish(ctx, EventPresence, PresenceEvent{Status: PresenceSubmitted}); err != nil {
		// The submit itself went out; observers fall back to the submit event.
		c.logger.Warn().Err(err).Msg("submitted presence not delivered")
	}
	return ValidationErrors{}, nil
}

// reset clears the form and starts a new session.
func (c *PatientController) reset() {
	c.mu.Lock()
	defer c.unlock()

	if c.closed {
		return
	}
	c.record = PatientRecord{}
	c.errors = ValidationErrors{}
	c.status = SubmitIdle
	c.resetTimer = nil
	c.tracker.Reset()
	c.logger.Debug().Msg("form reset for next session")
	c.changed()
}

// heartbeat publishes the tracker's periodic presence.
func (c *PatientController) heartbeat(status PresenceStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.status == SubmitSuccess {
		return
	}
	if err := c.channel.Publish(context.Background(), EventPresence, PresenceEvent{Status: status}); err != nil {
		c.logger.Debug().Err(err).Str("status", string(status)).Msg("heartbeat not delivered")
	}
}

// Record returns a copy of the current record.
func (c *PatientController) Record() PatientRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.record.Clone()
}

// Presence returns the presence the next heartbeat would derive, and false
// while the session is idle.
func (c *PatientController) Presence() (PresenceStatus, bool) {
	return c.tracker.StatusAt(c.clock.Now())
}

// View returns the current derived view.
func (c *PatientController) View() PatientView {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

func (c *PatientController) viewLocked() PatientView {
	return RenderPatientView(PatientState{
		Record:    c.record.Clone(),
		Errors:    c.errors,
		Status:    c.status,
		Connected: c.channel.Connected(),
	})
}

func (c *PatientController) changed() {
	c.dirty = true
}

// unlock releases the state lock, then hands the view after the latest
// transition to OnChange.
func (c *PatientController) unlock() {
	if !c.dirty || c.views == nil {
		c.dirty = false
		c.mu.Unlock()
		return
	}
	c.dirty = false
	c.version++
	version, view := c.version, c.viewLocked()
	c.mu.Unlock()
	c.views.deliver(version, view)
}

// Close cancels both timers and releases the channel. It is safe to call
// more than once.
func (c *PatientController) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		if c.resetTimer != nil {
			c.resetTimer.Stop()
			c.resetTimer = nil
		}
		c.mu.Unlock()

		c.tracker.Stop()
		err = c.channel.Close()
	})
	return err
}

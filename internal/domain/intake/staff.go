package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/intake/internal/platform/clock"
	"github.com/ehr/intake/internal/platform/pubsub"
)

// SubmitNotification is the transient notice raised by a submit event.
type SubmitNotification struct {
	SubmittedAt time.Time `json:"submittedAt"`
	ReceivedAt  time.Time `json:"receivedAt"`
}

// StaffOptions configures a StaffController.
type StaffOptions struct {
	Clock           clock.Clock
	NotificationTTL time.Duration
	Logger          zerolog.Logger
	// OnChange receives the derived view after every state transition. It
	// runs without the controller lock held and may read the controller, but
	// must not attach or detach from inside the callback.
	OnChange func(StaffView)
}

// StaffController is a read-only observer of a live form session. It never
// publishes. Any number of controllers may watch the same channel
// independently.
type StaffController struct {
	attachMu     sync.Mutex
	mu           sync.Mutex
	channel      pubsub.Channel
	clock        clock.Clock
	ttl          time.Duration
	logger       zerolog.Logger
	views        *viewFeed[StaffView]
	version      uint64
	dirty        bool
	record       *PatientRecord
	presence     PresenceStatus
	notification *SubmitNotification
	notifyTimer  clock.Timer
	notifyGen    uint64
	attached     bool
	closeOnce    sync.Once
}

// NewStaffController creates a controller on channel. The controller owns
// channel and closes it in Close.
func NewStaffController(channel pubsub.Channel, opts StaffOptions) *StaffController {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.NotificationTTL <= 0 {
		opts.NotificationTTL = DefaultNotificationTTL
	}
	s := &StaffController{
		channel: channel,
		clock:   opts.Clock,
		ttl:     opts.NotificationTTL,
		logger:  opts.Logger.With().Str("component", "staff").Logger(),
	}
	if opts.OnChange != nil {
		s.views = &viewFeed[StaffView]{fn: opts.OnChange}
	}
	return s
}

// Attach subscribes to patch, presence and submit events. On a partial
// failure the subscriptions made so far are rolled back. The state lock is
// not held while subscribing: handlers may run before Subscribe returns.
func (s *StaffController) Attach(_ context.Context) error {
	s.attachMu.Lock()
	defer s.attachMu.Unlock()

	s.mu.Lock()
	if s.attached {
		s.mu.Unlock()
		return nil
	}
	s.attached = true
	s.mu.Unlock()

	subs := []struct {
		event   string
		handler pubsub.Handler
	}{
		{EventPatch, s.handlePatch},
		{EventPresence, s.handlePresence},
		{EventSubmit, s.handleSubmit},
	}
	for i, sub := range subs {
		if err := s.channel.Subscribe(sub.event, sub.handler); err != nil {
			for _, done := range subs[:i] {
				_ = s.channel.Unsubscribe(done.event)
			}
			s.mu.Lock()
			s.attached = false
			s.mu.Unlock()
			return fmt.Errorf("subscribe %s: %w", sub.event, err)
		}
	}
	return nil
}

// Detach unsubscribes from every event kind. It is idempotent and safe to
// call without a successful Attach.
func (s *StaffController) Detach() error {
	s.attachMu.Lock()
	defer s.attachMu.Unlock()

	s.mu.Lock()
	if !s.attached {
		s.mu.Unlock()
		return nil
	}
	s.attached = false
	s.mu.Unlock()

	var firstErr error
	for _, event := range []string{EventPatch, EventPresence, EventSubmit} {
		if err := s.channel.Unsubscribe(event); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("unsubscribe %s: %w", event, err)
		}
	}
	return firstErr
}

func (s *StaffController) handlePatch(msg pubsub.Message) {
	var rec PatientRecord
	if err := json.Unmarshal(msg.Data, &rec); err != nil {
		s.logger.Warn().Err(err).Msg("dropping malformed patch")
		return
	}

	s.mu.Lock()
	defer s.unlock()
	if !s.attached {
		return
	}
	s.record = &rec
	s.changed()
}

func (s *StaffController) handlePresence(msg pubsub.Message) {
	var ev PresenceEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil || !ev.Status.Valid() {
		s.logger.Warn().Err(err).Str("status", string(ev.Status)).Msg("dropping malformed presence")
		return
	}

	s.mu.Lock()
	defer s.unlock()
	if !s.attached {
		return
	}
	s.presence = ev.Status
	s.changed()
}

func (s *StaffController) handleSubmit(msg pubsub.Message) {
	var ev SubmitEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		s.logger.Warn().Err(err).Msg("dropping malformed submit")
		return
	}

	s.mu.Lock()
	defer s.unlock()
	if !s.attached {
		return
	}
	rec := ev.PatientRecord
	s.record = &rec
	s.notification = &SubmitNotification{SubmittedAt: ev.SubmittedAt, ReceivedAt: s.clock.Now().UTC()}

	if s.notifyTimer != nil {
		s.notifyTimer.Stop()
	}
	s.notifyGen++
	gen := s.notifyGen
	s.notifyTimer = s.clock.AfterFunc(s.ttl, func() { s.clearNotification(gen) })

	s.logger.Info().Time("submitted_at", ev.SubmittedAt).Msg("form submission received")
	s.changed()
}

func (s *StaffController) clearNotification(gen uint64) {
	s.mu.Lock()
	defer s.unlock()
	if gen != s.notifyGen || s.notification == nil {
		return
	}
	s.notification = nil
	s.notifyTimer = nil
	s.changed()
}

// Record returns a copy of the cached record, or nil before any patch.
func (s *StaffController) Record() *PatientRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.record == nil {
		return nil
	}
	rec := s.record.Clone()
	return &rec
}

// Notification returns the active submit notification, if any.
func (s *StaffController) Notification() *SubmitNotification {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.notification == nil {
		return nil
	}
	n := *s.notification
	return &n
}

// View returns the current derived view.
func (s *StaffController) View() StaffView {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

func (s *StaffController) viewLocked() StaffView {
	st := StaffState{
		Presence:  s.presence,
		Connected: s.channel.Connected(),
	}
	if s.record != nil {
		rec := s.record.Clone()
		st.Record = &rec
	}
	if s.notification != nil {
		n := *s.notification
		st.Notification = &n
	}
	return RenderStaffView(st)
}

func (s *StaffController) changed() {
	s.dirty = true
}

// unlock releases the state lock, then hands the view after the latest
// transition to OnChange.
func (s *StaffController) unlock() {
	if !s.dirty || s.views == nil {
		s.dirty = false
		s.mu.Unlock()
		return
	}
	s.dirty = false
	s.version++
	version, view := s.version, s.viewLocked()
	s.mu.Unlock()
	s.views.deliver(version, view)
}

// Close detaches, cancels the notification timer and releases the channel
// exactly once.
func (s *StaffController) Close() error {
	var err error
	s.closeOnce.Do(func() {
		detachErr := s.Detach()

		s.mu.Lock()
		if s.notifyTimer != nil {
			s.notifyTimer.Stop()
			s.notifyTimer = nil
		}
		s.notifyGen++
		s.mu.Unlock()

		err = s.channel.Close()
		if err == nil {
			err = detachErr
		}
	})
	return err
}

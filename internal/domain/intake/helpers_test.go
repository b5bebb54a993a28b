package intake

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/ehr/intake/internal/platform/clock"
	"github.com/ehr/intake/internal/platform/pubsub"
)

var testStart = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

// wire records every event seen on the channel, in arrival order.
type wire struct {
	mu   sync.Mutex
	msgs []pubsub.Message
}

func tap(t *testing.T, broker *pubsub.Broker) *wire {
	t.Helper()
	ch, err := broker.Connect(context.Background(), DefaultChannel)
	require.NoError(t, err)
	t.Cleanup(func() { ch.Close() })

	w := &wire{}
	for _, event := range []string{EventPatch, EventPresence, EventSubmit} {
		require.NoError(t, ch.Subscribe(event, func(m pubsub.Message) {
			w.mu.Lock()
			defer w.mu.Unlock()
			w.msgs = append(w.msgs, m)
		}))
	}
	return w
}

func (w *wire) names() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, len(w.msgs))
	for i, m := range w.msgs {
		out[i] = m.Name
	}
	return out
}

func (w *wire) named(name string) []pubsub.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []pubsub.Message
	for _, m := range w.msgs {
		if m.Name == name {
			out = append(out, m)
		}
	}
	return out
}

// presences returns the presence statuses seen, in order.
func (w *wire) presences(t *testing.T) []PresenceStatus {
	t.Helper()
	var out []PresenceStatus
	for _, m := range w.named(EventPresence) {
		var ev PresenceEvent
		require.NoError(t, json.Unmarshal(m.Data, &ev))
		out = append(out, ev.Status)
	}
	return out
}

func (w *wire) reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = nil
}

type session struct {
	broker  *pubsub.Broker
	clock   *clock.Manual
	patient *PatientController
	wire    *wire
}

func newSession(t *testing.T) *session {
	t.Helper()
	broker := pubsub.NewBroker()
	clk := clock.NewManual(testStart)
	w := tap(t, broker)

	ch, err := broker.Connect(context.Background(), DefaultChannel)
	require.NoError(t, err)
	patient := NewPatientController(ch, PatientOptions{
		Clock:   clk,
		Timings: DefaultTimings(),
		Logger:  zerolog.Nop(),
	})
	t.Cleanup(func() { patient.Close() })

	return &session{broker: broker, clock: clk, patient: patient, wire: w}
}

func (s *session) newStaff(t *testing.T) *StaffController {
	t.Helper()
	ch, err := s.broker.Connect(context.Background(), DefaultChannel)
	require.NoError(t, err)
	staff := NewStaffController(ch, StaffOptions{
		Clock:           s.clock,
		NotificationTTL: DefaultNotificationTTL,
		Logger:          zerolog.Nop(),
	})
	require.NoError(t, staff.Attach(context.Background()))
	t.Cleanup(func() { staff.Close() })
	return staff
}

func validRecord() PatientRecord {
	return PatientRecord{
		FirstName:         "A",
		LastName:          "B",
		DateOfBirth:       "1990-05-01",
		Gender:            "female",
		PhoneNumber:       "0812345678",
		Email:             "a.b@example.com",
		Address:           "12 Sukhumvit Road, Bangkok",
		PreferredLanguage: "english",
		Nationality:       "Thai",
	}
}

// fill types every non-empty field of rec into the controller.
func fill(t *testing.T, c *PatientController, rec PatientRecord) {
	t.Helper()
	paths := []string{
		FieldFirstName, FieldMiddleName, FieldLastName, FieldDateOfBirth, FieldGender,
		FieldPhoneNumber, FieldEmail, FieldAddress, FieldPreferredLanguage,
		FieldNationality, FieldReligion, FieldEmergencyName, FieldEmergencyRelation,
	}
	for _, p := range paths {
		if v := rec.Field(p); v != "" {
			require.NoError(t, c.OnFieldChange(context.Background(), p, v))
		}
	}
}

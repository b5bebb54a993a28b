package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/intake/internal/config"
	"github.com/ehr/intake/internal/domain/intake"
	"github.com/ehr/intake/internal/platform/auth"
	"github.com/ehr/intake/internal/platform/pubsub"
	"github.com/ehr/intake/internal/platform/websocket"
)

func testConfig() *config.Config {
	return &config.Config{
		ChannelName: "patient-form",
		Transport:   config.TransportWebSocket,
		TokenSecret: "test-secret",
		TokenTTL:    time.Hour,
		CORSOrigins: []string{"http://localhost:3000"},
	}
}

func TestServer_HealthAndToken(t *testing.T) {
	cfg := testConfig()
	issuer, err := auth.NewTokenIssuer(cfg.TokenSecret, cfg.TokenTTL, cfg.ChannelName)
	require.NoError(t, err)
	e := newServer(cfg, issuer, websocket.NewHub(zerolog.Nop()), zerolog.Nop())

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","channel":"patient-form","clients":0}`, rec.Body.String())

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/channel-token", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var cred auth.ChannelCredential
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cred))
	assert.Equal(t, "patient-form", cred.Channel)
	claims, err := issuer.Verify(cred.Token)
	require.NoError(t, err)
	assert.Equal(t, cred.ClientID, claims.Subject)

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestNewConnector(t *testing.T) {
	cfg := testConfig()
	cfg.ServerURL = "http://localhost:8000"
	c, cleanup, err := newConnector(cfg, zerolog.Nop())
	require.NoError(t, err)
	cleanup()
	assert.IsType(t, &pubsub.WebSocketConnector{}, c)

	cfg.Transport = config.TransportRedis
	cfg.RedisURL = "redis://localhost:6379/0"
	c, cleanup, err = newConnector(cfg, zerolog.Nop())
	require.NoError(t, err)
	cleanup()
	assert.IsType(t, &pubsub.RedisConnector{}, c)

	cfg.Transport = config.TransportMQTT
	cfg.MQTTBroker = "tcp://localhost:1883"
	c, cleanup, err = newConnector(cfg, zerolog.Nop())
	require.NoError(t, err)
	cleanup()
	assert.IsType(t, &pubsub.MQTTConnector{}, c)

	cfg.Transport = "smoke-signals"
	_, _, err = newConnector(cfg, zerolog.Nop())
	assert.Error(t, err)
}

func TestPatientSession(t *testing.T) {
	broker := pubsub.NewBroker()
	ctx := context.Background()

	patientCh, err := broker.Connect(ctx, intake.DefaultChannel)
	require.NoError(t, err)
	controller := intake.NewPatientController(patientCh, intake.PatientOptions{Logger: zerolog.Nop()})
	defer controller.Close()

	staffCh, err := broker.Connect(ctx, intake.DefaultChannel)
	require.NoError(t, err)
	staff := intake.NewStaffController(staffCh, intake.StaffOptions{Logger: zerolog.Nop()})
	require.NoError(t, staff.Attach(ctx))
	defer staff.Close()

	input := strings.Join([]string{
		"firstName = A",
		"bogus line",
		"submit",
		"lastName=B",
		"dateOfBirth=1990-05-01",
		"gender=female",
		"phoneNumber=0812345678",
		"email=a.b@example.com",
		"address=12 Sukhumvit Road, Bangkok",
		"preferredLanguage=english",
		"nationality=Thai",
		"submit",
		"quit",
		"firstName=ignored",
	}, "\n")

	var out bytes.Buffer
	require.NoError(t, runPatientSession(ctx, controller, strings.NewReader(input), &out, zerolog.Nop()))

	assert.Contains(t, out.String(), `expected field=value`)
	assert.Contains(t, out.String(), "lastName: Last name is required")
	assert.Contains(t, out.String(), "form submitted")

	require.NotNil(t, staff.Notification())
	assert.Equal(t, "A", staff.Record().FirstName)
	assert.Equal(t, intake.StatusSubmitted, staff.View().Status)
}

func TestPatientSession_Offline(t *testing.T) {
	broker := pubsub.NewBroker()
	ch, err := broker.Connect(context.Background(), intake.DefaultChannel)
	require.NoError(t, err)
	controller := intake.NewPatientController(ch, intake.PatientOptions{Logger: zerolog.Nop()})
	defer controller.Close()
	broker.SetOnline(false)

	var out bytes.Buffer
	require.NoError(t, runPatientSession(context.Background(), controller, strings.NewReader("firstName=A\nshow\n"), &out, zerolog.Nop()))
	assert.Contains(t, out.String(), "not connected")
	assert.Contains(t, out.String(), "[disconnected] idle")
}

func TestWriteStaffView(t *testing.T) {
	at := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	rec := intake.PatientRecord{FirstName: "A"}
	view := intake.RenderStaffView(intake.StaffState{
		Record:       &rec,
		Presence:     intake.PresenceActive,
		Notification: &intake.SubmitNotification{SubmittedAt: at},
		Connected:    true,
	})

	var out bytes.Buffer
	writeStaffView(&out, view)
	s := out.String()
	assert.True(t, strings.HasPrefix(s, "[connected] patient is filling the form\n"))
	assert.Contains(t, s, "New form submission received")
	assert.Contains(t, s, "First Name:")
	assert.Contains(t, s, intake.Placeholder)
}

package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/intake/internal/platform/audit"
	"github.com/ehr/intake/internal/platform/auth"
	"github.com/ehr/intake/internal/platform/pubsub"
)

func newTestClient(hub *Hub, id string, topics ...string) *Client {
	return &Client{
		ID:     id,
		Topics: topics,
		Send:   make(chan []byte, 256),
		hub:    hub,
	}
}

// ---------------------------------------------------------------------------
// Hub tests
// ---------------------------------------------------------------------------

func TestHub_RegisterClient(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	hub.Register(newTestClient(hub, "client-1", "patient-form"))

	if hub.ClientCount() != 1 {
		t.Fatalf("expected 1 client, got %d", hub.ClientCount())
	}
	if hub.TopicCount("patient-form") != 1 {
		t.Fatalf("expected 1 client on patient-form, got %d", hub.TopicCount("patient-form"))
	}
}

func TestHub_UnregisterClosesChannel(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newTestClient(hub, "client-2", "patient-form")

	hub.Register(client)
	hub.Unregister(client)
	hub.Unregister(client)

	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.ClientCount())
	}
	if hub.TopicCount("patient-form") != 0 {
		t.Fatalf("expected 0 clients on patient-form, got %d", hub.TopicCount("patient-form"))
	}
	if _, ok := <-client.Send; ok {
		t.Fatal("expected Send to be closed")
	}
}

func TestHub_PublishReachesTopicSubscribers(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	fixed := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	hub.now = func() time.Time { return fixed }

	patient := newTestClient(hub, "client-patient", "patient-form")
	staff := newTestClient(hub, "client-staff", "patient-form")
	other := newTestClient(hub, "client-other", "other-form")
	for _, c := range []*Client{patient, staff, other} {
		hub.Register(c)
	}

	hub.ProcessMessage(patient, ClientMessage{
		Action: "publish",
		Topic:  "patient-form",
		Name:   "patient-status",
		Data:   json.RawMessage(`{"status":"active"}`),
	})

	select {
	case frame := <-staff.Send:
		var msg pubsub.Message
		if err := json.Unmarshal(frame, &msg); err != nil {
			t.Fatalf("failed to unmarshal message: %v", err)
		}
		if msg.Name != "patient-status" || msg.Topic != "patient-form" {
			t.Fatalf("unexpected message %+v", msg)
		}
		if msg.ClientID != "client-patient" {
			t.Fatalf("expected publisher id to be stamped, got %q", msg.ClientID)
		}
		if !msg.Timestamp.Equal(fixed) {
			t.Fatalf("expected timestamp %s, got %s", fixed, msg.Timestamp)
		}
		if string(msg.Data) != `{"status":"active"}` {
			t.Fatalf("unexpected data %s", msg.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive message")
	}

	if len(patient.Send) != 1 {
		t.Fatal("publisher subscribed to the topic should receive its own message")
	}
	select {
	case <-other.Send:
		t.Fatal("non-subscriber should not have received message")
	default:
	}
}

func TestHub_PublishPreservesOrder(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	patient := newTestClient(hub, "client-patient")
	staff := newTestClient(hub, "client-staff", "patient-form")
	hub.Register(patient)
	hub.Register(staff)

	for i := 0; i < 20; i++ {
		hub.ProcessMessage(patient, ClientMessage{
			Action: "publish",
			Topic:  "patient-form",
			Name:   "patient-update",
			Data:   json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)),
		})
	}

	for i := 0; i < 20; i++ {
		var msg pubsub.Message
		if err := json.Unmarshal(<-staff.Send, &msg); err != nil {
			t.Fatalf("failed to unmarshal message: %v", err)
		}
		if want := fmt.Sprintf(`{"n":%d}`, i); string(msg.Data) != want {
			t.Fatalf("expected %s, got %s", want, msg.Data)
		}
	}
}

func TestHub_PublishWithoutTopicIgnored(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newTestClient(hub, "client-1", "patient-form")
	hub.Register(client)

	hub.ProcessMessage(client, ClientMessage{Action: "publish", Name: "patient-update"})
	hub.ProcessMessage(client, ClientMessage{Action: "publish", Topic: "patient-form"})
	hub.ProcessMessage(client, ClientMessage{Action: "bogus"})

	if len(client.Send) != 0 {
		t.Fatalf("expected nothing relayed, got %d frames", len(client.Send))
	}
}

func TestHub_FullBufferDropsInsteadOfBlocking(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	slow := &Client{ID: "slow", Topics: []string{"patient-form"}, Send: make(chan []byte, 1), hub: hub}
	hub.Register(slow)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			hub.Broadcast(pubsub.Message{Topic: "patient-form", Name: "patient-update"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked on a slow client")
	}
	if len(slow.Send) != 1 {
		t.Fatalf("expected 1 buffered frame, got %d", len(slow.Send))
	}
}

func TestHub_Observers(t *testing.T) {
	hub := NewHub(zerolog.Nop())

	var mu sync.Mutex
	var seen []string
	hub.Observe(func(msg pubsub.Message) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, msg.Name)
	})

	hub.Broadcast(pubsub.Message{Topic: "patient-form", Name: "patient-submit"})
	hub.Broadcast(pubsub.Message{Topic: "patient-form", Name: "patient-status"})

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(seen, ",") != "patient-submit,patient-status" {
		t.Fatalf("unexpected observed events %v", seen)
	}
}

func TestHub_SlowAuditDoesNotDelayRelay(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	patient := newTestClient(hub, "client-patient")
	staff := newTestClient(hub, "client-staff", "patient-form")
	hub.Register(patient)
	hub.Register(staff)

	slow := audit.RecorderFunc(func(context.Context, audit.Entry) error {
		time.Sleep(500 * time.Millisecond)
		return nil
	})
	writer := audit.NewWriter(slow, 16, zerolog.Nop())
	defer writer.Close()
	hub.Observe(writer.Observe)

	start := time.Now()
	for i := 0; i < 4; i++ {
		hub.ProcessMessage(patient, ClientMessage{
			Action: "publish",
			Topic:  "patient-form",
			Name:   "patient-status",
			Data:   json.RawMessage(`{"status":"active"}`),
		})
	}
	if elapsed := time.Since(start); elapsed > 250*time.Millisecond {
		t.Fatalf("relay took %s behind a slow audit recorder", elapsed)
	}
	if len(staff.Send) != 4 {
		t.Fatalf("expected 4 relayed frames, got %d", len(staff.Send))
	}
}

func TestHub_SubscribeAndUnsubscribe(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	client := newTestClient(hub, "client-1")
	hub.Register(client)

	hub.ProcessMessage(client, ClientMessage{Action: "subscribe", Topics: []string{"patient-form", "patient-form", "other"}})
	if hub.TopicCount("patient-form") != 1 || hub.TopicCount("other") != 1 {
		t.Fatalf("expected one subscription per topic")
	}
	if len(client.Topics) != 2 {
		t.Fatalf("expected 2 topics, got %v", client.Topics)
	}

	hub.ProcessMessage(client, ClientMessage{Action: "unsubscribe", Topics: []string{"other"}})
	if hub.TopicCount("other") != 0 {
		t.Fatal("expected other to be empty")
	}
	if len(client.Topics) != 1 || client.Topics[0] != "patient-form" {
		t.Fatalf("unexpected topics %v", client.Topics)
	}
}

func TestHub_ConcurrentRegisterUnregister(t *testing.T) {
	hub := NewHub(zerolog.Nop())
	const n = 100

	clients := make([]*Client, n)
	for i := range clients {
		clients[i] = newTestClient(hub, fmt.Sprintf("concurrent-%d", i), "patient-form")
	}

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			hub.Register(c)
			hub.Broadcast(pubsub.Message{Topic: "patient-form", Name: "patient-update"})
			hub.Unregister(c)
		}(c)
	}
	wg.Wait()

	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.ClientCount())
	}
}

// ---------------------------------------------------------------------------
// Handler tests
// ---------------------------------------------------------------------------

func newTestServer(t *testing.T) (*httptest.Server, *Hub, *auth.TokenIssuer) {
	t.Helper()
	issuer, err := auth.NewTokenIssuer("test-secret", time.Hour, "patient-form")
	if err != nil {
		t.Fatalf("new issuer: %v", err)
	}
	hub := NewHub(zerolog.Nop())
	e := echo.New()
	NewHandler(hub, issuer, nil, zerolog.Nop()).RegisterRoutes(e)

	server := httptest.NewServer(e)
	t.Cleanup(server.Close)
	return server, hub, issuer
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
}

func TestHandler_RejectsMissingToken(t *testing.T) {
	server, hub, _ := newTestServer(t)

	_, resp, err := gorillawebsocket.DefaultDialer.Dial(wsURL(server), nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
	if hub.ClientCount() != 0 {
		t.Fatal("expected no client registered")
	}
}

func TestHandler_RejectsForeignToken(t *testing.T) {
	server, _, _ := newTestServer(t)
	other, _ := auth.NewTokenIssuer("other-secret", time.Hour, "patient-form")
	cred, err := other.Issue("client-x")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	_, resp, err := gorillawebsocket.DefaultDialer.Dial(wsURL(server)+"?token="+cred.Token, nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %+v", resp)
	}
}

func TestHandler_FullUpgradeWithDialer(t *testing.T) {
	server, hub, issuer := newTestServer(t)
	cred, err := issuer.Issue("client-abc")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+cred.Token)
	conn, resp, err := gorillawebsocket.DefaultDialer.Dial(wsURL(server), header)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	if err := conn.WriteJSON(ClientMessage{Action: "subscribe", Topics: []string{"patient-form"}}); err != nil {
		t.Fatalf("failed to send subscribe: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for hub.TopicCount("patient-form") != 1 {
		if time.Now().After(deadline) {
			t.Fatal("subscribe was not processed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	publish := ClientMessage{
		Action: "publish",
		Topic:  "patient-form",
		Name:   "patient-update",
		Data:   json.RawMessage(`{"firstName":"A"}`),
	}
	if err := conn.WriteJSON(publish); err != nil {
		t.Fatalf("failed to publish: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var received pubsub.Message
	if err := conn.ReadJSON(&received); err != nil {
		t.Fatalf("failed to read message: %v", err)
	}
	if received.Name != "patient-update" {
		t.Fatalf("expected patient-update, got %s", received.Name)
	}
	if received.ClientID != "client-abc" {
		t.Fatalf("expected client id from the credential, got %s", received.ClientID)
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://clinic.example.com"})

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if !check(req) {
		t.Fatal("requests without Origin are allowed")
	}
	req.Header.Set("Origin", "https://clinic.example.com")
	if !check(req) {
		t.Fatal("expected allowed origin to pass")
	}
	req.Header.Set("Origin", "https://evil.example.com")
	if check(req) {
		t.Fatal("expected foreign origin to be rejected")
	}

	if !originChecker(nil)(req) {
		t.Fatal("empty allow list accepts any origin")
	}
}

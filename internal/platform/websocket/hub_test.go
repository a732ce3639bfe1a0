package websocket

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func newTestHub() *Hub {
	return NewHub(zerolog.New(io.Discard))
}

func newClient(id string, topics ...string) *Client {
	return &Client{ID: id, Topics: topics, Send: make(chan []byte, 4)}
}

func TestHub_RegisterUnregister(t *testing.T) {
	hub := newTestHub()
	client := newClient("c1", IncidentTopic("a"))

	hub.Register(client)
	if hub.ClientCount() != 1 {
		t.Fatalf("expected 1 client, got %d", hub.ClientCount())
	}
	if hub.TopicCount(IncidentTopic("a")) != 1 {
		t.Fatalf("expected 1 subscriber, got %d", hub.TopicCount(IncidentTopic("a")))
	}

	hub.Unregister(client)
	if hub.ClientCount() != 0 || hub.TopicCount(IncidentTopic("a")) != 0 {
		t.Fatal("expected hub to be empty after unregister")
	}
	if _, ok := <-client.Send; ok {
		t.Fatal("expected Send channel to be closed")
	}

	// second unregister is a no-op
	hub.Unregister(client)
}

func TestHub_PublishOnlyToTopic(t *testing.T) {
	hub := newTestHub()
	sub := newClient("sub", IncidentTopic("a"))
	other := newClient("other", IncidentTopic("b"))
	hub.Register(sub)
	hub.Register(other)

	n := Notice{Type: "event.appended", Topic: IncidentTopic("a"), IncidentID: "a", Cursor: 3}
	if err := hub.Publish(context.Background(), n); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case data := <-sub.Send:
		var got Notice
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got.Cursor != 3 || got.IncidentID != "a" {
			t.Errorf("unexpected notice %+v", got)
		}
	default:
		t.Fatal("subscriber did not receive notice")
	}

	select {
	case <-other.Send:
		t.Fatal("non-subscriber received notice")
	default:
	}
}

func TestHub_SlowClientDropsNotice(t *testing.T) {
	hub := newTestHub()
	slow := &Client{ID: "slow", Topics: []string{"t"}, Send: make(chan []byte, 1)}
	hub.Register(slow)

	_ = hub.Publish(context.Background(), Notice{Topic: "t"})
	_ = hub.Publish(context.Background(), Notice{Topic: "t"})

	if hub.Dropped() != 1 {
		t.Fatalf("expected 1 dropped notice, got %d", hub.Dropped())
	}
}

func TestHub_SubscribeUnsubscribe(t *testing.T) {
	hub := newTestHub()
	client := newClient("c1")
	hub.Register(client)

	hub.ProcessMessage(client, ClientMessage{Action: "subscribe", Topics: []string{"x", "y", "x"}})
	if len(client.Topics) != 2 {
		t.Fatalf("expected 2 topics without duplicates, got %v", client.Topics)
	}
	if hub.TopicCount("x") != 1 || hub.TopicCount("y") != 1 {
		t.Fatal("expected subscriptions on x and y")
	}

	hub.ProcessMessage(client, ClientMessage{Action: "unsubscribe", Topics: []string{"x"}})
	if hub.TopicCount("x") != 0 {
		t.Fatal("expected x to have no subscribers")
	}
	if len(client.Topics) != 1 || client.Topics[0] != "y" {
		t.Fatalf("expected [y], got %v", client.Topics)
	}

	hub.ProcessMessage(client, ClientMessage{Action: "bogus", Topics: []string{"z"}})
	if hub.TopicCount("z") != 0 {
		t.Fatal("unknown action must not subscribe")
	}
}

func TestHub_ConcurrentRegisterPublish(t *testing.T) {
	hub := newTestHub()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c := newClient("c", "t")
			hub.Register(c)
			hub.Unregister(c)
		}()
		go func() {
			defer wg.Done()
			_ = hub.Publish(context.Background(), Notice{Topic: "t"})
		}()
	}
	wg.Wait()
	if hub.ClientCount() != 0 {
		t.Fatalf("expected 0 clients, got %d", hub.ClientCount())
	}
}

func TestHandler_FullUpgrade(t *testing.T) {
	hub := newTestHub()
	e := echo.New()
	NewHandler(hub, []string{"*"}).RegisterRoutes(e.Group(""))

	server := httptest.NewServer(e)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?incident=abc"
	conn, resp, err := gorillawebsocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	defer conn.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.TopicCount(IncidentTopic("abc")) != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client was not subscribed from query parameter")
		}
		time.Sleep(10 * time.Millisecond)
	}

	_ = hub.Publish(context.Background(), Notice{
		Type:       "event.appended",
		Topic:      IncidentTopic("abc"),
		IncidentID: "abc",
		Cursor:     7,
	})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Notice
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("failed to read notice: %v", err)
	}
	if got.Cursor != 7 {
		t.Fatalf("expected cursor 7, got %d", got.Cursor)
	}
}

func TestHandler_RejectsForeignOrigin(t *testing.T) {
	hub := newTestHub()
	e := echo.New()
	NewHandler(hub, []string{"https://ops.example"}).RegisterRoutes(e.Group(""))

	server := httptest.NewServer(e)
	defer server.Close()

	header := http.Header{}
	header.Set("Origin", "https://evil.example")
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	if _, _, err := gorillawebsocket.DefaultDialer.Dial(wsURL, header); err == nil {
		t.Fatal("expected dial to fail for disallowed origin")
	}
}

package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/breeze-rmm/opsagent/internal/health"
)

type fakeIngester struct {
	mu    sync.Mutex
	seen  map[string]bool
	items []json.RawMessage
	wakes int
}

func (f *fakeIngester) Ingest(raw []json.RawMessage) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seen == nil {
		f.seen = map[string]bool{}
	}
	n := 0
	for _, r := range raw {
		if f.seen[string(r)] {
			continue
		}
		f.seen[string(r)] = true
		f.items = append(f.items, r)
		n++
	}
	return n
}

func (f *fakeIngester) Wake() {
	f.mu.Lock()
	f.wakes++
	f.mu.Unlock()
}

func TestBuildWSURL(t *testing.T) {
	c := New(&Config{ServerURL: "https://rmm.example.com/base/", AgentID: "a b"}, &fakeIngester{}, nil)
	got, err := c.buildWSURL()
	if err != nil {
		t.Fatalf("buildWSURL: %v", err)
	}
	if want := "wss://rmm.example.com/base/api/v1/agents/a%20b/ws"; got != want {
		t.Fatalf("url = %q, want %q", got, want)
	}

	c = New(&Config{ServerURL: "http://10.0.0.5:3001", AgentID: "site/7"}, &fakeIngester{}, nil)
	got, err = c.buildWSURL()
	if err != nil {
		t.Fatalf("buildWSURL: %v", err)
	}
	if want := "ws://10.0.0.5:3001/api/v1/agents/site%2F7/ws"; got != want {
		t.Fatalf("url = %q, want %q", got, want)
	}

	c = New(&Config{ServerURL: "ftp://x"}, &fakeIngester{}, nil)
	if _, err := c.buildWSURL(); err == nil {
		t.Fatal("expected unsupported scheme error")
	}
}

func TestHandleMessageShapes(t *testing.T) {
	ing := &fakeIngester{}
	c := New(&Config{}, ing, nil)

	c.handleMessage([]byte(`{"type":"heartbeat_ack"}`))
	c.handleMessage([]byte(`{"id":"1","type":"execute","payload":"uptime"}`))
	c.handleMessage([]byte(`{"type":"command","command":{"id":"2","type":"health_check"}}`))
	c.handleMessage([]byte(`{"type":"commands","commands":[{"id":"3","type":"execute"},{"type":"execute"}]}`))

	if len(ing.items) != 3 {
		t.Fatalf("ingested %d commands, want 3", len(ing.items))
	}
	if ing.wakes != 3 {
		t.Fatalf("wakes = %d, want 3", ing.wakes)
	}

	var acks []Ack
	for len(c.sendChan) > 0 {
		var a Ack
		if err := json.Unmarshal(<-c.sendChan, &a); err != nil {
			t.Fatal(err)
		}
		acks = append(acks, a)
	}
	if len(acks) != 4 {
		t.Fatalf("acks = %d, want 4", len(acks))
	}
	if acks[3].Status != AckRejected || acks[3].Error == "" {
		t.Fatalf("invalid command ack = %+v", acks[3])
	}
}

func TestPushedCommandIsAcked(t *testing.T) {
	upgrader := websocket.Upgrader{}
	acks := make(chan Ack, 4)
	gotAuth := make(chan string, 1)
	release := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/agents/agent-1/ws" {
			http.NotFound(w, r)
			return
		}
		gotAuth <- r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		push := []byte(`{"id":"c1","type":"execute","payload":"uptime"}`)
		_ = conn.WriteMessage(websocket.TextMessage, push)
		_ = conn.WriteMessage(websocket.TextMessage, push)
		for i := 0; i < 2; i++ {
			var a Ack
			if err := conn.ReadJSON(&a); err != nil {
				return
			}
			acks <- a
		}
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ing := &fakeIngester{}
	hm := health.NewMonitor()
	c := New(&Config{ServerURL: srv.URL, AgentID: "agent-1", AuthToken: "tok"}, ing, hm)
	go c.Start()
	defer c.Stop()

	want := []string{AckQueued, AckIgnored}
	for i, status := range want {
		select {
		case a := <-acks:
			if a.CommandID != "c1" || a.Status != status {
				t.Fatalf("ack %d = %+v, want status %s", i, a, status)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for ack")
		}
	}
	if auth := <-gotAuth; auth != "Bearer tok" {
		t.Fatalf("Authorization = %q", auth)
	}
	if check, ok := hm.Get(health.ComponentWebSocket); !ok || check.Status != health.Healthy {
		t.Fatalf("websocket health = %+v", check)
	}
}

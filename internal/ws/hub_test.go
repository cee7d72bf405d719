package ws

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chatrelay/internal/callsignal"
	"github.com/chatrelay/internal/presence"
	"github.com/chatrelay/internal/registry"
)

type nopUserStore struct{}

func (nopUserStore) SetPresence(ctx context.Context, userID string, online bool, lastSeen time.Time) error {
	return nil
}

type hubHarness struct {
	hub    *Hub
	reg    *registry.Registry
	srv    *httptest.Server
	cancel context.CancelFunc
	done   chan struct{}
}

func newHubHarness(t *testing.T, maxConns int) *hubHarness {
	t.Helper()
	reg := registry.New()
	rooms := registry.NewRooms()
	pres := presence.NewPublisher(reg, nopUserStore{}, nil)
	relay := callsignal.NewRelay(reg)
	hub := NewHub(reg, rooms, pres, nil, nil, relay, nil, maxConns)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()

	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		cctx, ccancel := context.WithCancel(context.Background())
		client := NewClient(hub, conn, r.URL.Query().Get("uid"))
		client.Start(cctx, ccancel)
		hub.Register(client)
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(cancel)
	return &hubHarness{hub: hub, reg: reg, srv: srv, cancel: cancel, done: done}
}

// dial connects as userID and drains server pushes in the background so the
// server's write side never backs up.
func (h *hubHarness) dial(t *testing.T, userID string) *websocket.Conn {
	conn := h.dialRaw(t, userID)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	return conn
}

func (h *hubHarness) dialRaw(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/?uid=" + userID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", userID, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntilClosed consumes frames until the server closes the connection.
func readUntilClosed(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(3 * time.Second)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func waitOnline(t *testing.T, reg *registry.Registry, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(reg.Online()) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("online = %v, want %d users", reg.Online(), want)
}

func TestConnectionCapHoldsAfterRejections(t *testing.T) {
	h := newHubHarness(t, 1)

	h.dial(t, "a")
	waitOnline(t, h.reg, 1)

	// Both over-cap connections must be rejected; the first rejection's
	// teardown must not free a slot it never occupied.
	readUntilClosed(t, h.dialRaw(t, "b"))
	readUntilClosed(t, h.dialRaw(t, "c"))

	if got := h.reg.Online(); len(got) != 1 || got[0] != "a" {
		t.Fatalf("online = %v, want only the admitted user", got)
	}
	h.hub.mu.Lock()
	total := h.hub.total
	h.hub.mu.Unlock()
	if total != 1 {
		t.Fatalf("connection count = %d, want 1", total)
	}
}

func TestShutdownDrainsManyClients(t *testing.T) {
	h := newHubHarness(t, 0)

	// Well past the unregister channel buffer, so shutdown must keep
	// draining while it waits for the pumps.
	const n = 80
	for i := 0; i < n; i++ {
		h.dial(t, fmt.Sprintf("u%02d", i))
	}
	waitOnline(t, h.reg, n)

	h.cancel()
	select {
	case <-h.done:
	case <-time.After(10 * time.Second):
		t.Fatal("hub did not stop after cancel")
	}
	if got := len(h.reg.Online()); got != 0 {
		t.Fatalf("online after shutdown = %d, want 0", got)
	}
}

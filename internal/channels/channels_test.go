package channels

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/agentgate/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memSink struct {
	mu       sync.Mutex
	inbound  []Inbound
	statuses map[string][]store.ChannelStatus
	fail     error
}

func newMemSink() *memSink {
	return &memSink{statuses: make(map[string][]store.ChannelStatus)}
}

func (s *memSink) IngestInbound(_ context.Context, msg Inbound) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.inbound = append(s.inbound, msg)
	return nil
}

func (s *memSink) SetChannelStatus(_ context.Context, channelID string, status store.ChannelStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[channelID] = append(s.statuses[channelID], status)
}

func (s *memSink) lastStatus(channelID string) store.ChannelStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	hist := s.statuses[channelID]
	if len(hist) == 0 {
		return ""
	}
	return hist[len(hist)-1]
}

type stubAdapter struct {
	id       string
	startErr error
	stopped  bool
	sent     []Outbound
}

func (a *stubAdapter) ID() string                  { return a.id }
func (a *stubAdapter) Kind() store.ChannelKind     { return store.ChannelWebchat }
func (a *stubAdapter) Start(context.Context) error { return a.startErr }
func (a *stubAdapter) Stop(context.Context) error  { a.stopped = true; return nil }
func (a *stubAdapter) Send(_ context.Context, msg Outbound) error {
	a.sent = append(a.sent, msg)
	return nil
}

func TestManagerStartAllRecordsStatus(t *testing.T) {
	sink := newMemSink()
	m := NewManager(testLogger(), sink)
	ok := &stubAdapter{id: "ch-ok"}
	bad := &stubAdapter{id: "ch-bad", startErr: errors.New("no transport")}
	m.Register(ok)
	m.Register(bad)

	m.StartAll(context.Background())
	if got := sink.lastStatus("ch-ok"); got != store.ChannelOnline {
		t.Errorf("ch-ok status = %s, want online", got)
	}
	if got := sink.lastStatus("ch-bad"); got != store.ChannelOffline {
		t.Errorf("ch-bad status = %s, want offline", got)
	}
}

func TestManagerStopAllMarksOffline(t *testing.T) {
	sink := newMemSink()
	m := NewManager(testLogger(), sink)
	a := &stubAdapter{id: "ch-1"}
	m.Register(a)
	m.StartAll(context.Background())
	m.StopAll(context.Background())

	if !a.stopped {
		t.Error("adapter not stopped")
	}
	if got := sink.lastStatus("ch-1"); got != store.ChannelOffline {
		t.Errorf("status = %s, want offline", got)
	}
}

func TestManagerSendRoutesByChannel(t *testing.T) {
	m := NewManager(testLogger(), newMemSink())
	a := &stubAdapter{id: "ch-1"}
	m.Register(a)

	if err := m.Send(context.Background(), Outbound{ChannelID: "ch-1", ChatID: "c", Text: "hi"}); err != nil {
		t.Fatal(err)
	}
	if len(a.sent) != 1 || a.sent[0].Text != "hi" {
		t.Errorf("sent = %v", a.sent)
	}
	if err := m.Send(context.Background(), Outbound{ChannelID: "ghost"}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestWebchatInject(t *testing.T) {
	sink := newMemSink()
	w := NewWebchat("webchat-1", testLogger(), sink)

	if err := w.Inject(context.Background(), "chat_9", "alice", "hello"); err != nil {
		t.Fatal(err)
	}
	if len(sink.inbound) != 1 {
		t.Fatalf("inbound = %d, want 1", len(sink.inbound))
	}
	in := sink.inbound[0]
	if in.ChannelID != "webchat-1" || in.ChatID != "chat_9" || in.SenderID != "alice" || in.ChatKind != "dm" {
		t.Errorf("inbound = %+v", in)
	}
	if !strings.HasPrefix(in.MessageID, "msg_") {
		t.Errorf("message id = %q", in.MessageID)
	}
}

func TestWhatsAppBridgeRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan bridgeFrame, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(rw, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		// Bridge pushes one inbound message, then waits for outbound.
		conn.WriteJSON(bridgeFrame{ChatID: "555", SenderID: "555", Text: "hola"})
		var out bridgeFrame
		if err := conn.ReadJSON(&out); err == nil {
			received <- out
		}
	}))
	defer srv.Close()

	sink := newMemSink()
	w := NewWhatsApp("whatsapp-1", "ws"+strings.TrimPrefix(srv.URL, "http"), testLogger(), sink)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer w.Stop(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for {
		sink.mu.Lock()
		n := len(sink.inbound)
		sink.mu.Unlock()
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no inbound message from bridge")
		}
		time.Sleep(5 * time.Millisecond)
	}
	sink.mu.Lock()
	in := sink.inbound[0]
	sink.mu.Unlock()
	if in.Text != "hola" || in.SenderID != "555" || in.ChatKind != "dm" {
		t.Errorf("inbound = %+v", in)
	}

	if err := w.Send(context.Background(), Outbound{ChannelID: "whatsapp-1", ChatID: "555", Text: "adios"}); err != nil {
		t.Fatal(err)
	}
	select {
	case out := <-received:
		if out.ChatID != "555" || out.Text != "adios" {
			t.Errorf("outbound = %+v", out)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("bridge never received outbound frame")
	}
}

func TestWhatsAppRequiresBridgeURL(t *testing.T) {
	w := NewWhatsApp("whatsapp-1", "", testLogger(), newMemSink())
	if err := w.Start(context.Background()); err == nil {
		t.Error("expected error without bridge url")
	}
}

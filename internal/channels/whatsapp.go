package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/agentgate/internal/store"
)

// Reconnect backoff bounds for the bridge link.
const (
	waBackoffMin = time.Second
	waBackoffMax = 30 * time.Second
)

// WhatsApp talks to an external bridge process over a websocket. The
// bridge owns the phone session; the gateway only exchanges JSON frames
// with it.
type WhatsApp struct {
	id        string
	bridgeURL string
	log       *slog.Logger
	sink      Sink

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}
}

// bridgeFrame is the wire format both directions share.
type bridgeFrame struct {
	ChatID   string `json:"chat_id"`
	ChatKind string `json:"chat_kind,omitempty"`
	SenderID string `json:"sender_id,omitempty"`
	Text     string `json:"text"`
}

// NewWhatsApp creates the bridge adapter.
func NewWhatsApp(id, bridgeURL string, log *slog.Logger, sink Sink) *WhatsApp {
	return &WhatsApp{id: id, bridgeURL: bridgeURL, log: log, sink: sink}
}

func (w *WhatsApp) ID() string              { return w.id }
func (w *WhatsApp) Kind() store.ChannelKind { return store.ChannelWhatsApp }

func (w *WhatsApp) Start(ctx context.Context) error {
	if w.bridgeURL == "" {
		return fmt.Errorf("whatsapp bridge url not configured")
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.maintain(runCtx)
	return nil
}

// maintain keeps the bridge link up, reconnecting with capped backoff.
// Status degrades while the link is down and recovers on reconnect.
func (w *WhatsApp) maintain(ctx context.Context) {
	defer close(w.done)
	backoff := waBackoffMin
	for {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.bridgeURL, nil)
		if err != nil {
			w.log.Warn("whatsapp.bridge_dial_failed", "error", err, "retry_in", backoff)
			w.sink.SetChannelStatus(ctx, w.id, store.ChannelDegraded)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, waBackoffMax)
			continue
		}
		backoff = waBackoffMin

		w.mu.Lock()
		w.conn = conn
		w.mu.Unlock()
		w.sink.SetChannelStatus(ctx, w.id, store.ChannelOnline)

		w.readLoop(ctx, conn)

		w.mu.Lock()
		w.conn = nil
		w.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		w.sink.SetChannelStatus(ctx, w.id, store.ChannelDegraded)
	}
}

func (w *WhatsApp) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()
	for {
		var frame bridgeFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() == nil {
				w.log.Warn("whatsapp.bridge_read_failed", "error", err)
			}
			return
		}
		kind := frame.ChatKind
		if kind == "" {
			kind = "dm"
		}
		in := Inbound{
			ChannelID: w.id,
			ChatID:    frame.ChatID,
			ChatKind:  kind,
			SenderID:  frame.SenderID,
			MessageID: fmt.Sprintf("wa_%d", time.Now().UnixNano()),
			Text:      frame.Text,
			TS:        time.Now().UTC(),
		}
		if err := w.sink.IngestInbound(ctx, in); err != nil {
			w.log.Warn("whatsapp.ingest_failed", "chat_id", in.ChatID, "error", err)
		}
	}
}

func (w *WhatsApp) Stop(ctx context.Context) error {
	if w.cancel != nil {
		w.cancel()
	}
	w.mu.Lock()
	if w.conn != nil {
		w.conn.Close()
	}
	w.mu.Unlock()
	if w.done != nil {
		select {
		case <-w.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (w *WhatsApp) Send(_ context.Context, msg Outbound) error {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("whatsapp bridge not connected")
	}
	data, err := json.Marshal(bridgeFrame{ChatID: msg.ChatID, Text: msg.Text})
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

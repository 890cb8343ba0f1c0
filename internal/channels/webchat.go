package channels

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentgate/internal/store"
)

// Webchat is the in-process channel behind the control plane's web UI.
// Inbound messages arrive through Inject (called by the gateway when a
// client submits a chat message); outbound text is broadcast to clients
// as bus events, so Send only logs.
type Webchat struct {
	id   string
	log  *slog.Logger
	sink Sink
}

// NewWebchat creates the webchat adapter.
func NewWebchat(id string, log *slog.Logger, sink Sink) *Webchat {
	return &Webchat{id: id, log: log, sink: sink}
}

func (w *Webchat) ID() string              { return w.id }
func (w *Webchat) Kind() store.ChannelKind { return store.ChannelWebchat }

func (w *Webchat) Start(context.Context) error { return nil }
func (w *Webchat) Stop(context.Context) error  { return nil }

// Inject feeds a client-submitted message into the inbound pipeline.
func (w *Webchat) Inject(ctx context.Context, chatID, senderID, text string) error {
	return w.sink.IngestInbound(ctx, Inbound{
		ChannelID: w.id,
		ChatID:    chatID,
		ChatKind:  "dm",
		SenderID:  senderID,
		MessageID: "msg_" + uuid.NewString()[:12],
		Text:      text,
		TS:        time.Now().UTC(),
	})
}

func (w *Webchat) Send(_ context.Context, msg Outbound) error {
	// Clients already receive the output through their event subscription.
	w.log.Debug("webchat.outbound", "chat_id", msg.ChatID, "len", len(msg.Text))
	return nil
}

package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/agentgate/internal/store"
)

// Telegram bridges a bot account into the gateway via long polling.
type Telegram struct {
	id   string
	log  *slog.Logger
	sink Sink

	bot    *telego.Bot
	token  string
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTelegram creates the adapter. The bot connects on Start.
func NewTelegram(id, token string, log *slog.Logger, sink Sink) *Telegram {
	return &Telegram{id: id, token: token, log: log, sink: sink}
}

func (t *Telegram) ID() string              { return t.id }
func (t *Telegram) Kind() store.ChannelKind { return store.ChannelTelegram }

func (t *Telegram) Start(ctx context.Context) error {
	bot, err := telego.NewBot(t.token, telego.WithDefaultLogger(false, false))
	if err != nil {
		return fmt.Errorf("telegram bot: %w", err)
	}
	t.bot = bot

	pollCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	updates, err := bot.UpdatesViaLongPolling(pollCtx, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("telegram long polling: %w", err)
	}

	t.done = make(chan struct{})
	go t.receive(pollCtx, updates)
	return nil
}

func (t *Telegram) receive(ctx context.Context, updates <-chan telego.Update) {
	defer close(t.done)
	for update := range updates {
		msg := update.Message
		if msg == nil || msg.Text == "" {
			continue
		}
		kind := "group"
		if msg.Chat.Type == telego.ChatTypePrivate {
			kind = "dm"
		}
		senderID := ""
		if msg.From != nil {
			senderID = strconv.FormatInt(msg.From.ID, 10)
		}
		in := Inbound{
			ChannelID: t.id,
			ChatID:    strconv.FormatInt(msg.Chat.ID, 10),
			ChatKind:  kind,
			SenderID:  senderID,
			MessageID: strconv.Itoa(msg.MessageID),
			Text:      msg.Text,
			TS:        time.Unix(msg.Date, 0).UTC(),
		}
		if err := t.sink.IngestInbound(ctx, in); err != nil {
			t.log.Warn("telegram.ingest_failed", "chat_id", in.ChatID, "error", err)
		}
	}
}

func (t *Telegram) Stop(ctx context.Context) error {
	if t.cancel != nil {
		t.cancel()
	}
	if t.done != nil {
		select {
		case <-t.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (t *Telegram) Send(ctx context.Context, msg Outbound) error {
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram chat id %q: %w", msg.ChatID, err)
	}
	_, err = t.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), msg.Text))
	return err
}

// Package bootstrap seeds the repository with the rows the gateway
// expects on first start.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/agentgate/internal/config"
	"github.com/nextlevelbuilder/agentgate/internal/store"
)

// ChannelWriter is the slice of store.Repository that Seed needs.
type ChannelWriter interface {
	UpsertChannel(ctx context.Context, ch store.Channel) error
}

// Seed registers the configured channels in the repository. Upserts are
// idempotent, so running at every startup keeps rows in sync with the
// config file without clobbering runtime status.
func Seed(ctx context.Context, repo ChannelWriter, cfg *config.Config, log *slog.Logger) error {
	type entry struct {
		id      string
		kind    store.ChannelKind
		enabled bool
	}
	entries := []entry{
		{cfg.Channels.Webchat.ChannelID, store.ChannelWebchat, cfg.Channels.Webchat.Enabled},
		{cfg.Channels.Telegram.ChannelID, store.ChannelTelegram, cfg.Channels.Telegram.Enabled},
		{cfg.Channels.WhatsApp.ChannelID, store.ChannelWhatsApp, cfg.Channels.WhatsApp.Enabled},
	}

	seeded := 0
	for _, e := range entries {
		if !e.enabled || e.id == "" {
			continue
		}
		ch := store.Channel{ID: e.id, Kind: e.kind, Status: store.ChannelOffline}
		if err := repo.UpsertChannel(ctx, ch); err != nil {
			return fmt.Errorf("seed channel %s: %w", e.id, err)
		}
		seeded++
	}
	log.Info("bootstrap.channels_seeded", "count", seeded)
	return nil
}

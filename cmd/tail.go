package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentgate/internal/config"
	"github.com/nextlevelbuilder/agentgate/pkg/protocol"
)

func tailCmd() *cobra.Command {
	var (
		afterSeq uint64
		runID    string
	)
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Stream gateway events to the terminal",
		Long:  "Connects to the running gateway, replays events after --after-seq, then follows the live stream. Use --run to filter to a single run.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTail(afterSeq, runID)
		},
	}
	cmd.Flags().Uint64Var(&afterSeq, "after-seq", 0, "replay persisted events after this sequence number")
	cmd.Flags().StringVar(&runID, "run", "", "only show events for this run id")
	return cmd
}

func runTail(afterSeq uint64, runID string) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, info, err := dialGateway(ctx, cfg, afterSeq)
	if err != nil {
		return err
	}
	defer client.close()
	fmt.Fprintf(os.Stderr, "connected to %s, replayed %d events, following from seq %d\n",
		info.InstanceID, info.Replayed, info.LastSeq)

	for {
		evt, err := client.readEvent(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("stream closed: %w", err)
		}
		printEvent(evt, runID)
	}
}

// printEvent renders one aligned line per event. Fixed-width columns
// keep the stream scannable even with CJK payload text.
func printEvent(evt *protocol.EventFrame, runFilter string) {
	var meta struct {
		RunID string `json:"run_id"`
		Phase string `json:"phase"`
		Text  string `json:"text"`
	}
	if raw, err := json.Marshal(evt.Payload); err == nil {
		json.Unmarshal(raw, &meta)
	}
	if runFilter != "" && meta.RunID != runFilter {
		return
	}

	detail := meta.Phase
	if meta.Text != "" {
		detail = meta.Text
	}
	detail = runewidth.Truncate(detail, 60, "…")

	fmt.Printf("%s  %s  %s  %s\n",
		evt.TS.Format("15:04:05"),
		runewidth.FillRight(fmt.Sprintf("%d", evt.Seq), 8),
		runewidth.FillRight(evt.EventType(), 24),
		detail,
	)
}

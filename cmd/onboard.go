package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentgate/internal/config"
)

func onboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Interactive setup wizard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnboard()
		},
	}
}

func runOnboard() error {
	cfgPath := resolveConfigPath()
	if _, err := os.Stat(cfgPath); err == nil {
		overwrite := false
		confirm := huh.NewConfirm().
			Title(fmt.Sprintf("%s already exists. Overwrite?", cfgPath)).
			Value(&overwrite)
		if err := confirm.Run(); err != nil {
			return err
		}
		if !overwrite {
			fmt.Println("Keeping existing configuration.")
			return nil
		}
	}

	cfg := config.Default()
	var (
		port            = strconv.Itoa(cfg.Gateway.Port)
		provider        = cfg.LLM.Provider
		model           = cfg.LLM.Model
		sender          string
		enableTelegram  bool
		requireApproval = true
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Gateway port").
				Value(&port).
				Validate(func(s string) error {
					n, err := strconv.Atoi(s)
					if err != nil || n < 1 || n > 65535 {
						return fmt.Errorf("enter a port between 1 and 65535")
					}
					return nil
				}),
			huh.NewSelect[string]().
				Title("LLM provider").
				Options(
					huh.NewOption("Mock (offline, for testing)", "mock"),
					huh.NewOption("OpenAI", "openai"),
					huh.NewOption("Anthropic", "anthropic"),
				).
				Value(&provider),
			huh.NewInput().
				Title("Model").
				Description("Leave empty for the provider default").
				Value(&model),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Allowlisted sender").
				Description("Sender id permitted on the webchat channel (e.g. your username)").
				Value(&sender),
			huh.NewConfirm().
				Title("Require human approval for write tools?").
				Value(&requireApproval),
			huh.NewConfirm().
				Title("Enable the Telegram channel?").
				Description("Token is read from AGW_TELEGRAM_TOKEN at runtime").
				Value(&enableTelegram),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	cfg.Gateway.Port, _ = strconv.Atoi(port)
	cfg.LLM.Provider = provider
	cfg.LLM.Model = model
	cfg.Policy.RequireApprovalForWrite = requireApproval
	cfg.Channels.Webchat.Enabled = true
	cfg.Channels.Webchat.ChannelID = "webchat-1"
	cfg.Channels.Telegram.Enabled = enableTelegram
	if sender != "" {
		cfg.Policy.ChannelAllowlist = map[string][]string{
			cfg.Channels.Webchat.ChannelID: {sender},
		}
	}

	// Secrets carry json:"-" tags, so the written file never holds keys.
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(cfgPath, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Printf("Wrote %s\n\n", cfgPath)
	fmt.Println("Before starting, export your secrets:")
	fmt.Println("  export AGW_API_KEYS=<control plane key>")
	if provider != "mock" {
		fmt.Println("  export AGW_LLM_API_KEY=<provider key>")
	}
	if enableTelegram {
		fmt.Println("  export AGW_TELEGRAM_TOKEN=<bot token>")
	}
	fmt.Println("\nThen run:  agentgate")
	return nil
}

package commands

import (
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jholhewres/openclaw/pkg/openclaw/config"
)

// newSetupCmd creates the `openclaw setup` interactive configurator.
func newSetupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactively create a configuration file",
		RunE:  runSetup,
	}
}

func runSetup(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = defaultConfigPath
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%s already exists; edit it directly or remove it first", path)
	}

	cfg := config.DefaultConfig()
	var (
		baseURL       = cfg.LLM.BaseURL
		model         = cfg.LLM.Model
		telegramToken string
		discordToken  string
		whatsappOn    bool
		gatewayOn     bool
		gatewayToken  string
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Model API base URL").
				Description("Any OpenAI-compatible chat-completions endpoint.").
				Value(&baseURL),
			huh.NewInput().
				Title("Default model").
				Value(&model),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Telegram bot token").
				Description("Leave blank to skip Telegram.").
				EchoMode(huh.EchoModePassword).
				Value(&telegramToken),
			huh.NewInput().
				Title("Discord bot token").
				Description("Leave blank to skip Discord.").
				EchoMode(huh.EchoModePassword).
				Value(&discordToken),
			huh.NewConfirm().
				Title("Enable WhatsApp?").
				Description("Pairs via QR code on first serve.").
				Value(&whatsappOn),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Enable the WebSocket RPC gateway?").
				Value(&gatewayOn),
			huh.NewInput().
				Title("Gateway auth token").
				Description("Leave blank to serve without auth (local only).").
				EchoMode(huh.EchoModePassword).
				Value(&gatewayToken),
		),
	)
	if err := form.Run(); err != nil {
		return err
	}

	cfg.LLM.BaseURL = baseURL
	cfg.LLM.Model = model
	cfg.Channels.Telegram.Enabled = telegramToken != ""
	cfg.Channels.Telegram.Token = telegramToken
	cfg.Channels.Discord.Enabled = discordToken != ""
	cfg.Channels.Discord.Token = discordToken
	cfg.Channels.WhatsApp.Enabled = whatsappOn
	cfg.Gateway.Enabled = gatewayOn
	cfg.Gateway.AuthToken = gatewayToken

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	// Tokens live in this file; keep it owner-only.
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return err
	}

	fmt.Printf("Wrote %s.\n", path)
	fmt.Println("Add a model credential next:  openclaw profiles add default --provider", cfg.LLM.Provider)
	fmt.Println("Then start the daemon:        openclaw serve")
	return nil
}

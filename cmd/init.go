package cmd

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Interactive setup for reviewbot configuration",
	Long:  `Creates a configuration file with guided prompts.`,
	Args:  cobra.NoArgs,
	RunE:  runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

// initAnswers are the values gathered by the setup prompts.
type initAnswers struct {
	WebhookURL     string
	WebhookSecret  string
	AppID          string
	KeyPath        string
	EmbedProvider  string
	LLMProvider    string
	VectorBackend  string
	SlackWebhook   string
	DiscordWebhook string
}

type prompter struct {
	r   *bufio.Reader
	out io.Writer
}

func (p prompter) ask(question, def string) string {
	if def != "" {
		fmt.Fprintf(p.out, "%s [%s]: ", question, def)
	} else {
		fmt.Fprintf(p.out, "%s (or press Enter to skip): ", question)
	}
	answer, _ := p.r.ReadString('\n')
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return def
	}
	return answer
}

func runInit(cmd *cobra.Command, args []string) error {
	p := prompter{r: bufio.NewReader(cmd.InOrStdin()), out: cmd.OutOrStdout()}
	out := cmd.OutOrStdout()

	fmt.Fprintln(out, "Welcome to reviewbot setup!")
	fmt.Fprintln(out, "This will create a configuration file for you.")
	fmt.Fprintln(out)

	configPath := cfgFile
	if configPath == "" {
		configPath = defaultConfigPath()
	}

	if _, err := os.Stat(configPath); err == nil {
		fmt.Fprintf(out, "Config file already exists at %s\n", configPath)
		answer := strings.ToLower(p.ask("Overwrite? (y/N)", "n"))
		if answer != "y" && answer != "yes" {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	a := initAnswers{
		WebhookURL:     p.ask("Public webhook URL (https://<host>/api/webhooks/github)", ""),
		AppID:          p.ask("GitHub App ID", ""),
		EmbedProvider:  p.ask("Embedding provider (openai/ollama)", "openai"),
		LLMProvider:    p.ask("LLM provider (gemini/anthropic/openai/ollama)", "gemini"),
		VectorBackend:  p.ask("Vector backend (sqlite/pgvector)", "sqlite"),
		SlackWebhook:   p.ask("Slack webhook URL", ""),
		DiscordWebhook: p.ask("Discord webhook URL", ""),
	}
	if a.AppID != "" {
		a.KeyPath = p.ask("GitHub App private key path", "")
	}
	if a.WebhookURL != "" {
		secret, err := newWebhookSecret()
		if err != nil {
			return err
		}
		a.WebhookSecret = secret
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(buildConfigYAML(a)), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Fprintf(out, "\nConfig written to %s\n", configPath)
	fmt.Fprintln(out, "Export the API keys it references, then run 'reviewbot account set' to store your GitHub token.")
	return nil
}

func newWebhookSecret() (string, error) {
	b := make([]byte, 20)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating webhook secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func buildConfigYAML(a initAnswers) string {
	var b strings.Builder

	b.WriteString("# reviewbot configuration\n")
	b.WriteString("# Placeholders naming environment variables are expanded at load time,\n")
	b.WriteString("# after a .env file in the working directory is loaded.\n\n")

	b.WriteString("user: local\n\n")

	b.WriteString("github:\n")
	b.WriteString("  # token: ghp_... (or store one with 'reviewbot account set')\n")
	if a.WebhookURL != "" {
		fmt.Fprintf(&b, "  webhook_url: %s\n", a.WebhookURL)
		fmt.Fprintf(&b, "  webhook_secret: %s\n", a.WebhookSecret)
	} else {
		b.WriteString("  # webhook_url: https://reviewbot.example.com/api/webhooks/github\n")
		b.WriteString("  # webhook_secret: CHANGE_ME\n")
	}
	if a.AppID != "" {
		fmt.Fprintf(&b, "  app_id: %q\n", a.AppID)
		b.WriteString("  installation_id: \"YOUR_INSTALLATION_ID\"\n")
		if a.KeyPath != "" {
			fmt.Fprintf(&b, "  private_key_path: %s\n", a.KeyPath)
		} else {
			b.WriteString("  private_key: ${GITHUB_APP_PRIVATE_KEY}\n")
		}
	}
	b.WriteString("\n")

	b.WriteString("providers:\n")
	b.WriteString("  embedding:\n")
	fmt.Fprintf(&b, "    type: %s\n", a.EmbedProvider)
	embedModel, embedAPIKey := embeddingProviderDefaults(a.EmbedProvider)
	fmt.Fprintf(&b, "    model: %s\n", embedModel)
	fmt.Fprintf(&b, "    api_key: %s\n", embedAPIKey)
	b.WriteString("  llm:\n")
	fmt.Fprintf(&b, "    type: %s\n", a.LLMProvider)
	llmModel, llmAPIKey := llmProviderDefaults(a.LLMProvider)
	fmt.Fprintf(&b, "    model: %s\n", llmModel)
	fmt.Fprintf(&b, "    api_key: %s\n", llmAPIKey)
	b.WriteString("    timeout: 120s\n")
	b.WriteString("\n")

	b.WriteString("vector:\n")
	if a.VectorBackend == "pgvector" {
		b.WriteString("  backend: pgvector\n")
		b.WriteString("  dsn: ${REVIEWBOT_PGVECTOR_DSN}\n")
	} else {
		b.WriteString("  backend: sqlite\n")
	}
	b.WriteString("\n")

	b.WriteString("dispatcher:\n")
	b.WriteString("  review_concurrency: 5\n")
	b.WriteString("  index_concurrency: 2\n")
	b.WriteString("  max_attempts: 3\n")
	b.WriteString("\n")

	b.WriteString("review:\n")
	b.WriteString("  top_k: 5\n")
	b.WriteString("\n")

	b.WriteString("server:\n")
	b.WriteString("  addr: \":8080\"\n")
	b.WriteString("\n")

	b.WriteString("notify:\n")
	if a.SlackWebhook != "" {
		fmt.Fprintf(&b, "  slack_webhook: %s\n", a.SlackWebhook)
	} else {
		b.WriteString("  # slack_webhook: https://hooks.slack.com/services/...\n")
	}
	if a.DiscordWebhook != "" {
		fmt.Fprintf(&b, "  discord_webhook: %s\n", a.DiscordWebhook)
	} else {
		b.WriteString("  # discord_webhook: https://discord.com/api/webhooks/...\n")
	}
	b.WriteString("\n")

	b.WriteString("store:\n")
	b.WriteString("  path: ~/.config/reviewbot/reviewbot.db\n")

	return b.String()
}

// embeddingProviderDefaults returns the default model and api_key placeholder
// for the given embedding provider type.
func embeddingProviderDefaults(provider string) (model, apiKey string) {
	switch provider {
	case "ollama":
		return "nomic-embed-text", "# not required for ollama"
	default: // openai
		return "text-embedding-3-small", "${OPENAI_API_KEY}"
	}
}

// llmProviderDefaults returns the default model and api_key placeholder
// for the given LLM provider type.
func llmProviderDefaults(provider string) (model, apiKey string) {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5", "${ANTHROPIC_API_KEY}"
	case "openai":
		return "gpt-4o-mini", "${OPENAI_API_KEY}"
	case "ollama":
		return "llama3.1", "# not required for ollama"
	default: // gemini
		return "gemini-2.5-flash", "${GEMINI_API_KEY}"
	}
}

package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jacklau/reviewbot/internal/store"
)

var (
	accountToken    string
	accountNoVerify bool
)

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage the GitHub account reviews are posted with",
}

var accountSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Store a GitHub access token for the configured user",
	Long: `Set stores a GitHub access token for the user named in the config file.
The token is read from --token, or from standard input when the flag is
omitted, and is verified against the GitHub API unless --no-verify is set.`,
	Args: cobra.NoArgs,
	RunE: runAccountSet,
}

var accountShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the stored GitHub account",
	Args:  cobra.NoArgs,
	RunE:  runAccountShow,
}

var accountRemoveCmd = &cobra.Command{
	Use:   "remove",
	Short: "Delete the stored GitHub access token",
	Args:  cobra.NoArgs,
	RunE:  runAccountRemove,
}

func init() {
	accountSetCmd.Flags().StringVar(&accountToken, "token", "", "GitHub access token")
	accountSetCmd.Flags().BoolVar(&accountNoVerify, "no-verify", false, "store the token without checking it")
	accountCmd.AddCommand(accountSetCmd, accountShowCmd, accountRemoveCmd)
	rootCmd.AddCommand(accountCmd)
}

// readToken returns the flag value or the first line of r.
func readToken(flag string, r io.Reader) (string, error) {
	if tok := strings.TrimSpace(flag); tok != "" {
		return tok, nil
	}
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("reading token: %w", err)
	}
	tok := strings.TrimSpace(line)
	if tok == "" {
		return "", fmt.Errorf("no token given; pass --token or pipe it on standard input")
	}
	return tok, nil
}

func runAccountSet(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()
	logger := setupLogger()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if accountToken == "" {
		fmt.Fprint(os.Stderr, "GitHub access token: ")
	}
	token, err := readToken(accountToken, cmd.InOrStdin())
	if err != nil {
		return err
	}

	var login string
	if !accountNoVerify {
		gh, err := newGitHubClient(cfg, logger)
		if err != nil {
			return err
		}
		login, err = gh.AuthenticatedLogin(ctx, token)
		if err != nil {
			return fmt.Errorf("verifying token: %w", err)
		}
	}

	db, _, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.UpsertAccount(ctx, &store.Account{UserID: cfg.User, AccessToken: token, Login: login}); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if login != "" {
		fmt.Fprintf(out, "stored GitHub token for %s (GitHub login %s)\n", cfg.User, login)
	} else {
		fmt.Fprintf(out, "stored GitHub token for %s\n", cfg.User)
	}
	return nil
}

func runAccountShow(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	db, _, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	out := cmd.OutOrStdout()
	a, err := db.GetAccount(ctx, cfg.User, store.ProviderGitHub)
	switch {
	case err == nil:
		login := a.Login
		if login == "" {
			login = "(unverified)"
		}
		fmt.Fprintf(out, "user:    %s\nlogin:   %s\ntoken:   %s\nupdated: %s\n",
			a.UserID, login, maskToken(a.AccessToken), a.UpdatedAt.Local().Format("2006-01-02 15:04"))
	case cfg.GitHub.Token != "":
		fmt.Fprintf(out, "user:    %s\ntoken:   %s (from github.token)\n", cfg.User, maskToken(cfg.GitHub.Token))
	default:
		fmt.Fprintf(out, "No GitHub account stored for %s. Run 'reviewbot account set'.\n", cfg.User)
	}
	return nil
}

func runAccountRemove(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	db, _, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.DeleteAccount(ctx, cfg.User, store.ProviderGitHub); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "removed GitHub account of %s\n", cfg.User)
	return nil
}

// maskToken keeps the last four characters of a token.
func maskToken(tok string) string {
	if len(tok) <= 4 {
		return strings.Repeat("*", len(tok))
	}
	return strings.Repeat("*", 8) + tok[len(tok)-4:]
}

package cmd

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	cliconfig "github.com/fluxbase-eu/fluxgate/cli/config"
	"github.com/fluxbase-eu/fluxgate/cli/output"
	"github.com/fluxbase-eu/fluxgate/cli/util"
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Authentication commands",
	Long:  `Manage the servers and tokens fluxgatectl uses.`,
}

var (
	loginServer    string
	loginToken     string
	loginProfile   string
	loginAPIPrefix string
	useKeychain    bool
)

var authLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Save a server and token as a profile",
	Long: `Save a fluxgate server URL and bearer token as a named profile.
Tokens can be minted on the server with 'fluxgate token'.

The token is stored in the system keychain when one is available and in
the config file otherwise.

Without --token the token is read from the terminal.

Examples:
  fluxgatectl auth login --server http://localhost:8080
  fluxgatectl auth login --server http://localhost:8080 --token eyJ...
  fluxgatectl auth login --profile prod --server https://gw.example.com --token eyJ...`,
	RunE: runAuthLogin,
}

var authLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Clear stored credentials",
	Long: `Clear stored credentials for the current or specified profile.

Examples:
  fluxgatectl auth logout
  fluxgatectl auth logout --profile prod`,
	RunE: runAuthLogout,
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configured profiles",
	RunE:  runAuthStatus,
}

var authSwitchCmd = &cobra.Command{
	Use:   "switch [profile]",
	Short: "Switch to a different profile",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuthSwitch,
}

func init() {
	authLoginCmd.Flags().StringVar(&loginServer, "server", "", "fluxgate server URL")
	authLoginCmd.Flags().StringVar(&loginToken, "token", "", "bearer token (prompted for when omitted)")
	authLoginCmd.Flags().StringVar(&loginProfile, "profile", "default", "profile name to save")
	authLoginCmd.Flags().StringVar(&loginAPIPrefix, "api-prefix", "", "API path prefix (default /api/v1)")
	authLoginCmd.Flags().BoolVar(&useKeychain, "use-keychain", true, "store the token in the system keychain when available")
	_ = authLoginCmd.MarkFlagRequired("server")

	authCmd.AddCommand(authLoginCmd)
	authCmd.AddCommand(authLogoutCmd)
	authCmd.AddCommand(authStatusCmd)
	authCmd.AddCommand(authSwitchCmd)
}

func runAuthLogin(cmd *cobra.Command, args []string) error {
	configPath := GetConfigPath()

	cfg, err := cliconfig.LoadOrCreate(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	server := cliconfig.NormalizeServer(loginServer)
	if _, err := url.Parse(server); err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}
	token := strings.TrimSpace(loginToken)
	if token == "" {
		token, err = util.ReadSecret(cmd.ErrOrStderr(), "Token: ")
		if errors.Is(err, util.ErrNotInteractive) {
			return errors.New("--token is required when stdin is not a terminal")
		}
		if err != nil {
			return fmt.Errorf("failed to read token: %w", err)
		}
	}
	if token == "" {
		return errors.New("token cannot be empty")
	}

	cfg.SetProfile(&cliconfig.Profile{
		Name:      loginProfile,
		Server:    server,
		APIPrefix: loginAPIPrefix,
	})

	creds := &cliconfig.Credentials{Token: token, ExpiresAt: tokenExpiry(token)}
	store, err := cliconfig.NewCredentialManager(cfg).SaveCredentials(loginProfile, creds, useKeychain)
	if err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}
	if useKeychain && store == cliconfig.StoreFile {
		_, _ = fmt.Fprintln(cmd.ErrOrStderr(), "Warning: system keychain not available, storing token in config file")
	}

	cfg.CurrentProfile = loginProfile
	if err := cfg.Save(configPath); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Saved profile %s for %s\n", loginProfile, server)
	_, _ = fmt.Fprintf(out, "Token stored in: %s\n", store)
	if creds.ExpiresAt > 0 {
		_, _ = fmt.Fprintf(out, "Token expires: %s\n", time.Unix(creds.ExpiresAt, 0).Local().Format(time.RFC3339))
	}
	return nil
}

// tokenExpiry reads the exp claim without verifying the signature. Only the
// server holds the secret; the CLI just wants to know when to stop sending
// the token. Tokens that are not JWTs report 0, meaning unknown.
func tokenExpiry(token string) int64 {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return 0
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return 0
	}
	return exp.Unix()
}

func runAuthLogout(cmd *cobra.Command, args []string) error {
	configPath := GetConfigPath()

	cfg, err := cliconfig.Load(configPath)
	if err != nil {
		return err
	}

	profile, err := cfg.GetProfile(profileName)
	if err != nil {
		return err
	}

	if err := cliconfig.NewCredentialManager(cfg).DeleteCredentials(profile.Name); err != nil {
		return err
	}
	if err := cfg.Save(configPath); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Logged out of profile %s\n", profile.Name)
	return nil
}

func runAuthStatus(cmd *cobra.Command, args []string) error {
	cfg, err := cliconfig.LoadOrCreate(GetConfigPath())
	if err != nil {
		return err
	}

	format, err := output.ParseFormat(outputFmt)
	if err != nil {
		return err
	}
	f := output.NewFormatter(format, noHeaders, quiet)
	f.Writer = cmd.OutOrStdout()

	type profileStatus struct {
		Name    string `json:"name" yaml:"name"`
		Server  string `json:"server" yaml:"server"`
		Store   string `json:"credential_store" yaml:"credential_store"`
		Current bool   `json:"current" yaml:"current"`
	}

	table := output.TableData{Headers: []string{"CURRENT", "NAME", "SERVER", "CREDENTIALS"}}
	statuses := make([]profileStatus, 0, len(cfg.Profiles))
	for _, name := range cfg.ListProfiles() {
		p := cfg.Profiles[name]
		store := p.CredentialStore
		if store == "" {
			store = "none"
		}
		current := ""
		if name == cfg.CurrentProfile {
			current = "*"
		}
		table.Rows = append(table.Rows, []string{current, name, p.BaseURL(), store})
		statuses = append(statuses, profileStatus{Name: name, Server: p.BaseURL(), Store: store, Current: current == "*"})
	}

	return f.Print(table, statuses)
}

func runAuthSwitch(cmd *cobra.Command, args []string) error {
	configPath := GetConfigPath()

	cfg, err := cliconfig.Load(configPath)
	if err != nil {
		return err
	}
	if _, err := cfg.GetProfile(args[0]); err != nil {
		return err
	}

	cfg.CurrentProfile = args[0]
	if err := cfg.Save(configPath); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Switched to profile %s\n", args[0])
	return nil
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	cliconfig "github.com/fluxbase-eu/fluxgate/cli/config"
	"github.com/fluxbase-eu/fluxgate/cli/util"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage CLI configuration",
	Long:  `View and modify the fluxgatectl configuration file.`,
}

var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "Display the configuration with tokens masked",
	Args:  cobra.NoArgs,
	RunE:  runConfigView,
}

var configDeleteProfileCmd = &cobra.Command{
	Use:   "delete-profile [name]",
	Short: "Remove a profile and its stored token",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigDeleteProfile,
}

func init() {
	configCmd.AddCommand(configViewCmd)
	configCmd.AddCommand(configDeleteProfileCmd)
}

func runConfigView(cmd *cobra.Command, args []string) error {
	cfg, err := cliconfig.LoadOrCreate(GetConfigPath())
	if err != nil {
		return err
	}

	for _, p := range cfg.Profiles {
		if p.HasCredentials() {
			p.Credentials = &cliconfig.Credentials{Token: util.MaskToken(p.Credentials.Token), ExpiresAt: p.Credentials.ExpiresAt}
		}
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "# %s\n", GetConfigPath())
	_, _ = out.Write(data)
	return nil
}

func runConfigDeleteProfile(cmd *cobra.Command, args []string) error {
	configPath := GetConfigPath()

	cfg, err := cliconfig.Load(configPath)
	if err != nil {
		return err
	}

	if err := cliconfig.NewCredentialManager(cfg).DeleteCredentials(args[0]); err != nil {
		return err
	}
	if err := cfg.DeleteProfile(args[0]); err != nil {
		return err
	}
	if err := cfg.Save(configPath); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Deleted profile %s\n", args[0])
	return nil
}

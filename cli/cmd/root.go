// Package cmd provides the Cobra commands for the fluxgatectl CLI.
package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fluxbase-eu/fluxgate/cli/client"
	cliconfig "github.com/fluxbase-eu/fluxgate/cli/config"
	"github.com/fluxbase-eu/fluxgate/cli/output"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"

	// Global flags
	cfgFile     string
	profileName string
	outputFmt   string
	noHeaders   bool
	quiet       bool
	debug       bool

	// Shared across commands
	apiClient *client.Client
	formatter *output.Formatter
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "fluxgatectl",
	Short: "fluxgatectl - inspect and tune fluxgate rate limits",
	Long: `fluxgatectl talks to a fluxgate server's rate limit API.

Get started:
  fluxgatectl auth login --server http://localhost:8080 --token TOKEN
  fluxgatectl ratelimit status
  fluxgatectl ratelimit config get`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Silence errors only when --quiet is used
		cmd.SilenceErrors = quiet
	},
}

// Execute runs the CLI
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default is ~/.fluxgate/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&profileName, "profile", "p", "",
		"profile to use (default is current profile)")
	rootCmd.PersistentFlags().StringVarP(&outputFmt, "output", "o", "table",
		"output format: table, json, yaml")
	rootCmd.PersistentFlags().BoolVar(&noHeaders, "no-headers", false,
		"hide table headers")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false,
		"minimal output")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false,
		"enable debug output")

	// Environment overrides
	viper.SetEnvPrefix("FLUXGATE")
	_ = viper.BindEnv("server")  // FLUXGATE_SERVER
	_ = viper.BindEnv("token")   // FLUXGATE_TOKEN
	_ = viper.BindEnv("profile") // FLUXGATE_PROFILE
	_ = viper.BindEnv("debug")   // FLUXGATE_DEBUG

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(authCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(ratelimitCmd)
}

func initConfig() {
	viper.AutomaticEnv()
}

// initializeClient sets up the API client and formatter for commands that
// talk to the server
func initializeClient(cmd *cobra.Command, args []string) error {
	cfg, err := cliconfig.LoadOrCreate(GetConfigPath())
	if err != nil {
		return err
	}

	// Saved defaults apply only where the flag was not given
	formatName, headers := outputFmt, noHeaders
	if !cmd.Flags().Changed("output") && cfg.Defaults.Output != "" {
		formatName = cfg.Defaults.Output
	}
	if !cmd.Flags().Changed("no-headers") {
		headers = headers || cfg.Defaults.NoHeaders
	}
	format, err := output.ParseFormat(formatName)
	if err != nil {
		return err
	}
	formatter = output.NewFormatter(format, headers, quiet)
	formatter.Writer = cmd.OutOrStdout()
	formatter.ErrWriter = cmd.ErrOrStderr()

	if viper.GetBool("debug") {
		debug = true
	}

	pName := profileName
	if pName == "" {
		pName = viper.GetString("profile")
	}

	envServer := viper.GetString("server")
	envToken := viper.GetString("token")

	profile, err := cfg.GetProfile(pName)
	if err != nil {
		// Environment variables alone are enough to reach a server
		if envServer == "" {
			return err
		}
		profile = &cliconfig.Profile{Name: "env"}
		cfg.SetProfile(profile)
	}
	if envServer != "" {
		profile.Server = cliconfig.NormalizeServer(envServer)
	}

	apiClient, err = client.NewProfileClient(cfg, profile,
		client.WithDebug(debug),
		client.WithToken(envToken),
	)
	return err
}

// GetConfigPath returns the config file path
func GetConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return cliconfig.DefaultConfigPath()
}

package cmd

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/fluxbase-eu/fluxgate/cli/client"
	"github.com/fluxbase-eu/fluxgate/cli/output"
)

var ratelimitCmd = &cobra.Command{
	Use:     "ratelimit",
	Aliases: []string{"rl"},
	Short:   "Inspect and tune rate limits",
}

var ratelimitStatusCmd = &cobra.Command{
	Use:   "status [key]",
	Short: "Show the state of a limit key",
	Long: `Show the current count, remaining budget and reset time of a key
without consuming anything. Without a key the server reports the caller's
own default key.

Examples:
  fluxgatectl ratelimit status
  fluxgatectl ratelimit status login -o json`,
	Args:    cobra.MaximumNArgs(1),
	PreRunE: initializeClient,
	RunE:    runRateLimitStatus,
}

var ratelimitClearCmd = &cobra.Command{
	Use:     "clear <key>",
	Short:   "Reset a limit key for the caller",
	Args:    cobra.ExactArgs(1),
	PreRunE: initializeClient,
	RunE:    runRateLimitClear,
}

var ratelimitConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "View or change the server-wide defaults",
}

var ratelimitConfigGetCmd = &cobra.Command{
	Use:     "get",
	Short:   "Show the current defaults",
	Args:    cobra.NoArgs,
	PreRunE: initializeClient,
	RunE:    runRateLimitConfigGet,
}

var (
	setStrategy    string
	setWindowMs    int64
	setMaxRequests int64
)

var ratelimitConfigSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Change the defaults",
	Long: `Change one or more defaults. Omitted flags keep their current value.
The change is propagated to every server instance.

Examples:
  fluxgatectl ratelimit config set --max-requests 200
  fluxgatectl ratelimit config set --strategy token-bucket --window-ms 1000`,
	Args:    cobra.NoArgs,
	PreRunE: initializeClient,
	RunE:    runRateLimitConfigSet,
}

func init() {
	ratelimitConfigSetCmd.Flags().StringVar(&setStrategy, "strategy", "", "sliding-window, fixed-window or token-bucket")
	ratelimitConfigSetCmd.Flags().Int64Var(&setWindowMs, "window-ms", 0, "window size in milliseconds")
	ratelimitConfigSetCmd.Flags().Int64Var(&setMaxRequests, "max-requests", 0, "requests allowed per window")

	ratelimitConfigCmd.AddCommand(ratelimitConfigGetCmd)
	ratelimitConfigCmd.AddCommand(ratelimitConfigSetCmd)

	ratelimitCmd.AddCommand(ratelimitStatusCmd)
	ratelimitCmd.AddCommand(ratelimitClearCmd)
	ratelimitCmd.AddCommand(ratelimitConfigCmd)
}

func runRateLimitStatus(cmd *cobra.Command, args []string) error {
	key := ""
	if len(args) > 0 {
		key = args[0]
	}

	status, err := apiClient.RateLimitStatus(cmd.Context(), key)
	if err != nil {
		return err
	}

	table := output.TableData{
		Headers: []string{"KEY", "STRATEGY", "ALLOWED", "CURRENT", "LIMIT", "REMAINING", "RESETS"},
		Rows: [][]string{{
			status.Key,
			status.Strategy,
			strconv.FormatBool(status.Allowed),
			strconv.FormatInt(status.Current, 10),
			strconv.FormatInt(status.Limit, 10),
			strconv.FormatInt(status.Remaining, 10),
			status.ResetAt.Local().Format(time.RFC3339),
		}},
	}
	if !status.Allowed {
		formatter.PrintWarning(fmt.Sprintf("%s is over its limit until %s", status.Key, status.ResetAt.Local().Format(time.RFC3339)))
	}
	return formatter.Print(table, status)
}

func runRateLimitClear(cmd *cobra.Command, args []string) error {
	if err := apiClient.ClearRateLimit(cmd.Context(), args[0]); err != nil {
		return err
	}
	formatter.PrintSuccess(fmt.Sprintf("Cleared rate limit %s", args[0]))
	return nil
}

func runRateLimitConfigGet(cmd *cobra.Command, args []string) error {
	d, err := apiClient.RateLimitConfig(cmd.Context())
	if err != nil {
		return err
	}
	return printDefaults(d)
}

func runRateLimitConfigSet(cmd *cobra.Command, args []string) error {
	var update client.LimitDefaultsUpdate
	flags := cmd.Flags()
	if flags.Changed("strategy") {
		update.Strategy = &setStrategy
	}
	if flags.Changed("window-ms") {
		update.WindowMs = &setWindowMs
	}
	if flags.Changed("max-requests") {
		update.MaxRequests = &setMaxRequests
	}
	if update.Strategy == nil && update.WindowMs == nil && update.MaxRequests == nil {
		return errors.New("nothing to change: pass --strategy, --window-ms or --max-requests")
	}

	d, err := apiClient.UpdateRateLimitConfig(cmd.Context(), update)
	if err != nil {
		return err
	}
	return printDefaults(d)
}

func printDefaults(d *client.LimitDefaults) error {
	table := output.TableData{
		Headers: []string{"STRATEGY", "WINDOW", "MAX REQUESTS"},
		Rows: [][]string{{
			d.Strategy,
			(time.Duration(d.WindowMs) * time.Millisecond).String(),
			strconv.FormatInt(d.MaxRequests, 10),
		}},
	}
	return formatter.Print(table, d)
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/memohai/dingtalk-bridge/internal/channel/adapters/dingtalk"
	"github.com/memohai/dingtalk-bridge/internal/logger"
)

var accountsJSON bool

func init() {
	accountsCmd.PersistentFlags().BoolVar(&accountsJSON, "json", false, "print JSON instead of a table")
	accountsCmd.AddCommand(accountsListCmd, accountsCheckCmd)
	rootCmd.AddCommand(accountsCmd)
}

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Inspect configured DingTalk accounts",
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts and whether their credentials are complete",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		items := dingtalk.DescribeAccounts(cfg.DingTalk)
		if accountsJSON {
			return writeJSON(items)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tENABLED\tDEFAULT\tMISSING")
		for _, item := range items {
			fmt.Fprintf(w, "%s\t%s\t%t\t%t\t%s\n", item.AccountID, item.Name, item.Enabled, item.Default, strings.Join(item.Missing, ","))
		}
		return w.Flush()
	},
}

var accountsCheckCmd = &cobra.Command{
	Use:   "check [account-id]",
	Short: "Exchange an account's credentials for an access token",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		accountID := ""
		if len(args) == 1 {
			accountID = args[0]
		}
		adapter := dingtalk.NewDingTalkAdapter(logger.L, cfg.DingTalk, nil, nil, dingtalk.AdapterOptions{})
		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.DingTalk.HTTPTimeoutDuration())
		defer cancel()
		result := adapter.ProbeAccount(ctx, accountID)
		if accountsJSON {
			if err := writeJSON(result); err != nil {
				return err
			}
		} else if result.OK {
			fmt.Printf("%s: ok (%s)\n", result.AccountID, result.Elapsed.Round(time.Millisecond))
		} else {
			fmt.Printf("%s: failed: %s\n", result.AccountID, result.Error)
		}
		if !result.OK {
			return fmt.Errorf("account %s check failed", result.AccountID)
		}
		return nil
	},
}

func writeJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

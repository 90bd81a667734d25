package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/memohai/dingtalk-bridge/internal/channel/adapters/dingtalk"
	"github.com/memohai/dingtalk-bridge/internal/logger"
)

var sendFlags struct {
	account  string
	to       string
	text     string
	markdown bool
	title    string
}

func init() {
	flags := sendCmd.Flags()
	flags.StringVar(&sendFlags.account, "account", "", "sending account id (defaults to the default account)")
	flags.StringVar(&sendFlags.to, "to", "", "recipient staff id")
	flags.StringVar(&sendFlags.text, "text", "", "message text")
	flags.BoolVar(&sendFlags.markdown, "markdown", false, "send as markdown")
	flags.StringVar(&sendFlags.title, "title", "", "markdown title")
	_ = sendCmd.MarkFlagRequired("to")
	_ = sendCmd.MarkFlagRequired("text")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send a direct message from a robot account",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if strings.TrimSpace(sendFlags.text) == "" {
			return fmt.Errorf("--text is empty")
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		adapter := dingtalk.NewDingTalkAdapter(logger.L, cfg.DingTalk, nil, nil, dingtalk.AdapterOptions{})
		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.DingTalk.HTTPTimeoutDuration())
		defer cancel()
		if sendFlags.markdown {
			err = adapter.SendMarkdown(ctx, sendFlags.account, sendFlags.to, sendFlags.title, sendFlags.text)
		} else {
			err = adapter.SendText(ctx, sendFlags.account, sendFlags.to, sendFlags.text)
		}
		if err != nil {
			return fmt.Errorf("send: %w", err)
		}
		fmt.Printf("sent to %s\n", sendFlags.to)
		return nil
	},
}

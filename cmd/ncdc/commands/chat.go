package commands

import (
	"github.com/eachlabs/ncdc/internal/tui"
	"github.com/spf13/cobra"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start the interactive client",
	Long: `Start the interactive terminal client.

Inside the client:
  /join <query>   open a channel (fuzzy match)
  /history [n]    load older messages
  /read           mark the open channel read
  /quit           leave

Examples:
  ncdc chat
  ncdc chat --verbose    # debug logging to ~/.ncdc/logs/ncdc.log`,
	RunE: runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Account.Token == "" {
		return errNoToken
	}

	c, _, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	// The UI steps the loop itself from its tick message.
	return tui.Run(c)
}

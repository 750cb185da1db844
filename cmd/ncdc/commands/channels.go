package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/eachlabs/ncdc/internal/app"
	"github.com/eachlabs/ncdc/internal/channel"
	"github.com/eachlabs/ncdc/internal/session"
	"github.com/spf13/cobra"
)

var historyLimit int

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "List channels",
	Long: `List direct messages and guild text channels.

Examples:
  ncdc channels
  ncdc channels --json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, c *app.Context, s *session.Session) error {
			if err := s.LoadChannels(ctx); err != nil {
				return err
			}
			return printChannels(s)
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <channel-id>",
	Short: "Print recent messages of a channel",
	Long: `Print the most recent messages of a channel, oldest first.

Examples:
  ncdc history 175928847299117063
  ncdc history 175928847299117063 -n 100`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, c *app.Context, s *session.Session) error {
			ch, err := s.FetchChannel(ctx, channel.Snowflake(args[0]))
			if err != nil {
				return err
			}
			if _, err := s.LoadMessages(ctx, ch, historyLimit); err != nil {
				return err
			}
			return printMessages(ch)
		})
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <channel-id> <text>...",
	Short: "Send a message",
	Long: `Send a message to a channel.

Examples:
  ncdc send 175928847299117063 hello there`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withSession(cmd, func(ctx context.Context, c *app.Context, s *session.Session) error {
			ch, err := s.FetchChannel(ctx, channel.Snowflake(args[0]))
			if err != nil {
				return err
			}
			text := strings.Join(args[1:], " ")
			if err := s.SendMessage(ctx, ch, text); err != nil {
				return err
			}
			fmt.Printf("Sent to %s\n", ch.DisplayName())
			return nil
		})
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 50, "number of messages (max 100)")

	rootCmd.AddCommand(channelsCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(sendCmd)
}

func printChannels(s *session.Session) error {
	chans := s.Channels()

	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(chans)
	}

	if len(chans) == 0 {
		fmt.Println("No channels.")
		return nil
	}

	guilds := make(map[channel.Snowflake]string)
	for _, g := range s.Guilds() {
		guilds[g.ID()] = g.Name()
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTYPE\tGUILD\tUNREAD")
	for _, ch := range chans {
		guild := guilds[ch.GuildID()]
		if guild == "" {
			guild = "-"
		}
		unread := ""
		if s.Unread(ch) {
			unread = "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", ch.ID(), ch.DisplayName(), ch.Type(), guild, unread)
	}
	return w.Flush()
}

func printMessages(ch *channel.Channel) error {
	msgs := ch.MessageList()

	if jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(msgs)
	}

	if len(msgs) == 0 {
		fmt.Printf("No messages in %s.\n", ch.DisplayName())
		return nil
	}
	for _, m := range msgs {
		author := "?"
		if a := m.Author(); a != nil {
			author = a.DisplayName()
		}
		ts := m.Timestamp().Local().Format(time.DateTime)
		edited := ""
		if _, ok := m.Edited(); ok {
			edited = " (edited)"
		}
		fmt.Printf("[%s] <%s> %s%s\n", ts, author, m.Content(), edited)
	}
	return nil
}

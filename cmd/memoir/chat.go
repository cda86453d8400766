package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/jadenj13/memoir/internals/chat"
	"github.com/spf13/cobra"
)

var (
	youStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	memoirStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	noteStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Italic(true)
)

var chatSession string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to memoir in the terminal",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		// Keep logs out of the conversation unless asked for.
		logOut := io.Discard
		if cfg.Logging.Level == "debug" {
			logOut = os.Stderr
		}
		a, err := newApp(cfg, newLogger(cfg, logOut), true)
		if err != nil {
			return err
		}
		defer a.close(context.Background())

		return repl(cmd.Context(), a, chatSession, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func init() {
	chatCmd.Flags().StringVarP(&chatSession, "session", "s", "local:"+envOr("USER", "me"), "whose memories to use")
}

func repl(ctx context.Context, a *app, session string, in io.Reader, out io.Writer) error {
	fmt.Fprintln(out, noteStyle.Render("memoir "+version+" · /memories lists what I know, /forget clears it, /quit exits"))
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, youStyle.Render("you› "))
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())

		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/memories":
			entries, err := a.store.ListAll(ctx, session)
			if err != nil {
				fmt.Fprintln(out, noteStyle.Render("could not list memories: "+err.Error()))
				continue
			}
			if len(entries) == 0 {
				fmt.Fprintln(out, noteStyle.Render("nothing remembered yet"))
			}
			for _, e := range entries {
				fmt.Fprintln(out, noteStyle.Render(fmt.Sprintf("  %s  %s (%.2f)", e.ID, e.Text, e.Importance)))
			}
			continue
		case "/forget":
			n, err := a.store.DeleteAll(ctx, session)
			a.sessions.Clear(session)
			if err != nil {
				fmt.Fprintln(out, noteStyle.Render("could not forget: "+err.Error()))
				continue
			}
			fmt.Fprintln(out, noteStyle.Render(fmt.Sprintf("forgot %d memories", n)))
			continue
		}

		fmt.Fprint(out, memoirStyle.Render("memoir› "))
		sink := chat.SinkFunc(func(e chat.Emission) error {
			_, err := fmt.Fprint(out, e.Content)
			return err
		})
		err := a.chat.HandleTurn(ctx, session, line, sink)
		fmt.Fprintln(out)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			fmt.Fprintln(out, noteStyle.Render("turn failed: "+err.Error()))
		}
	}
}

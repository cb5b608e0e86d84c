package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mahmoud661/Collaborative-editor/internal/bridge"
	"github.com/mahmoud661/Collaborative-editor/internal/presence"
	"github.com/mahmoud661/Collaborative-editor/internal/relay"
	"github.com/mahmoud661/Collaborative-editor/internal/ydoc"
)

// documentText is the shared text the browser editor binds to.
const documentText = "document"

type joinOptions struct {
	server   string
	room     string
	username string
	color    string
	verbose  bool
}

func buildJoinCmd() *cobra.Command {
	opts := joinOptions{}
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join a room and edit its document from stdin",
		Long: `Join a room on the relay and follow it live.

Every line read from stdin is appended to the shared document. Presence
changes and the document text are printed as other peers edit.`,
		Example: `  # Join the default room
  peer join --username ada

  # Join a named room on another host
  peer join --server ws://relay.internal:3001/ws --room roadmap -u grace`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJoin(cmd.InOrStdin(), cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().StringVarP(&opts.server, "server", "s", "ws://localhost:3001/ws", "Relay websocket URL")
	cmd.Flags().StringVarP(&opts.room, "room", "r", relay.DefaultRoom, "Room to join")
	cmd.Flags().StringVarP(&opts.username, "username", "u", "", "Display name (default: random)")
	cmd.Flags().StringVar(&opts.color, "color", "", "Cursor color as #rrggbb (default: random)")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log connection events")
	return cmd
}

func runJoin(in io.Reader, out io.Writer, opts joinOptions) error {
	level := slog.LevelWarn
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	username := strings.TrimSpace(opts.username)
	if username == "" {
		username = fmt.Sprintf("%s-%d", relay.DefaultUsername, os.Getpid()%1000)
	}

	b, err := bridge.New(bridge.Options{
		ServerURL: opts.server,
		Room:      opts.room,
		Username:  username,
		Color:     opts.color,
		Reconnect: true,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer b.Destroy()

	roster := presence.NewStore(b.Awareness())
	defer roster.Close()

	// Handlers run on the bridge loop and may read the document directly.
	b.On(bridge.EventConnected, func(data json.RawMessage) {
		var p relay.ConnectedPayload
		if json.Unmarshal(data, &p) == nil {
			fmt.Fprintf(out, "* %s (room %q as %s, %d online)\n", p.Message, p.Room, p.Username, p.UsersCount)
		}
	})
	b.On(bridge.EventUserJoined, func(data json.RawMessage) {
		var p relay.UserPayload
		if json.Unmarshal(data, &p) == nil {
			fmt.Fprintf(out, "* %s joined (%d online)\n", p.Username, p.UsersCount)
		}
	})
	b.On(bridge.EventUserLeft, func(data json.RawMessage) {
		var p relay.UserPayload
		if json.Unmarshal(data, &p) == nil {
			fmt.Fprintf(out, "* %s left (%d online)\n", p.Username, p.UsersCount)
		}
	})
	b.On(bridge.EventSyncError, func(data json.RawMessage) {
		printErr("sync error: %s", string(data))
	})
	roster.Subscribe(func(list []presence.Participant) {
		names := make([]string, 0, len(list))
		for _, p := range list {
			if p.Local {
				names = append(names, p.Name+" (you)")
				continue
			}
			names = append(names, p.Name)
		}
		fmt.Fprintf(out, "* editing now: %s\n", strings.Join(names, ", "))
	})
	b.Doc().OnUpdate(func(_ []byte, origin any) {
		if b.IsRemote(origin) {
			fmt.Fprintf(out, "--- %s ---\n%s\n", opts.room, b.Doc().Text(documentText).String())
		}
	})

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-sigCh:
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := appendLine(b, line); err != nil {
				return err
			}
		}
	}
}

func appendLine(b *bridge.Bridge, line string) error {
	var txErr error
	err := b.Do(func() {
		text := b.Doc().Text(documentText)
		at := text.Len()
		txErr = b.Doc().Transact(nil, func(tx *ydoc.Transaction) {
			if at > 0 {
				_ = text.Insert(tx, at, "\n"+line)
				return
			}
			_ = text.Insert(tx, 0, line)
		})
	})
	if err != nil {
		return err
	}
	return txErr
}

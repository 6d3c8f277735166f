package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	chatsync "github.com/SaraQosja/diploma-project-sub001"
)

var (
	sendSystem  bool
	sendTimeout time.Duration
	tailHistory bool
	tailMetrics string
)

func init() {
	sendCmd.Flags().BoolVar(&sendSystem, "system", false, "Send as a system notice")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 15*time.Second, "How long to wait for confirmation")
	tailCmd.Flags().BoolVar(&tailHistory, "history", true, "Print the existing timeline before following")
	tailCmd.Flags().StringVar(&tailMetrics, "metrics-addr", "", "Serve Prometheus metrics on this address")

	rootCmd.AddCommand(roomCmd)
	rootCmd.AddCommand(tailCmd)
	rootCmd.AddCommand(sendCmd)
}

var roomCmd = &cobra.Command{
	Use:   "room <counselorId>",
	Short: "Create or get the room shared with a counselor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
		defer cancel()

		client, cleanup, err := newClient(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		id, err := client.CreateOrGetRoom(ctx, args[0])
		if err != nil {
			return fmt.Errorf("create room: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <roomId> <text>",
	Short: "Send a message and wait for confirmation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), sendTimeout)
		defer cancel()

		client, cleanup, err := newClient(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		if err := client.Connect(ctx); err != nil {
			return err
		}
		room, err := client.OpenRoom(ctx, args[0])
		if err != nil {
			return err
		}
		send := room.Send
		if sendSystem {
			send = room.SendSystem
		}
		f, err := send(ctx, args[1])
		if err != nil {
			return err
		}
		msg, err := f.Wait(ctx)
		if err != nil {
			return fmt.Errorf("message %s not confirmed: %w", f.TempID(), err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Sent #%d at %s\n", msg.ServerID, msg.SentAt.Format(time.RFC3339))
		return nil
	},
}

var tailCmd = &cobra.Command{
	Use:   "tail <roomId>",
	Short: "Follow a room's timeline",
	Long:  "Open a room and print messages as they are reconciled, until interrupted.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var opts []chatsync.Option
		if tailMetrics != "" {
			reg := prometheus.NewRegistry()
			opts = append(opts, chatsync.WithMetrics(chatsync.NewMetrics(reg)))
			srv := &http.Server{Addr: tailMetrics, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
			go srv.ListenAndServe()
			defer srv.Close()
		}

		client, cleanup, err := newClient(ctx, opts...)
		if err != nil {
			return err
		}
		defer cleanup()

		if err := client.Connect(ctx); err != nil {
			return err
		}
		room, err := client.OpenRoom(ctx, args[0])
		if err != nil {
			return err
		}
		return follow(ctx, cmd.OutOrStdout(), client, room, tailHistory)
	},
}

// follow prints every timeline entry once it is confirmed or failed, and
// connection state changes, until ctx ends.
func follow(ctx context.Context, out io.Writer, client *chatsync.Client, room *chatsync.RoomSession, history bool) error {
	events := client.Events(16)
	defer events.Close()
	updates := room.Updates()
	defer updates.Close()

	printed := make(map[string]bool)
	flush := func() {
		for _, m := range room.Timeline() {
			if m.AckState == chatsync.Pending {
				continue
			}
			key := m.Key()
			if printed[key] {
				continue
			}
			printed[key] = true
			if m.TempID != "" {
				printed[m.TempID] = true
			}
			fmt.Fprintln(out, formatMessage(m))
		}
	}
	if history {
		flush()
	} else {
		for _, m := range room.Timeline() {
			printed[m.Key()] = true
		}
	}

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case <-updates.C:
			flush()
		case ev := <-events.C:
			switch ev.Kind {
			case chatsync.EventConnectionStateChanged:
				fmt.Fprintf(out, "-- %s\n", ev.State)
			case chatsync.EventDegradedChanged:
				if ev.Degraded {
					fmt.Fprintln(out, "-- push degraded, polling")
				}
			}
		}
	}
}

func formatMessage(m chatsync.Message) string {
	ts := m.SentAt.Local().Format("15:04:05")
	switch {
	case m.AckState == chatsync.Failed:
		return fmt.Sprintf("[%s] %s: %s (failed: %s)", ts, m.SenderName, m.Text, m.FailReason)
	case m.Type == chatsync.MessageSystem:
		return fmt.Sprintf("[%s] * %s", ts, m.Text)
	}
	return fmt.Sprintf("[%s] %s: %s", ts, m.SenderName, m.Text)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/SaraQosja/diploma-project-sub001/internal/fakeserver"
)

var (
	devAddr   string
	devSecret string
	devIssue  []string
	devTTL    time.Duration
)

func init() {
	devserverCmd.Flags().StringVar(&devAddr, "addr", "127.0.0.1:8080", "Listen address")
	devserverCmd.Flags().StringVar(&devSecret, "secret", "chatsync-dev-secret", "HS256 signing secret")
	devserverCmd.Flags().StringSliceVar(&devIssue, "issue", nil, "Print a token for user id[:full name] (repeatable)")
	devserverCmd.Flags().DurationVar(&devTTL, "token-ttl", 24*time.Hour, "Lifetime of issued tokens")
	rootCmd.AddCommand(devserverCmd)
}

var devserverCmd = &cobra.Command{
	Use:   "devserver",
	Short: "Run an in-memory chat backend for local development",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer logger.Sync()

		srv := fakeserver.New(fakeserver.Options{Secret: []byte(devSecret), Logger: logger})
		for _, entry := range devIssue {
			id, name, _ := strings.Cut(entry, ":")
			token, err := srv.IssueToken(id, id, name, devTTL)
			if err != nil {
				return fmt.Errorf("issue token for %s: %w", id, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", id, token)
		}

		httpSrv := &http.Server{Addr: devAddr, Handler: srv, ReadHeaderTimeout: 5 * time.Second}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() { errCh <- httpSrv.ListenAndServe() }()
		logger.Info("devserver listening", zap.String("addr", devAddr),
			zap.String("ws_url", "ws://"+devAddr+"/ws"))

		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-ctx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.DropConnections()
		return httpSrv.Shutdown(shutdownCtx)
	},
}

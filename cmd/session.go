package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"recurix/pkg/config"
	"recurix/pkg/logger"
	"recurix/pkg/session"

	"github.com/spf13/cobra"
)

var historyLimit int

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect stored conversation sessions",
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <user-id>",
	Short: "Print a user's session state and recent transitions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadOrDefault()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		appLogger, err := logger.New(cfg.Logging)
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}

		limit := historyLimit
		if limit <= 0 {
			limit = cfg.Store.HistoryLimit
		}

		store, err := session.Open(cmd.Context(), cfg.Store.DSN, appLogger)
		if err != nil {
			return fmt.Errorf("open session store: %w", err)
		}
		defer func() { _ = store.Close() }()

		return showSession(cmd.Context(), store, args[0], limit, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionShowCmd)
	sessionShowCmd.Flags().IntVarP(&historyLimit, "limit", "n", 0, "number of transitions to show (defaults to store.history_limit)")
}

type sessionReader interface {
	Get(ctx context.Context, userID string) (session.State, error)
	History(ctx context.Context, userID string, limit int) ([]session.TransitionRecord, error)
}

type sessionView struct {
	Session     session.State              `json:"session"`
	Transitions []session.TransitionRecord `json:"transitions"`
}

func showSession(ctx context.Context, store sessionReader, userID string, limit int, out io.Writer) error {
	state, err := store.Get(ctx, userID)
	if errors.Is(err, session.ErrNotFound) {
		return fmt.Errorf("no session for user %q", userID)
	}
	if err != nil {
		return err
	}

	history, err := store.History(ctx, userID, limit)
	if err != nil {
		return err
	}
	if history == nil {
		history = []session.TransitionRecord{}
	}

	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(sessionView{Session: state, Transitions: history})
}


package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"recurix/pkg/channel"
	"recurix/pkg/channel/console"
	"recurix/pkg/channel/telegram"
	"recurix/pkg/config"
	"recurix/pkg/logger"

	"github.com/spf13/cobra"
)

var remindAt string

// remindCmd runs the reminder job once instead of waiting for its schedule.
var remindCmd = &cobra.Command{
	Use:   "remind",
	Short: "Renew past payment dates and send due reminders now",
	Long:  "Runs one pass of the reminder job. Console contacts print to stdout; Telegram contacts are delivered when the channel is enabled.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadOrDefault()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		appLogger, err := logger.New(cfg.Logging)
		if err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		at, err := parseRemindAt(remindAt, time.Now())
		if err != nil {
			return err
		}

		adapters := []channel.Adapter{console.NewAdapter(strings.NewReader(""), cmd.OutOrStdout(), cfg.Channels.Console.UserID, appLogger)}
		if cfg.Channels.Telegram.Enabled {
			adapter, err := telegram.NewAdapter(cfg.Channels.Telegram, appLogger)
			if err != nil {
				return fmt.Errorf("configure %s channel: %w", telegramChannelName, err)
			}
			adapters = append(adapters, adapter)
		}

		return runRemind(cmd.Context(), cfg, adapters, at, cmd.OutOrStdout(), appLogger)
	},
}

func init() {
	rootCmd.AddCommand(remindCmd)
	remindCmd.Flags().StringVar(&remindAt, "at", "", "run as of this date (YYYY-MM-DD) instead of now")
}

// parseRemindAt reads --at as a date at noon UTC, so the calendar day is the
// same in every configured timezone within twelve hours of UTC.
func parseRemindAt(value string, now time.Time) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return now, nil
	}
	day, err := time.Parse(time.DateOnly, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("--at %q is not a YYYY-MM-DD date", value)
	}
	return day.Add(12 * time.Hour), nil
}

func runRemind(ctx context.Context, cfg *config.Config, adapters []channel.Adapter, at time.Time, out io.Writer, log *slog.Logger) error {
	runtime, err := newApp(ctx, cfg, adapters, log)
	if err != nil {
		return err
	}
	defer func() { _ = runtime.Close() }()

	scheduler, err := runtime.reminders(cfg.Reminders, log)
	if err != nil {
		return err
	}

	report, err := scheduler.RunOnce(ctx, at)
	if err != nil {
		return fmt.Errorf("run reminders: %w", err)
	}

	_, err = fmt.Fprintf(out, "sessions=%d renewed=%d sent=%d duplicates=%d skipped=%d failed=%d\n",
		report.Sessions, report.Renewed, report.Sent, report.Duplicates, report.Skipped, report.Failed)
	return err
}

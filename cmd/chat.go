package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"recurix/pkg/channel"
	"recurix/pkg/channel/console"
	"recurix/pkg/config"
	"recurix/pkg/event"
	"recurix/pkg/logger"

	"github.com/spf13/cobra"
)

var chatUser string

// chatCmd represents the chat command
var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to the bot from the terminal",
	Long:  "Runs the full pipeline against a local console channel, using the configured store and cache.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		cfg, err := config.LoadOrDefault()
		if err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			return
		}
		if strings.TrimSpace(cfg.Logging.Level) == "" {
			cfg.Logging.Level = "warn"
		}

		appLogger, err := logger.New(cfg.Logging)
		if err != nil {
			fmt.Printf("failed to initialize logger: %v\n", err)
			return
		}
		slog.SetDefault(appLogger)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		adapter := console.NewAdapter(os.Stdin, cmd.OutOrStdout(), resolveChatUser(cfg), slog.Default())
		if err := runChat(ctx, cfg, adapter, slog.Default()); err != nil {
			fmt.Printf("chat failed: %v\n", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVarP(&chatUser, "user", "u", "", "user id to chat as")
}

func resolveChatUser(cfg *config.Config) string {
	if value := strings.TrimSpace(chatUser); value != "" {
		return value
	}
	if value := strings.TrimSpace(cfg.Channels.Console.UserID); value != "" {
		return value
	}
	return config.DefaultConsoleUser
}

// runChat feeds the adapter's input through the dispatcher synchronously so
// each reply prints before the next prompt.
func runChat(ctx context.Context, cfg *config.Config, adapter channel.Adapter, log *slog.Logger) error {
	runtime, err := newApp(ctx, cfg, []channel.Adapter{adapter}, log)
	if err != nil {
		return err
	}
	defer func() { _ = runtime.Close() }()

	return adapter.Run(ctx, func(ctx context.Context, raw event.RawUpdate) error {
		_, err := runtime.dispatcher.Handle(ctx, raw)
		return err
	})
}

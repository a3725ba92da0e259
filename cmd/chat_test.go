package cmd

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"recurix/pkg/channel/console"
	"recurix/pkg/config"
	"recurix/pkg/conversation"
	"recurix/pkg/logger"
	"recurix/pkg/session"

	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := config.Default()
	cfg.Store.DSN = "sqlite://" + filepath.Join(t.TempDir(), "recurix.db")
	return cfg
}

func TestResolveChatUser(t *testing.T) {
	original := chatUser
	t.Cleanup(func() {
		chatUser = original
	})

	cfg := &config.Config{}
	cfg.Channels.Console.UserID = "from-config"

	chatUser = " from-flag "
	if got := resolveChatUser(cfg); got != "from-flag" {
		t.Fatalf("resolveChatUser with flag = %q, want %q", got, "from-flag")
	}

	chatUser = ""
	if got := resolveChatUser(cfg); got != "from-config" {
		t.Fatalf("resolveChatUser with config = %q, want %q", got, "from-config")
	}

	cfg.Channels.Console.UserID = ""
	if got := resolveChatUser(cfg); got != config.DefaultConsoleUser {
		t.Fatalf("resolveChatUser default = %q, want %q", got, config.DefaultConsoleUser)
	}
}

func TestRunChatCompletesSubscriptionFlow(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	// Option 1 of the confirmation menu is Save.
	input := strings.NewReader("/add\nNetflix\n9,99\n01.01.2099\n1\nexit\n")
	var out bytes.Buffer
	adapter := console.NewAdapter(input, &out, "alice", logger.Discard())

	require.NoError(t, runChat(ctx, cfg, adapter, logger.Discard()))
	require.Contains(t, out.String(), "Netflix")

	store, err := session.Open(ctx, cfg.Store.DSN, logger.Discard())
	require.NoError(t, err)
	defer store.Close()

	state, err := store.Get(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, conversation.TagIdle, state.Tag)
	require.Equal(t, int64(5), state.Version)

	subs := conversation.Subscriptions(state.Context)
	require.Len(t, subs, 1)
	require.Equal(t, "Netflix", subs[0]["name"])
	require.Equal(t, "9.99", subs[0]["price"])
}

func TestRunChatRejectsUnknownCacheBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Cache.Backend = "memcached"

	adapter := console.NewAdapter(strings.NewReader(""), &bytes.Buffer{}, "alice", logger.Discard())
	err := runChat(context.Background(), cfg, adapter, logger.Discard())
	require.ErrorContains(t, err, "memcached")
}

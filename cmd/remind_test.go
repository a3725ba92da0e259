package cmd

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"recurix/pkg/channel"
	"recurix/pkg/channel/console"
	"recurix/pkg/logger"

	"github.com/stretchr/testify/require"
)

func TestParseRemindAt(t *testing.T) {
	now := time.Date(2026, 3, 10, 7, 0, 0, 0, time.UTC)

	at, err := parseRemindAt("", now)
	require.NoError(t, err)
	require.Equal(t, now, at)

	at, err = parseRemindAt("2098-12-31", now)
	require.NoError(t, err)
	require.Equal(t, time.Date(2098, 12, 31, 12, 0, 0, 0, time.UTC), at)

	_, err = parseRemindAt("31.12.2098", now)
	require.ErrorContains(t, err, "YYYY-MM-DD")
}

func TestRunRemindSendsToTheChatContact(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	input := strings.NewReader("/add\nNetflix\n9,99\n01.01.2099\n1\nexit\n")
	chat := console.NewAdapter(input, &bytes.Buffer{}, "alice", logger.Discard())
	require.NoError(t, runChat(ctx, cfg, chat, logger.Discard()))

	var delivered, report bytes.Buffer
	adapters := []channel.Adapter{console.NewAdapter(strings.NewReader(""), &delivered, "alice", logger.Discard())}
	at := time.Date(2098, 12, 31, 12, 0, 0, 0, time.UTC)

	require.NoError(t, runRemind(ctx, cfg, adapters, at, &report, logger.Discard()))
	require.Contains(t, delivered.String(), "Netflix")
	require.Contains(t, delivered.String(), "01.01.2099")
	require.Equal(t, "sessions=1 renewed=0 sent=1 duplicates=0 skipped=0 failed=0\n", report.String())

	report.Reset()
	require.NoError(t, runRemind(ctx, cfg, adapters, at.AddDate(0, 0, -1), &report, logger.Discard()))
	require.Contains(t, report.String(), "sent=0")
}

package console

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"recurix/pkg/channel"
	"recurix/pkg/event"

	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
)

const channelName = "console"

// update is the raw body the console adapter hands to the pipeline.
type update struct {
	ID       string `json:"id"`
	UserID   string `json:"user_id"`
	Text     string `json:"text,omitempty"`
	Callback string `json:"callback,omitempty"`
}

// Adapter runs a conversation over a line-oriented reader and writer.
//
// When the last reply was a menu, typing an option number selects it the way
// pressing an inline button would in Telegram.
type Adapter struct {
	in     io.Reader
	out    io.Writer
	userID string
	log    *slog.Logger
	theme  theme
	now    func() time.Time
	newID  func() string

	mu   sync.Mutex
	menu []event.MenuOption
}

// NewAdapter builds a console adapter for one local user.
func NewAdapter(in io.Reader, out io.Writer, userID string, log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		userID = "console"
	}

	return &Adapter{
		in:     in,
		out:    out,
		userID: userID,
		log:    log.With("component", "channel.console"),
		theme:  newTheme(out),
		now:    time.Now,
		newID:  func() string { return uuid.Must(uuid.NewV7()).String() },
	}
}

func (a *Adapter) Name() string {
	return channelName
}

// Run reads lines until EOF, an exit command or ctx cancellation. Each line is
// handled synchronously so replies print before the next prompt.
func (a *Adapter) Run(ctx context.Context, handler channel.Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}

	scanner := bufio.NewScanner(a.in)
	a.printHint("Type /start to begin, /help for the menu, exit to quit.")

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		fmt.Fprint(a.out, a.theme.userLabel.Render(a.userID+" ›")+" ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read console input: %w", err)
			}
			return nil
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if IsExitCommand(line) {
			return nil
		}

		body, err := json.Marshal(a.toUpdate(line))
		if err != nil {
			return fmt.Errorf("encode console update: %w", err)
		}

		if err := handler(ctx, event.RawUpdate{Channel: channelName, SenderID: a.userID, Body: body, ReceivedAt: a.now().UTC()}); err != nil {
			a.log.Error("Failed to process console input", "error", err)
			a.printError(err.Error())
		}
	}
}

// toUpdate turns a typed line into a message, or into a callback when it picks
// an option of the last menu.
func (a *Adapter) toUpdate(line string) update {
	u := update{ID: a.newID(), UserID: a.userID, Text: line}

	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.menu) == 0 {
		return u
	}
	if n, err := strconv.Atoi(line); err == nil && n >= 1 && n <= len(a.menu) {
		u.Text = ""
		u.Callback = a.menu[n-1].Data
		a.menu = nil
	}
	return u
}

// Normalize decodes a console update body.
func (a *Adapter) Normalize(raw event.RawUpdate) (event.InboundEvent, error) {
	return Normalize(raw)
}

// Normalize is the stateless console normalizer.
func Normalize(raw event.RawUpdate) (event.InboundEvent, error) {
	var u update
	if err := json.Unmarshal(raw.Body, &u); err != nil {
		return event.InboundEvent{}, event.Malformed(event.ErrorUndecodable, err.Error())
	}

	if u.Callback != "" {
		return event.InboundEvent{
			ID:         u.ID,
			Channel:    channelName,
			UserID:     u.UserID,
			ChatID:     u.UserID,
			Kind:       event.KindCallbackAction,
			Payload:    event.CleanText(u.Callback),
			ReceivedAt: raw.ReceivedAt.UTC(),
		}, nil
	}
	if event.CleanText(u.Text) == "" {
		return event.InboundEvent{}, event.Malformed(event.ErrorEmptyPayload, "console line "+u.ID)
	}

	return event.FromText(u.ID, channelName, u.UserID, u.UserID, u.Text, raw.ReceivedAt), nil
}

// Send renders one outbound action.
func (a *Adapter) Send(_ context.Context, action event.OutboundAction) error {
	switch action.Kind {
	case event.ActionNoOp:
		return nil
	case event.ActionSendText:
		a.printBot(action.Text)
		return nil
	case event.ActionSendMenu:
		a.mu.Lock()
		a.menu = append([]event.MenuOption(nil), action.Options...)
		a.mu.Unlock()

		lines := make([]string, 0, len(action.Options)+1)
		lines = append(lines, action.Text)
		for i, option := range action.Options {
			lines = append(lines, a.theme.menuIndex.Render(fmt.Sprintf("[%d]", i+1))+" "+a.theme.menuLabel.Render(option.Label))
		}
		a.printBot(strings.Join(lines, "\n"))
		return nil
	default:
		return fmt.Errorf("unsupported action kind %q", action.Kind)
	}
}

func (a *Adapter) printBot(text string) {
	block := lipgloss.JoinVertical(lipgloss.Left,
		a.theme.botTitle.Render("recurix"),
		a.theme.botBox.Render(strings.TrimSpace(text)),
	)
	fmt.Fprintln(a.out, block)
}

func (a *Adapter) printError(text string) {
	fmt.Fprintln(a.out, a.theme.errorBox.Render(text))
}

func (a *Adapter) printHint(text string) {
	fmt.Fprintln(a.out, a.theme.hint.Render(text))
}

// IsExitCommand reports whether input asks to leave an interactive session.
func IsExitCommand(input string) bool {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "exit", "quit", ":q":
		return true
	default:
		return false
	}
}

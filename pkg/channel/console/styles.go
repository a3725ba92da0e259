package console

import (
	"io"

	"github.com/charmbracelet/lipgloss"
)

// theme groups the styles used to render conversation output in a terminal.
type theme struct {
	userLabel lipgloss.Style
	botBox    lipgloss.Style
	botTitle  lipgloss.Style
	menuIndex lipgloss.Style
	menuLabel lipgloss.Style
	errorBox  lipgloss.Style
	hint      lipgloss.Style
}

// newTheme binds the palette to out so color support follows the real
// destination rather than process stdout.
func newTheme(out io.Writer) theme {
	r := lipgloss.NewRenderer(out)

	return theme{
		userLabel: r.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("214")),
		botBox: r.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("44")).
			Padding(0, 1),
		botTitle: r.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("16")).
			Background(lipgloss.Color("44")).
			Padding(0, 1),
		menuIndex: r.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("229")),
		menuLabel: r.NewStyle().
			Foreground(lipgloss.Color("252")),
		errorBox: r.NewStyle().
			Border(lipgloss.DoubleBorder()).
			BorderForeground(lipgloss.Color("203")).
			Foreground(lipgloss.Color("203")).
			Padding(0, 1),
		hint: r.NewStyle().
			Foreground(lipgloss.Color("244")),
	}
}

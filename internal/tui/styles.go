package tui

import "github.com/charmbracelet/lipgloss"

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	mutedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	selectedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	winStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	errorStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	noticeStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	overlayStyle  = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")).
			Padding(0, 1)
	cardStyle = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder(), false, false, false, true).
			BorderForeground(lipgloss.Color("240")).
			PaddingLeft(1)
	activeCardStyle = cardStyle.BorderForeground(lipgloss.Color("212"))
)

var statusColors = map[string]lipgloss.Color{
	"draft":    lipgloss.Color("245"),
	"open":     lipgloss.Color("42"),
	"closed":   lipgloss.Color("214"),
	"resolved": lipgloss.Color("63"),
}

func badge(status string) string {
	c, ok := statusColors[status]
	if !ok {
		c = lipgloss.Color("245")
	}
	return lipgloss.NewStyle().Foreground(c).Render("[" + status + "]")
}

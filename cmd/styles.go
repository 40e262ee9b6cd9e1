package cmd

import (
	"charm.land/lipgloss/v2"
	"charm.land/lipgloss/v2/table"
)

// Color palette - Purple + Cyan/Teal theme
var (
	colorPrimary   = lipgloss.Color("#7C3AED") // Purple
	colorSecondary = lipgloss.Color("#06B6D4") // Cyan
	colorMuted     = lipgloss.Color("#6B7280") // Gray
	colorBorder    = lipgloss.Color("#374151") // Dark gray
	colorText      = lipgloss.Color("#F9FAFB") // Light text
	colorWarning   = lipgloss.Color("#F59E0B") // Amber
	colorError     = lipgloss.Color("#EF4444") // Red
	colorSuccess   = lipgloss.Color("#10B981") // Green
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorText).
			Background(colorPrimary).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().
			Foreground(colorMuted)

	headerCellStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorSecondary).
			Padding(0, 1)

	cellStyle = lipgloss.NewStyle().
			Padding(0, 1)
)

// statusStyle colors a session status: green while running, amber while
// waiting on a repository selection, red on error.
func statusStyle(status string) lipgloss.Style {
	switch status {
	case "running", "busy":
		return cellStyle.Foreground(colorSuccess)
	case "active":
		return cellStyle.Foreground(colorSecondary)
	case "awaiting-selection":
		return cellStyle.Foreground(colorWarning)
	case "error":
		return cellStyle.Foreground(colorError)
	default:
		return cellStyle.Foreground(colorMuted)
	}
}

// renderTable draws rows under headers. statusCol, when non-negative, is
// colored with statusStyle.
func renderTable(headers []string, rows [][]string, statusCol int) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(colorBorder)).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerCellStyle
			}
			if col == statusCol && row >= 0 && row < len(rows) {
				return statusStyle(rows[row][col])
			}
			return cellStyle
		})
	return t.String()
}

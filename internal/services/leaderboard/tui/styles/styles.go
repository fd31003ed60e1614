// Package styles holds the leaderboard palette.
package styles

import "github.com/charmbracelet/lipgloss"

type Style struct {
	Color       Color
	Doc         lipgloss.Style
	TitleBar    lipgloss.Style
	SubtitleBar lipgloss.Style
	Banner      lipgloss.Style
	Footer      lipgloss.Style
	Error       lipgloss.Style
	Green       lipgloss.Style
	Purple      lipgloss.Style
	Red         lipgloss.Style
	Yellow      lipgloss.Style
	Subtle      lipgloss.Style
}

type Color struct {
	Red               lipgloss.Color
	Yellow            lipgloss.Color
	Green             lipgloss.Color
	Purple            lipgloss.Color
	Light             lipgloss.Color
	Dark              lipgloss.Color
	Subtle            lipgloss.AdaptiveColor
	PrimaryForeground lipgloss.AdaptiveColor
}

// Default returns the leaderboard styles. Flag colors follow the track
// lights.
func Default() *Style {
	red := lipgloss.Color("#CF040E")
	yellow := lipgloss.Color("#FAD105")
	green := lipgloss.Color("#17C81D")
	purple := lipgloss.Color("#DA0ED3")
	light := lipgloss.Color("#D1D4DD")
	dark := lipgloss.Color("#383838")
	subtle := lipgloss.AdaptiveColor{Light: "#D9DCCF", Dark: "#383838"}
	primaryForeground := lipgloss.AdaptiveColor{Light: "#383838", Dark: "#D9DCCF"}

	return &Style{
		Color: Color{
			Red:               red,
			Yellow:            yellow,
			Green:             green,
			Purple:            purple,
			Light:             light,
			Dark:              dark,
			Subtle:            subtle,
			PrimaryForeground: primaryForeground,
		},
		Doc: lipgloss.NewStyle().Margin(1, 2),
		TitleBar: lipgloss.NewStyle().
			Align(lipgloss.Center).
			Bold(true).
			Border(lipgloss.NormalBorder(), false, false, true, false).
			BorderForeground(primaryForeground).
			Foreground(primaryForeground),
		SubtitleBar: lipgloss.NewStyle().
			Align(lipgloss.Center).
			Foreground(primaryForeground),
		Banner: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(0, 1).
			Align(lipgloss.Center),
		Footer: lipgloss.NewStyle().Foreground(subtle).PaddingTop(1),
		Error: lipgloss.NewStyle().
			Bold(true).
			Foreground(red),
		Green:  lipgloss.NewStyle().Foreground(green),
		Purple: lipgloss.NewStyle().Foreground(purple),
		Red:    lipgloss.NewStyle().Foreground(red),
		Yellow: lipgloss.NewStyle().Foreground(yellow),
		Subtle: lipgloss.NewStyle().Foreground(subtle),
	}
}

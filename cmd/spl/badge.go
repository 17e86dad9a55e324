package main

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/viper"

	"specline/internal/domain"
)

var (
	colorPass   = lipgloss.AdaptiveColor{Light: "#86b300", Dark: "#c2d94c"}
	colorWarn   = lipgloss.AdaptiveColor{Light: "#f2ae49", Dark: "#ffb454"}
	colorFail   = lipgloss.AdaptiveColor{Light: "#f07171", Dark: "#f07178"}
	colorMuted  = lipgloss.AdaptiveColor{Light: "#828c99", Dark: "#6c7680"}
	colorAccent = lipgloss.AdaptiveColor{Light: "#399ee6", Dark: "#59c2ff"}

	passStyle  = lipgloss.NewStyle().Foreground(colorPass)
	warnStyle  = lipgloss.NewStyle().Foreground(colorWarn)
	failStyle  = lipgloss.NewStyle().Foreground(colorFail)
	mutedStyle = lipgloss.NewStyle().Foreground(colorMuted)
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(colorAccent)

	badgeStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorAccent).
			Padding(0, 1)
)

func printBadge(projectID string, b *domain.Badge) error {
	if viper.GetBool("json") {
		if b == nil {
			return printJSON(map[string]any{"project_id": projectID, "pending": nil})
		}
		return printJSON(map[string]any{"project_id": projectID, "pending": b})
	}
	fmt.Println(renderBadge(projectID, b))
	return nil
}

func renderBadge(projectID string, b *domain.Badge) string {
	if b == nil {
		return badgeStyle.BorderForeground(colorMuted).Render(mutedStyle.Render(projectID + ": no pending spec"))
	}
	meta := fmt.Sprintf("%s · %d bytes", b.SpecID, b.SizeBytes)
	body := titleStyle.Render(b.Title) + "\n" + mutedStyle.Render(meta)
	if b.Oversized {
		body += "\n" + warnStyle.Render("oversized: consider splitting this spec")
		return badgeStyle.BorderForeground(colorWarn).Render(body)
	}
	return badgeStyle.Render(body)
}

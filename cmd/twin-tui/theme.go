package main

import (
	"github.com/charmbracelet/lipgloss"

	"topiary/internal/plant"
)

type uiTheme struct {
	root         lipgloss.Style
	header       lipgloss.Style
	tabActive    lipgloss.Style
	tabInactive  lipgloss.Style
	panel        lipgloss.Style
	panelTitle   lipgloss.Style
	footer       lipgloss.Style
	status       lipgloss.Style
	errorStatus  lipgloss.Style
	inputPanel   lipgloss.Style
	helpText     lipgloss.Style
	settingKey   lipgloss.Style
	settingValue lipgloss.Style
	settingPick  lipgloss.Style
	kpiBox       lipgloss.Style
	kpiLabel     lipgloss.Style
	kpiValue     lipgloss.Style
	gaugeFill    lipgloss.Style
	gaugeEmpty   lipgloss.Style
	online       lipgloss.Style
	offline      lipgloss.Style
	modalFrame   lipgloss.Style
	accent       lipgloss.Style
	severity     map[plant.Severity]lipgloss.Style
	role         map[plant.Role]lipgloss.Style
}

func newTheme() uiTheme {
	pink := lipgloss.Color("#ff71ce")
	blue := lipgloss.Color("#01cdfe")
	mint := lipgloss.Color("#05ffa1")
	amber := lipgloss.Color("#ffd166")
	bg := lipgloss.Color("#120924")
	panelBg := lipgloss.Color("#1b0f35")
	text := lipgloss.Color("#f3f3ff")
	muted := lipgloss.Color("#9ca3d8")

	return uiTheme{
		root: lipgloss.NewStyle().
			Background(bg).
			Foreground(text).
			Padding(0, 1),
		header: lipgloss.NewStyle().
			Background(panelBg).
			Foreground(text).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(blue).
			Padding(0, 1),
		tabActive: lipgloss.NewStyle().
			Background(pink).
			Foreground(lipgloss.Color("#22062f")).
			Bold(true).
			Padding(0, 1),
		tabInactive: lipgloss.NewStyle().
			Background(lipgloss.Color("#2a184a")).
			Foreground(muted).
			Padding(0, 1),
		panel: lipgloss.NewStyle().
			Background(panelBg).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(blue).
			Padding(0, 1),
		panelTitle: lipgloss.NewStyle().
			Foreground(mint).
			Bold(true),
		footer: lipgloss.NewStyle().
			Background(panelBg).
			Foreground(muted).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(pink).
			Padding(0, 1),
		status:      lipgloss.NewStyle().Foreground(blue).Bold(true),
		errorStatus: lipgloss.NewStyle().Foreground(pink).Bold(true),
		inputPanel: lipgloss.NewStyle().
			Background(panelBg).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(mint).
			Padding(0, 1),
		helpText:     lipgloss.NewStyle().Foreground(muted),
		settingKey:   lipgloss.NewStyle().Foreground(blue),
		settingValue: lipgloss.NewStyle().Foreground(text),
		settingPick:  lipgloss.NewStyle().Foreground(pink).Bold(true),
		kpiBox: lipgloss.NewStyle().
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(muted).
			Padding(0, 1),
		kpiLabel:   lipgloss.NewStyle().Foreground(muted),
		kpiValue:   lipgloss.NewStyle().Foreground(mint).Bold(true),
		gaugeFill:  lipgloss.NewStyle().Foreground(blue),
		gaugeEmpty: lipgloss.NewStyle().Foreground(lipgloss.Color("#3b2a66")),
		online:     lipgloss.NewStyle().Foreground(mint).Bold(true),
		offline:    lipgloss.NewStyle().Foreground(muted),
		modalFrame: lipgloss.NewStyle().
			Background(panelBg).
			BorderStyle(lipgloss.ThickBorder()).
			BorderForeground(blue).
			Padding(1, 2),
		accent: lipgloss.NewStyle().Foreground(mint).Bold(true),
		severity: map[plant.Severity]lipgloss.Style{
			plant.SeverityCritical: lipgloss.NewStyle().Foreground(pink).Bold(true),
			plant.SeverityWarning:  lipgloss.NewStyle().Foreground(amber).Bold(true),
		},
		role: map[plant.Role]lipgloss.Style{
			plant.RoleOperator:  lipgloss.NewStyle().Foreground(mint).Bold(true),
			plant.RoleAssistant: lipgloss.NewStyle().Foreground(blue).Bold(true),
			plant.RoleSystem:    lipgloss.NewStyle().Foreground(muted).Bold(true),
		},
	}
}

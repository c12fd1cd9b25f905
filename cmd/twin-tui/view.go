package main

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"topiary/internal/alerts"
	"topiary/internal/plant"
)

const gaugeWidth = 18

func (m model) View() string {
	out := lipgloss.JoinVertical(lipgloss.Left, m.renderHeader(), m.renderContent(), m.renderInput(), m.renderFooter())
	if m.quitConfirm {
		out = m.renderQuitModal()
	}
	return m.theme.root.Render(out)
}

func (m *model) renderHeader() string {
	tabs := []struct {
		id    tabID
		label string
	}{
		{tabTwin, "Twin"},
		{tabAdvisor, "Advisor"},
		{tabActivity, "Activity"},
		{tabSettings, "Settings"},
		{tabHelp, "Help"},
	}
	segments := make([]string, 0, len(tabs)+1)
	for _, tab := range tabs {
		style := m.theme.tabInactive
		if tab.id == m.activeTab {
			style = m.theme.tabActive
		}
		segments = append(segments, style.Render(tab.label))
	}
	segments = append(segments, m.theme.helpText.Render(" API: "+m.apiURL+" · "+m.oracleLabel()))
	joined := lipgloss.JoinHorizontal(lipgloss.Left, segments...)
	return m.theme.header.Width(maxInt(20, m.width-4)).Render(joined)
}

func (m *model) oracleLabel() string {
	switch {
	case !m.oracleKnown:
		return "oracle: checking"
	case m.oracleErr != nil:
		return "oracle: unreachable"
	default:
		return fmt.Sprintf("oracle: %s · model %s", nullCoalesce(m.oracle.Health.Status, "unknown"), ternary(m.oracle.Health.ModelLoaded, "loaded", "missing"))
	}
}

func (m *model) renderContent() string {
	contentHeight := maxInt(8, m.height-12)
	contentWidth := maxInt(40, m.width-4)

	switch m.activeTab {
	case tabTwin:
		return m.renderTwin(contentWidth)
	case tabAdvisor:
		panel := m.theme.panel.Width(contentWidth).Height(contentHeight)
		return panel.Render(m.theme.panelTitle.Render("Plant Advisor") + "\n" + m.transcript.View())
	case tabActivity:
		panel := m.theme.panel.Width(contentWidth).Height(contentHeight)
		return panel.Render(m.theme.panelTitle.Render("Activity") + "\n" + m.activity.View())
	case tabSettings:
		panel := m.theme.panel.Width(contentWidth).Height(contentHeight)
		return panel.Render(m.theme.panelTitle.Render("Dashboard Settings") + "\n" + m.renderSettings())
	case tabHelp:
		panel := m.theme.panel.Width(contentWidth).Height(contentHeight)
		return panel.Render(m.theme.panelTitle.Render("Twin Dashboard Help") + "\n" + m.renderHelp())
	default:
		return ""
	}
}

func (m *model) renderTwin(contentWidth int) string {
	kpis := m.renderKPIs()
	critical, warning := alerts.Counts(m.snapshot.Alerts)
	alertTitle := fmt.Sprintf("Alerts · %d critical · %d warning", critical, warning)
	alertPanel := m.theme.panel.Width(contentWidth).Render(
		m.theme.panelTitle.Render(alertTitle) + "\n" + m.renderAlerts(contentWidth-4),
	)
	if !m.settings.showDiagram {
		controls := m.theme.panel.Width(contentWidth).Render(
			m.theme.panelTitle.Render("Setpoints") + "\n" + m.renderSetpoints(),
		)
		return lipgloss.JoinVertical(lipgloss.Left, kpis, controls, alertPanel)
	}
	leftWidth := clampInt(int(float64(contentWidth)*0.45), 36, maxInt(36, contentWidth-40))
	rightWidth := maxInt(30, contentWidth-leftWidth-1)
	left := m.theme.panel.Width(leftWidth).Render(
		m.theme.panelTitle.Render("Setpoints") + "\n" + m.renderSetpoints(),
	)
	right := m.theme.panel.Width(rightWidth).Render(
		m.theme.panelTitle.Render("Plant") + "\n" + m.renderDiagram(),
	)
	top := lipgloss.JoinHorizontal(lipgloss.Top, left, right)
	return lipgloss.JoinVertical(lipgloss.Left, kpis, top, alertPanel)
}

func (m *model) renderKPIs() string {
	st := m.snapshot.State
	ok := m.hasSnapshot
	boxes := []struct{ label, value string }{
		{"Total Generation", kpiValue(st.Meta.TotalPower, 1, ok) + " MW"},
		{"MP Pressure", kpiValue(st.MPPressure, 2, ok) + " bar"},
		{"MP Steam", kpiValue(st.TotalMPSteam(), 1, ok) + " T/h"},
		{"Global Efficiency", kpiValue(st.Meta.GlobalEfficiency, 1, ok) + " %"},
	}
	rendered := make([]string, 0, len(boxes))
	for _, box := range boxes {
		rendered = append(rendered, m.theme.kpiBox.Render(m.theme.kpiLabel.Render(box.label)+"\n"+m.theme.kpiValue.Render(box.value)))
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, rendered...)
}

func (m *model) renderSetpoints() string {
	sp := m.store.Snapshot()
	var b strings.Builder
	for i, field := range plant.Fields {
		v, _ := sp.Get(field)
		labelStyle := m.theme.settingKey
		prefix := "  "
		if i == m.fieldIndex {
			labelStyle = m.theme.settingPick
			prefix = "▶ "
		}
		b.WriteString(prefix + labelStyle.Render(fmt.Sprintf("%-16s", fieldLabels[field])) + " ")
		b.WriteString(m.gauge(v, plant.SetpointMin, plant.SetpointMax, gaugeWidth))
		b.WriteString(" " + m.theme.settingValue.Render(fmt.Sprintf("%5s T/h", formatFixed(v, 0))) + "\n")
	}
	b.WriteString(m.theme.helpText.Render(fmt.Sprintf("Total extraction %s T/h · step %s", formatFixed(sp.TotalExtraction(), 0), formatFixed(m.settings.sliderStep, 0))))
	b.WriteString("\n")

	switch {
	case m.twin != nil && !m.twin.Idle():
		b.WriteString(m.spinner.View() + " simulating...")
	case m.lastSimErr != nil:
		b.WriteString(m.theme.errorStatus.Render("simulation unavailable, showing last result"))
	case m.hasSnapshot:
		b.WriteString(m.theme.helpText.Render("updated " + m.snapshot.UpdatedAt.Format("15:04:05")))
	}
	if m.optimizing {
		b.WriteString("\n" + m.spinner.View() + " optimizing...")
	} else if m.session != nil {
		if sg, ok := m.session.LastSuggestion(); ok && len(sg.OptimalValues) == 3 {
			b.WriteString("\n" + m.theme.accent.Render(fmt.Sprintf(
				"Suggested %s / %s / %s T/h · +%.2f MW · a applies",
				formatFixed(sg.OptimalValues[0], 0), formatFixed(sg.OptimalValues[1], 0), formatFixed(sg.OptimalValues[2], 0), sg.PotentialGain,
			)))
		}
	}
	return b.String()
}

func (m *model) renderDiagram() string {
	if !m.hasSnapshot {
		return m.theme.helpText.Render("Waiting for the first simulation.")
	}
	st := m.snapshot.State
	sp := m.snapshot.Setpoints
	lines := []string{
		fmt.Sprintf("Acid plant   steam %s T/h · available %s T/h", formatFixed(st.Meta.EstSteamGen, 1), formatFixed(st.Meta.VapDispo, 1)),
		"HP header",
	}
	for i := 1; i <= 3; i++ {
		pwr := st.Power(i)
		indicator := m.theme.offline.Render("○")
		if pwr > alerts.MinOnlinePower {
			indicator = m.theme.online.Render("●")
		}
		lines = append(lines, fmt.Sprintf(
			" ├─ GTA %d %s adm %s T/h · %s MW · MP %s T/h · %s T/MW",
			i, indicator,
			formatFixed(sp.Admission(i), 0),
			formatFixed(pwr, 1),
			formatFixed(st.Extraction(i), 1),
			specificConsumptionLabel(sp.Admission(i), pwr),
		))
	}
	lines = append(lines,
		fmt.Sprintf(" ├─ GTA A   condensing · %s MW", formatFixed(st.PGTAA, 1)),
		fmt.Sprintf(" └─ GTA B   condensing · %s MW", formatFixed(st.PGTAB, 1)),
		fmt.Sprintf("HP_TR %s T/h · MP_TR %s T/h", formatFixed(st.HPTR, 1), formatFixed(st.MPTR, 1)),
		fmt.Sprintf("Grid  TR1 %s · TR2 %s · TR3 %s MW", formatFixed(st.TR1, 1), formatFixed(st.TR2, 1), formatFixed(st.TR3, 1)),
	)
	return strings.Join(lines, "\n")
}

func (m *model) renderAlerts(width int) string {
	if !m.hasSnapshot {
		return m.theme.helpText.Render("Waiting for the first simulation.")
	}
	if len(m.snapshot.Alerts) == 0 {
		return m.theme.online.Render("All parameters nominal.")
	}
	rows := make([]string, 0, len(m.snapshot.Alerts))
	for _, a := range m.snapshot.Alerts {
		style, ok := m.theme.severity[a.Severity]
		if !ok {
			style = m.theme.helpText
		}
		tag := style.Render("[" + strings.ToUpper(string(a.Severity)) + "]")
		rows = append(rows, tag+" "+wrapText(a.Message, maxInt(20, width-12)))
	}
	return strings.Join(rows, "\n")
}

func (m *model) renderInput() string {
	contentWidth := maxInt(40, m.width-4)
	switch {
	case m.editing:
		return m.theme.inputPanel.Width(contentWidth).Render(m.input.View())
	case m.activeTab == tabAdvisor:
		inputView := m.input.View()
		if m.session != nil && m.session.Loading() {
			inputView = m.spinner.View() + " advisor thinking... " + inputView
		}
		return m.theme.inputPanel.Width(contentWidth).Render(inputView)
	case m.activeTab == tabTwin:
		return m.theme.inputPanel.Width(contentWidth).Render(m.theme.helpText.Render("Enter edits the selected setpoint. Tab opens the advisor."))
	default:
		return m.theme.inputPanel.Width(contentWidth).Render(m.theme.helpText.Render("Input disabled outside Twin and Advisor. Press Tab to switch."))
	}
}

func (m *model) renderFooter() string {
	contentWidth := maxInt(40, m.width-4)
	statusStyle := m.theme.status
	lower := strings.ToLower(m.statusLine)
	if strings.Contains(lower, "failed") || strings.Contains(lower, "error") {
		statusStyle = m.theme.errorStatus
	}
	line := statusStyle.Render(compactSingleLine(m.statusLine, 180))
	hints := "Keys: Tab switch view · Ctrl+O optimize · Esc quit prompt · Ctrl+C quit"
	switch m.activeTab {
	case tabTwin:
		hints = "Keys: ↑/↓ select · ←/→ step · [ ] fine · Enter edit · o optimize · a apply · r resync · d diagram · Tab views"
	case tabAdvisor:
		hints = "Keys: Enter send · PgUp/PgDn scroll · Ctrl+O optimize · Tab views · Esc quit prompt"
	}
	return m.theme.footer.Width(contentWidth).Render(line + "\n" + m.theme.helpText.Render(hints))
}

func (m *model) renderQuitModal() string {
	canvasWidth := maxInt(40, m.width-4)
	canvasHeight := maxInt(12, m.height-4)
	modalWidth := clampInt(int(float64(canvasWidth)*0.56), 42, 78)
	if modalWidth > canvasWidth-2 {
		modalWidth = canvasWidth - 2
	}

	body := strings.Join([]string{
		m.theme.errorStatus.Render("LEAVE THE TWIN?"),
		m.theme.helpText.Render("Setpoints and the advisor transcript live only in this session."),
		"",
		m.theme.settingPick.Render("[Y / Enter] Quit") + "    " + m.theme.helpText.Render("[N / Esc] Return"),
	}, "\n")
	panel := m.theme.modalFrame.Width(modalWidth).Render(body)
	return lipgloss.Place(
		canvasWidth,
		canvasHeight,
		lipgloss.Center,
		lipgloss.Center,
		panel,
		lipgloss.WithWhitespaceBackground(lipgloss.Color("#120924")),
	)
}

func (m *model) resize() {
	contentWidth := maxInt(40, m.width-4)
	m.input.Width = maxInt(20, contentWidth-6)
}

func (m *model) renderPanes() {
	contentHeight := maxInt(8, m.height-12)
	contentWidth := maxInt(40, m.width-4)

	atBottom := m.transcript.AtBottom()
	offset := m.transcript.YOffset
	m.transcript.Width = maxInt(20, contentWidth-4)
	m.transcript.Height = maxInt(5, contentHeight-3)
	m.transcript.SetContent(m.renderTranscript())
	if atBottom || m.settings.followChat {
		m.transcript.GotoBottom()
	} else {
		m.transcript.SetYOffset(offset)
	}

	m.activity.Width = maxInt(20, contentWidth-4)
	m.activity.Height = maxInt(5, contentHeight-3)
	m.activity.SetContent(strings.Join(m.logs, "\n"))
	m.activity.GotoBottom()
}

func (m *model) renderTranscript() string {
	if m.session == nil {
		return ""
	}
	var b strings.Builder
	for _, msg := range m.session.Transcript() {
		style, ok := m.theme.role[msg.Role]
		if !ok {
			style = m.theme.role[plant.RoleSystem]
		}
		b.WriteString(style.Render(fmt.Sprintf("%s [%s]", msg.CreatedAt.Local().Format("15:04:05"), msg.Role)))
		b.WriteString("\n")
		preview := compactMessage(msg.Content, transcriptMaxLines, transcriptMaxChars)
		b.WriteString(wrapText(preview, maxInt(24, m.transcript.Width-2)))
		b.WriteString("\n\n")
	}
	return strings.TrimSpace(b.String())
}

func (m *model) renderSettings() string {
	rows := []struct {
		label string
		value string
		help  string
	}{
		{"Slider Step", formatFixed(m.settings.sliderStep, 0) + " T/h", "←/→ on the Twin tab moves a setpoint by this much"},
		{"Oracle Health Poll", ternary(m.settings.healthPoll > 0, strconv.Itoa(m.settings.healthPoll)+"s", "off"), "how often GET / and GET /config are refreshed"},
		{"Plant Diagram", onOff(m.settings.showDiagram), "show the turbine diagram next to the setpoints"},
		{"Follow Transcript", onOff(m.settings.followChat), "keep the advisor transcript scrolled to the newest message"},
	}
	var b strings.Builder
	b.WriteString(m.theme.helpText.Render("Use ↑/↓ to select and ←/→ (or -/+) to change values."))
	b.WriteString("\n\n")
	for i, row := range rows {
		labelStyle := m.theme.settingKey
		valueStyle := m.theme.settingValue
		prefix := "  "
		if i == m.settingsIndex {
			labelStyle = m.theme.settingPick
			valueStyle = m.theme.settingPick
			prefix = "▶ "
		}
		b.WriteString(prefix + labelStyle.Render(fmt.Sprintf("%-18s", row.label)) + " " + valueStyle.Render(row.value) + "\n")
		b.WriteString("   " + m.theme.helpText.Render(row.help) + "\n")
	}
	if m.oracleKnown && m.oracleErr == nil {
		b.WriteString(fmt.Sprintf("\nLearned steam ratio: %s", formatFixed(m.oracle.Config.SteamRatio, 3)))
		if n := len(m.oracle.Config.Baselines); n > 0 {
			b.WriteString(fmt.Sprintf(" · %d baselines", n))
		}
	}
	return strings.TrimSpace(b.String())
}

func (m *model) renderHelp() string {
	lines := []string{
		"Twin",
		"- ↑/↓ select a setpoint, ←/→ move it by the slider step, [ and ] by 1 T/h",
		"- Enter (or e) types an exact value; values are clamped to 0..220 T/h",
		"- Edits are coalesced: the plant is re-simulated 300 ms after the last change",
		"- A failed simulation keeps the last plant state on screen",
		"- o asks for an optimization, a applies its admission split, r re-simulates",
		"",
		"Alerts",
		"- CRITICAL: extraction above generated steam, MP header below 7.5 bar",
		"- WARNING: an online GTA above 7 T/MW specific consumption",
		"",
		"Advisor",
		"- Enter sends the prompt with the current plant state",
		"- Optimization results land in the transcript; failures only in the status line",
		"",
		"Other",
		"- Tab / Shift+Tab switch views, Esc asks before quitting, Ctrl+C quits",
	}
	return m.theme.helpText.Render(strings.Join(lines, "\n"))
}

func (m *model) gauge(value, min, max float64, width int) string {
	if width <= 0 || max <= min {
		return ""
	}
	ratio := (value - min) / (max - min)
	filled := clampInt(int(math.Round(ratio*float64(width))), 0, width)
	return m.theme.gaugeFill.Render(strings.Repeat("█", filled)) + m.theme.gaugeEmpty.Render(strings.Repeat("░", width-filled))
}

func formatFixed(v float64, decimals int) string {
	return alerts.FormatFixed(v, decimals)
}

// kpiValue renders a KPI, or "--" before the first plant state arrives.
func kpiValue(v float64, decimals int, ok bool) string {
	if !ok {
		return "--"
	}
	return formatFixed(v, decimals)
}

func specificConsumptionLabel(admission, power float64) string {
	if power <= 0 {
		return "-"
	}
	return formatFixed(alerts.SpecificConsumption(admission, power), 2)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/sirupsen/logrus"

	"topiary/internal/advisory"
	"topiary/internal/alerts"
	"topiary/internal/config"
	"topiary/internal/inputs"
	"topiary/internal/oracle"
	"topiary/internal/plant"
	"topiary/internal/twin"
)

const (
	transcriptMaxLines = 14
	transcriptMaxChars = 1600
	activityLogSize    = 50
	fineStep           = 1.0
)

var (
	sliderSteps = []float64{1, 2, 5, 10, 25}
	healthPolls = []int{0, 10, 30, 60, 300}
	fieldLabels = map[string]string{
		plant.FieldSulfurIn: "Sulfur In",
		plant.FieldAdm1:     "GTA 1 Admission",
		plant.FieldAdm2:     "GTA 2 Admission",
		plant.FieldAdm3:     "GTA 3 Admission",
	}
)

type tabID int

const (
	tabTwin tabID = iota
	tabAdvisor
	tabActivity
	tabSettings
	tabHelp
	tabCount
)

type runtimeSettings struct {
	sliderStep  float64
	healthPoll  int // seconds, 0 disables
	showDiagram bool
	followChat  bool
}

// dashboardDeps is everything the model talks to. The model only reads the pipeline and
// session through their thread-safe accessors; all mutations go through the store or a Cmd.
type dashboardDeps struct {
	ctx     context.Context
	store   *inputs.Store
	twin    *twin.Pipeline
	session *advisory.Session
	status  statusSource
	events  <-chan tea.Msg
	apiURL  string
	log     logrus.FieldLogger
}

type model struct {
	dashboardDeps
	settings runtimeSettings

	snapshot    twin.Snapshot
	hasSnapshot bool
	lastSimErr  error
	oracle      oracleStatus
	oracleErr   error
	oracleKnown bool

	statusLine     string
	logs           []string
	activeTab      tabID
	fieldIndex     int
	settingsIndex  int
	editing        bool
	optimizing     bool
	checkingHealth bool
	quitConfirm    bool

	width  int
	height int

	input      textinput.Model
	transcript viewport.Model
	activity   viewport.Model
	spinner    spinner.Model

	theme uiTheme
}

type twinEventMsg struct {
	event twin.Event
}

type chatDoneMsg struct {
	err error
}

type optimizeDoneMsg struct {
	suggestion oracle.Suggestion
	err        error
}

type healthDoneMsg struct {
	status oracleStatus
	err    error
}

type tickMsg time.Time

func newModel(deps dashboardDeps, cfg *config.Config) model {
	if deps.ctx == nil {
		deps.ctx = context.Background()
	}
	if deps.log == nil {
		deps.log = logrus.StandardLogger()
	}
	input := textinput.New()
	input.Prompt = "❯ "
	input.CharLimit = 2000
	input.Placeholder = "Ask the plant advisor. Enter sends."

	sp := spinner.New()
	sp.Spinner = spinner.Points
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#05ffa1"))

	transcript := viewport.New(0, 0)
	transcript.MouseWheelEnabled = true
	transcript.MouseWheelDelta = 4
	activity := viewport.New(0, 0)
	activity.MouseWheelEnabled = true
	activity.MouseWheelDelta = 4

	m := model{
		dashboardDeps: deps,
		settings: runtimeSettings{
			sliderStep:  cfg.SliderStep,
			healthPoll:  30,
			showDiagram: true,
			followChat:  true,
		},
		statusLine: "connecting to " + deps.apiURL + "...",
		logs:       []string{},
		activeTab:  tabTwin,
		input:      input,
		transcript: transcript,
		activity:   activity,
		spinner:    sp,
		theme:      newTheme(),
	}
	m.appendLog(fmt.Sprintf("dashboard started · api=%s · debounce=%s", deps.apiURL, cfg.Debounce))
	return m
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		waitBusMsg(m.events),
		m.healthCmd(),
		tickEvery(m.healthInterval()),
	)
}

func (m model) healthInterval() time.Duration {
	if m.settings.healthPoll <= 0 {
		return time.Minute
	}
	return time.Duration(m.settings.healthPoll) * time.Second
}

func tickEvery(interval time.Duration) tea.Cmd {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// waitBusMsg blocks on the pipeline event channel; every handled event re-arms it.
func waitBusMsg(ch <-chan tea.Msg) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return nil
		}
		return msg
	}
}

// forwardEvents adapts pipeline events to program messages. It gives up once done is
// closed so a stopped program never blocks the pipeline.
func forwardEvents(out chan<- tea.Msg, done <-chan struct{}) func(twin.Event) {
	return func(ev twin.Event) {
		select {
		case out <- twinEventMsg{event: ev}:
		case <-done:
		}
	}
}

func (m model) chatCmd(prompt string) tea.Cmd {
	ctx, session := m.ctx, m.session
	return func() tea.Msg {
		return chatDoneMsg{err: session.Chat(ctx, prompt)}
	}
}

func (m model) optimizeCmd(sp plant.Setpoints) tea.Cmd {
	ctx, session := m.ctx, m.session
	return func() tea.Msg {
		sg, err := session.Optimize(ctx, sp)
		return optimizeDoneMsg{suggestion: sg, err: err}
	}
}

func (m model) healthCmd() tea.Cmd {
	if m.status == nil {
		return nil
	}
	ctx, src := m.ctx, m.status
	return func() tea.Msg {
		st, err := fetchStatus(ctx, src)
		return healthDoneMsg{status: st, err: err}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	switch msg := msg.(type) {
	case twinEventMsg:
		m.applyTwinEvent(msg.event)
		cmds = append(cmds, waitBusMsg(m.events))
	case chatDoneMsg:
		switch {
		case errors.Is(msg.err, advisory.ErrEmptyPrompt):
		case msg.err != nil:
			m.logError(msg.err)
		default:
			m.statusLine = "advisor replied"
		}
		m.renderPanes()
	case optimizeDoneMsg:
		m.optimizing = false
		if msg.err != nil {
			m.logError(msg.err)
			m.statusLine = "optimization failed: " + compactSingleLine(msg.err.Error(), 140)
			break
		}
		m.statusLine = fmt.Sprintf("optimization ready · potential gain +%.2f MW · press a to apply", msg.suggestion.PotentialGain)
		m.appendLog(m.statusLine)
		m.renderPanes()
	case healthDoneMsg:
		m.checkingHealth = false
		m.oracleKnown = true
		m.oracleErr = msg.err
		if msg.err != nil {
			m.appendLog("oracle status check failed: " + compactSingleLine(msg.err.Error(), 160))
			break
		}
		if m.oracle.Health.Status != msg.status.Health.Status || m.oracle.Health.ModelLoaded != msg.status.Health.ModelLoaded {
			m.appendLog(fmt.Sprintf("oracle %s · model loaded=%t", nullCoalesce(msg.status.Health.Status, "unknown"), msg.status.Health.ModelLoaded))
		}
		m.oracle = msg.status
	case tickMsg:
		if m.settings.healthPoll > 0 && !m.checkingHealth && m.status != nil {
			m.checkingHealth = true
			cmds = append(cmds, m.healthCmd())
		}
		cmds = append(cmds, tickEvery(m.healthInterval()))
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		m.renderPanes()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		if m.session != nil && m.session.Loading() {
			m.renderPanes()
		}
		cmds = append(cmds, cmd)
	case tea.MouseMsg:
		if m.quitConfirm {
			break
		}
		var cmd tea.Cmd
		switch m.activeTab {
		case tabAdvisor:
			m.transcript, cmd = m.transcript.Update(msg)
		case tabActivity:
			m.activity, cmd = m.activity.Update(msg)
		}
		cmds = append(cmds, cmd)
	case tea.KeyMsg:
		return m.handleKey(msg, cmds)
	}
	return m, tea.Batch(cmds...)
}

func (m model) handleKey(msg tea.KeyMsg, cmds []tea.Cmd) (tea.Model, tea.Cmd) {
	key := msg.String()
	if key == "ctrl+c" {
		return m, tea.Quit
	}
	if m.quitConfirm {
		switch key {
		case "y", "Y", "enter":
			return m, tea.Quit
		case "n", "N", "esc":
			m.quitConfirm = false
			m.statusLine = "quit canceled"
		}
		return m, tea.Batch(cmds...)
	}
	if m.editing {
		switch key {
		case "esc":
			m.endEditing()
			m.statusLine = "edit canceled"
		case "enter":
			field := plant.Fields[m.fieldIndex]
			raw := m.input.Value()
			m.endEditing()
			if _, err := m.store.SetString(field, raw); err != nil {
				m.logError(err)
			} else {
				m.statusLine = fmt.Sprintf("%s set to %s", fieldLabels[field], strings.TrimSpace(raw))
			}
		default:
			var cmd tea.Cmd
			m.input, cmd = m.input.Update(msg)
			cmds = append(cmds, cmd)
		}
		return m, tea.Batch(cmds...)
	}

	switch key {
	case "esc":
		m.beginQuitConfirm()
		return m, tea.Batch(cmds...)
	case "tab":
		m.switchTab((m.activeTab + 1) % tabCount)
		return m, tea.Batch(cmds...)
	case "shift+tab":
		m.switchTab((m.activeTab + tabCount - 1) % tabCount)
		return m, tea.Batch(cmds...)
	case "ctrl+o":
		cmds = append(cmds, m.startOptimize())
		return m, tea.Batch(cmds...)
	}

	switch m.activeTab {
	case tabTwin:
		switch key {
		case "up", "k":
			m.fieldIndex = maxInt(0, m.fieldIndex-1)
		case "down", "j":
			m.fieldIndex = minInt(len(plant.Fields)-1, m.fieldIndex+1)
		case "left", "h", "-":
			m.nudgeSelected(-m.settings.sliderStep)
		case "right", "l", "+", "=":
			m.nudgeSelected(m.settings.sliderStep)
		case "[":
			m.nudgeSelected(-fineStep)
		case "]":
			m.nudgeSelected(fineStep)
		case "enter", "e":
			m.beginEditing()
		case "o":
			cmds = append(cmds, m.startOptimize())
		case "a":
			m.applySuggestion()
		case "r":
			m.twin.Resync()
			m.statusLine = "re-simulating current setpoints"
		case "d":
			m.settings.showDiagram = !m.settings.showDiagram
		case "q":
			m.beginQuitConfirm()
		}
	case tabAdvisor:
		switch key {
		case "enter":
			prompt := strings.TrimSpace(m.input.Value())
			if prompt == "" {
				return m, tea.Batch(cmds...)
			}
			m.input.SetValue("")
			m.statusLine = "asking advisor..."
			cmds = append(cmds, m.chatCmd(prompt))
		case "pgup", "ctrl+b":
			m.transcript.LineUp(8)
		case "pgdown", "ctrl+f":
			m.transcript.LineDown(8)
		case "home":
			m.transcript.GotoTop()
		case "end":
			m.transcript.GotoBottom()
		default:
			var cmd tea.Cmd
			m.input, cmd = m.input.Update(msg)
			cmds = append(cmds, cmd)
		}
	case tabActivity:
		switch key {
		case "pgup", "k", "up":
			m.activity.LineUp(4)
		case "pgdown", "j", "down":
			m.activity.LineDown(4)
		case "q":
			m.beginQuitConfirm()
		}
	case tabSettings:
		switch key {
		case "up", "k":
			m.settingsIndex = maxInt(0, m.settingsIndex-1)
		case "down", "j":
			m.settingsIndex = minInt(m.maxSettingsIndex(), m.settingsIndex+1)
		case "left", "h", "-":
			m.adjustSetting(-1)
		case "right", "l", "+":
			m.adjustSetting(1)
		case "q":
			m.beginQuitConfirm()
		}
	case tabHelp:
		if key == "q" {
			m.beginQuitConfirm()
		}
	}
	return m, tea.Batch(cmds...)
}

func (m *model) applyTwinEvent(ev twin.Event) {
	switch ev.Kind {
	case twin.EventApplied:
		if m.hasSnapshot && ev.Seq <= m.snapshot.Seq {
			m.appendLog(fmt.Sprintf("simulation %d ignored; showing %d already", ev.Seq, m.snapshot.Seq))
			return
		}
		m.snapshot = ev.Snapshot
		m.hasSnapshot = true
		m.lastSimErr = nil
		critical, warning := alerts.Counts(ev.Snapshot.Alerts)
		m.statusLine = fmt.Sprintf("plant updated · seq=%d · %d critical · %d warning", ev.Seq, critical, warning)
		m.appendLog(fmt.Sprintf("simulation %d applied for %s", ev.Seq, ev.Setpoints))
	case twin.EventFailed:
		m.lastSimErr = ev.Err
		m.logError(fmt.Errorf("simulation %d failed: %w", ev.Seq, ev.Err))
	case twin.EventStale:
		m.appendLog(fmt.Sprintf("simulation %d arrived after a newer result and was dropped", ev.Seq))
	}
	m.renderPanes()
}

func (m *model) switchTab(tab tabID) {
	m.activeTab = tab
	if tab == tabAdvisor {
		m.input.Placeholder = "Ask the plant advisor. Enter sends."
		m.input.Focus()
	} else {
		m.input.Blur()
	}
	m.renderPanes()
}

func (m *model) nudgeSelected(delta float64) {
	field := plant.Fields[m.fieldIndex]
	sp, err := m.store.Nudge(field, delta)
	if err != nil {
		m.logError(err)
		return
	}
	v, _ := sp.Get(field)
	m.statusLine = fmt.Sprintf("%s → %s T/h", fieldLabels[field], formatFixed(v, 0))
}

func (m *model) beginEditing() {
	field := plant.Fields[m.fieldIndex]
	v, _ := m.store.Snapshot().Get(field)
	m.editing = true
	m.input.Placeholder = fmt.Sprintf("%s (%v..%v)", fieldLabels[field], plant.SetpointMin, plant.SetpointMax)
	m.input.SetValue(formatFixed(v, 0))
	m.input.CursorEnd()
	m.input.Focus()
	m.statusLine = "editing " + fieldLabels[field] + " · Enter applies · Esc cancels"
}

func (m *model) endEditing() {
	m.editing = false
	m.input.SetValue("")
	m.input.Blur()
}

func (m *model) startOptimize() tea.Cmd {
	if m.optimizing {
		m.statusLine = "optimization already running"
		return nil
	}
	m.optimizing = true
	m.statusLine = "requesting optimization..."
	return m.optimizeCmd(m.store.Snapshot())
}

// applySuggestion moves the admission setpoints to the last suggestion's optimum. The
// sulfur feed is left where the operator put it.
func (m *model) applySuggestion() {
	sg, ok := m.session.LastSuggestion()
	if !ok {
		m.statusLine = "no optimization to apply · press o first"
		return
	}
	next, err := advisory.OptimalSetpoints(sg, m.store.Snapshot().SulfurIn)
	if err != nil {
		m.logError(err)
		return
	}
	applied, err := m.store.Replace(next)
	if err != nil {
		m.logError(err)
		return
	}
	m.statusLine = "applied optimization · " + applied.String()
	m.appendLog(m.statusLine)
}

func (m *model) beginQuitConfirm() {
	m.quitConfirm = true
	m.statusLine = "quit the twin dashboard?"
}

func (m *model) maxSettingsIndex() int {
	return 3
}

func (m *model) adjustSetting(delta int) {
	if delta == 0 {
		return
	}
	switch m.settingsIndex {
	case 0:
		m.settings.sliderStep = cycleOption(sliderSteps, m.settings.sliderStep, delta)
	case 1:
		m.settings.healthPoll = cycleOption(healthPolls, m.settings.healthPoll, delta)
	case 2:
		m.settings.showDiagram = !m.settings.showDiagram
	case 3:
		m.settings.followChat = !m.settings.followChat
	}
	m.renderPanes()
	m.statusLine = "settings updated"
}

func (m *model) appendLog(line string) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return
	}
	m.logs = append(m.logs, fmt.Sprintf("%s %s", time.Now().Format("15:04:05"), compactSingleLine(trimmed, 220)))
	if len(m.logs) > activityLogSize {
		m.logs = m.logs[len(m.logs)-activityLogSize:]
	}
}

func (m *model) logError(err error) {
	if err == nil {
		return
	}
	m.log.WithError(err).Warn("dashboard error")
	m.appendLog("error: " + err.Error())
	m.statusLine = "error: " + compactSingleLine(err.Error(), 160)
}

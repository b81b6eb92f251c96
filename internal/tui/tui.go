// Package tui provides a terminal user interface for task management.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"xtodo/backend"
	"xtodo/internal/session"
	"xtodo/internal/tasks"
	"xtodo/internal/theme"
	"xtodo/internal/utils"
)

// Screen is the top-level view, derived from the session status.
type Screen int

const (
	ScreenLoading Screen = iota
	ScreenLogin
	ScreenTasks
)

// Mode indicates the current input mode of the task screen
type Mode int

const (
	ModeNormal Mode = iota
	ModeAdd
	ModeConfirmDelete
)

const (
	fieldEmail = iota
	fieldPassword
)

// Model represents the TUI state
type Model struct {
	ctx     context.Context
	session *session.Manager
	store   *tasks.Store
	theme   *theme.Preference

	// Updates from session and store observers, forwarded as tea messages.
	events    chan tea.Msg
	done      chan struct{}
	closeOnce sync.Once
	stops     []func()

	// Data
	state  session.State
	snap   tasks.Snapshot
	cursor int

	// Login form
	email    textinput.Model
	password textinput.Model
	field    int
	formErr  string
	busy     bool

	// Task screen
	mode      Mode
	textInput textinput.Model
	pending   *backend.Task // target of the delete dialog
	status    string

	spinner spinner.Model

	// UI dimensions
	width  int
	height int

	// Styles
	titleStyle     lipgloss.Style
	selectedStyle  lipgloss.Style
	completedStyle lipgloss.Style
	errorStyle     lipgloss.Style
	helpStyle      lipgloss.Style
	dialogStyle    lipgloss.Style
	statusBarStyle lipgloss.Style
}

// Message types
type sessionMsg struct {
	state session.State
}

type snapshotMsg struct {
	snap tasks.Snapshot
}

type authDoneMsg struct {
	err error
}

type writeDoneMsg struct {
	op  string
	err error
}

type signedOutMsg struct {
	err error
}

// New creates a new TUI model. Observers are registered by Init and released
// by Close.
func New(ctx context.Context, sess *session.Manager, store *tasks.Store, pref *theme.Preference) *Model {
	if ctx == nil {
		ctx = context.Background()
	}

	email := textinput.New()
	email.Placeholder = "you@example.com"
	email.Prompt = "Email:    "
	email.CharLimit = 254

	password := textinput.New()
	password.Placeholder = "password"
	password.Prompt = "Password: "
	password.EchoMode = textinput.EchoPassword
	password.EchoCharacter = '•'
	password.CharLimit = 128

	ti := textinput.New()
	ti.Placeholder = "What needs to be done?"
	ti.Prompt = "> "
	ti.CharLimit = 256

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	return &Model{
		ctx:       ctx,
		session:   sess,
		store:     store,
		theme:     pref,
		events:    make(chan tea.Msg, 64),
		done:      make(chan struct{}),
		email:     email,
		password:  password,
		textInput: ti,
		spinner:   sp,
		width:     80,
		height:    24,
		titleStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.AdaptiveColor{Light: "#5A3FC0", Dark: "#B6A4FF"}),
		selectedStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.AdaptiveColor{Light: "161", Dark: "212"}),
		completedStyle: lipgloss.NewStyle().
			Strikethrough(true).
			Foreground(lipgloss.AdaptiveColor{Light: "248", Dark: "240"}),
		errorStyle: lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "160", Dark: "203"}),
		helpStyle: lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "245", Dark: "241"}),
		dialogStyle: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.AdaptiveColor{Light: "99", Dark: "62"}).
			Padding(1, 2),
		statusBarStyle: lipgloss.NewStyle().
			Background(lipgloss.AdaptiveColor{Light: "254", Dark: "236"}).
			Foreground(lipgloss.AdaptiveColor{Light: "236", Dark: "252"}).
			Padding(0, 1),
	}
}

// Run starts the interface and blocks until the user quits.
func Run(ctx context.Context, sess *session.Manager, store *tasks.Store, pref *theme.Preference, opts ...tea.ProgramOption) error {
	m := New(ctx, sess, store, pref)
	defer m.Close()

	opts = append([]tea.ProgramOption{tea.WithAltScreen(), tea.WithContext(ctx)}, opts...)
	_, err := tea.NewProgram(m, opts...).Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// Close unregisters the observers. It is safe to call more than once.
func (m *Model) Close() {
	m.closeOnce.Do(func() {
		close(m.done)
		for _, stop := range m.stops {
			stop()
		}
	})
}

// post hands a message to the program without blocking past Close.
func (m *Model) post(msg tea.Msg) {
	select {
	case m.events <- msg:
	case <-m.done:
	}
}

// Init registers the observers and starts the spinner
func (m *Model) Init() tea.Cmd {
	m.stops = append(m.stops,
		m.session.Observe(func(st session.State) { m.post(sessionMsg{st}) }),
		m.store.Subscribe(func(snap tasks.Snapshot) { m.post(snapshotMsg{snap}) }),
	)
	return tea.Batch(m.spinner.Tick, m.waitForEvent())
}

func (m *Model) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		select {
		case msg := <-m.events:
			return msg
		case <-m.done:
			return nil
		}
	}
}

// Screen reports which top-level view is showing.
func (m *Model) Screen() Screen {
	switch m.state.Status {
	case session.StatusPresent:
		return ScreenTasks
	case session.StatusAbsent:
		return ScreenLogin
	default:
		return ScreenLoading
	}
}

func (m *Model) selected() (backend.Task, bool) {
	if m.cursor < 0 || m.cursor >= len(m.snap.Tasks) {
		return backend.Task{}, false
	}
	return m.snap.Tasks[m.cursor], true
}

// Commands

func (m *Model) signIn(email, password string) tea.Cmd {
	return func() tea.Msg {
		_, err := m.session.SignIn(m.ctx, email, password)
		return authDoneMsg{err}
	}
}

func (m *Model) register(email, password string) tea.Cmd {
	return func() tea.Msg {
		_, err := m.session.Register(m.ctx, email, password)
		return authDoneMsg{err}
	}
}

func (m *Model) signInWithGoogle() tea.Cmd {
	return func() tea.Msg {
		_, err := m.session.SignInWithFederatedProvider(m.ctx)
		return authDoneMsg{err}
	}
}

func (m *Model) signOut() tea.Cmd {
	return func() tea.Msg {
		return signedOutMsg{m.session.SignOut(m.ctx)}
	}
}

func (m *Model) createTask(text string) tea.Cmd {
	return func() tea.Msg {
		_, err := m.store.CreateTask(m.ctx, text)
		return writeDoneMsg{"create", err}
	}
}

func (m *Model) toggleTask(t backend.Task) tea.Cmd {
	return func() tea.Msg {
		return writeDoneMsg{"toggle", m.store.ToggleTask(m.ctx, t.ID, t.Completed)}
	}
}

// deleteTask runs after the dialog was answered yes, so the store's own
// confirmation is pre-approved.
func (m *Model) deleteTask(t backend.Task) tea.Cmd {
	return func() tea.Msg {
		return writeDoneMsg{"delete", m.store.DeleteTask(m.ctx, t.ID, tasks.AlwaysConfirm)}
	}
}

// Update handles messages
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case sessionMsg:
		m.applySession(msg.state)
		return m, tea.Batch(m.waitForEvent(), m.focusCmd())

	case snapshotMsg:
		m.snap = msg.snap
		if m.cursor >= len(m.snap.Tasks) {
			m.cursor = len(m.snap.Tasks) - 1
		}
		if m.cursor < 0 {
			m.cursor = 0
		}
		return m, m.waitForEvent()

	case authDoneMsg:
		m.busy = false
		switch {
		case msg.err == nil:
			m.formErr = ""
			m.password.SetValue("")
		case errors.Is(msg.err, backend.ErrCancelled):
			m.formErr = ""
		default:
			m.formErr = msg.err.Error()
			utils.GetLogger().Debug("sign in failed", "component", "tui", "err", msg.err)
		}
		return m, nil

	case signedOutMsg:
		if msg.err != nil {
			m.status = "Sign out: " + msg.err.Error()
		}
		return m, nil

	case writeDoneMsg:
		// Failures reach the view through the snapshot.
		if msg.err != nil {
			utils.GetLogger().Debug("write failed", "component", "tui", "op", msg.op, "err", msg.err)
		}
		return m, nil

	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC {
			m.Close()
			return m, tea.Quit
		}
		switch m.Screen() {
		case ScreenLogin:
			return m.handleLoginKeys(msg)
		case ScreenTasks:
			switch m.mode {
			case ModeAdd:
				return m.handleAddMode(msg)
			case ModeConfirmDelete:
				return m.handleConfirmDeleteMode(msg)
			default:
				return m.handleNormalMode(msg)
			}
		default:
			if msg.String() == "q" || msg.Type == tea.KeyEsc {
				m.Close()
				return m, tea.Quit
			}
		}
	}

	return m, nil
}

func (m *Model) applySession(st session.State) {
	prev := m.state
	m.state = st
	if st.Status == prev.Status && (st.User == nil) == (prev.User == nil) &&
		(st.User == nil || st.User.UID == prev.User.UID) {
		return
	}
	// A new session starts with a clean screen.
	m.mode = ModeNormal
	m.cursor = 0
	m.pending = nil
	m.status = ""
	m.textInput.Reset()
	m.textInput.Blur()
	if st.Status == session.StatusAbsent {
		m.field = fieldEmail
		m.password.SetValue("")
		m.password.Blur()
	}
}

func (m *Model) focusCmd() tea.Cmd {
	if m.Screen() != ScreenLogin {
		return nil
	}
	if m.field == fieldPassword {
		m.email.Blur()
		return m.password.Focus()
	}
	m.password.Blur()
	return m.email.Focus()
}

func (m *Model) handleLoginKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc:
		m.Close()
		return m, tea.Quit
	case tea.KeyTab, tea.KeyShiftTab, tea.KeyUp, tea.KeyDown:
		m.field = 1 - m.field
		return m, m.focusCmd()
	}

	if m.busy {
		return m, nil
	}

	switch msg.String() {
	case "enter":
		if m.field == fieldEmail && m.password.Value() == "" {
			m.field = fieldPassword
			return m, m.focusCmd()
		}
		return m.submitLogin(false)
	case "ctrl+n":
		return m.submitLogin(true)
	case "ctrl+g":
		m.busy = true
		m.formErr = ""
		return m, m.signInWithGoogle()
	}

	var cmd tea.Cmd
	if m.field == fieldPassword {
		m.password, cmd = m.password.Update(msg)
	} else {
		m.email, cmd = m.email.Update(msg)
	}
	return m, cmd
}

func (m *Model) submitLogin(register bool) (tea.Model, tea.Cmd) {
	email := strings.TrimSpace(m.email.Value())
	password := m.password.Value()
	if err := utils.ValidateCredentials(email, password); err != nil {
		m.formErr = err.Error()
		return m, nil
	}
	m.busy = true
	m.formErr = ""
	if register {
		return m, m.register(email, password)
	}
	return m, m.signIn(email, password)
}

func (m *Model) handleNormalMode(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q":
		m.Close()
		return m, tea.Quit
	case "j", "down":
		if m.cursor < len(m.snap.Tasks)-1 {
			m.cursor++
		}
	case "k", "up":
		if m.cursor > 0 {
			m.cursor--
		}
	case "g", "home":
		m.cursor = 0
	case "G", "end":
		if n := len(m.snap.Tasks); n > 0 {
			m.cursor = n - 1
		}
	case "a", "enter":
		m.mode = ModeAdd
		m.textInput.Reset()
		return m, m.textInput.Focus()
	case " ", "x":
		if t, ok := m.selected(); ok {
			return m, m.toggleTask(t)
		}
	case "d":
		if t, ok := m.selected(); ok {
			m.pending = &t
			m.mode = ModeConfirmDelete
		}
	case "t":
		if _, err := m.theme.Toggle(); err != nil {
			m.status = "Theme not saved: " + err.Error()
		}
	case "L":
		return m, m.signOut()
	case "esc":
		m.status = ""
		return m, func() tea.Msg {
			m.store.DismissError()
			return nil
		}
	}
	return m, nil
}

func (m *Model) handleAddMode(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc:
		m.mode = ModeNormal
		m.textInput.Blur()
		return m, nil
	case tea.KeyEnter:
		text := m.textInput.Value()
		m.mode = ModeNormal
		m.textInput.Reset()
		m.textInput.Blur()
		if utils.NormalizeTaskText(text) == "" {
			return m, nil
		}
		m.cursor = 0
		return m, m.createTask(text)
	}

	var cmd tea.Cmd
	m.textInput, cmd = m.textInput.Update(msg)
	return m, cmd
}

func (m *Model) handleConfirmDeleteMode(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "y", "Y":
		t := m.pending
		m.pending = nil
		m.mode = ModeNormal
		if t != nil {
			return m, m.deleteTask(*t)
		}
	case "n", "N", "esc":
		m.pending = nil
		m.mode = ModeNormal
	}
	return m, nil
}

// View renders the TUI
func (m *Model) View() string {
	switch m.Screen() {
	case ScreenLogin:
		return m.renderLogin()
	case ScreenTasks:
		if m.mode == ModeConfirmDelete {
			return m.renderConfirmDeleteDialog()
		}
		return m.renderTasks()
	default:
		return fmt.Sprintf("\n  %s Loading...\n", m.spinner.View())
	}
}

func (m *Model) renderLogin() string {
	var b strings.Builder
	b.WriteString(m.titleStyle.Render("xtodo"))
	b.WriteString("\n\n")
	b.WriteString("Sign in to manage your tasks\n\n")
	b.WriteString(m.email.View())
	b.WriteString("\n")
	b.WriteString(m.password.View())
	b.WriteString("\n\n")
	if m.busy {
		b.WriteString(m.spinner.View() + " Signing in...\n")
	} else if m.formErr != "" {
		b.WriteString(m.errorStyle.Render(m.formErr))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(m.helpStyle.Render("enter: sign in • ctrl+n: sign up • ctrl+g: Google • tab: next field • esc: quit"))
	return m.centerDialog(m.dialogStyle.Render(b.String()))
}

func (m *Model) renderTasks() string {
	var b strings.Builder

	header := m.titleStyle.Render("xtodo")
	if u := m.state.User; u != nil {
		who := u.Email
		if who == "" {
			who = u.DisplayName
		}
		header += m.helpStyle.Render("  " + who)
	}
	b.WriteString(header)
	b.WriteString("\n\n")

	if m.mode == ModeAdd {
		b.WriteString(m.textInput.View())
		b.WriteString("\n\n")
	}

	switch {
	case m.snap.Loading:
		b.WriteString(m.spinner.View() + " Loading...\n")
	case len(m.snap.Tasks) == 0:
		b.WriteString(m.helpStyle.Render("No tasks yet. Add your first one!"))
		b.WriteString("\n")
	default:
		b.WriteString(m.renderTaskList())
	}

	b.WriteString("\n")
	b.WriteString(m.renderStatusBar())
	b.WriteString("\n")
	b.WriteString(m.renderHelp())
	return b.String()
}

func (m *Model) renderTaskList() string {
	// Keep the cursor visible when the list is taller than the window.
	visible := m.height - 8
	if visible < 1 {
		visible = 1
	}
	start := 0
	if m.cursor >= visible {
		start = m.cursor - visible + 1
	}
	end := start + visible
	if end > len(m.snap.Tasks) {
		end = len(m.snap.Tasks)
	}

	var b strings.Builder
	for i := start; i < end; i++ {
		t := m.snap.Tasks[i]
		box := "[ ]"
		if t.Completed {
			box = "[x]"
		}
		line := box + " " + t.Text
		switch {
		case i == m.cursor:
			line = m.selectedStyle.Render("> " + line)
		case t.Completed:
			line = "  " + m.completedStyle.Render(line)
		default:
			line = "  " + line
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

func (m *Model) renderStatusBar() string {
	if m.snap.Err != nil {
		return m.errorStyle.Render("Error: "+m.snap.Err.Error()) + m.helpStyle.Render("  (esc to dismiss)")
	}
	if m.status != "" {
		return m.errorStyle.Render(m.status)
	}
	done := 0
	for _, t := range m.snap.Tasks {
		if t.Completed {
			done++
		}
	}
	return m.statusBarStyle.Render(fmt.Sprintf("%d tasks, %d done • theme: %s", len(m.snap.Tasks), done, m.themeLabel()))
}

func (m *Model) themeLabel() string {
	label := "light"
	if m.theme.IsDark() {
		label = "dark"
	}
	if m.theme.Mode() == theme.ModeSystem {
		label += " (system)"
	}
	return label
}

func (m *Model) renderHelp() string {
	switch m.mode {
	case ModeAdd:
		return m.helpStyle.Render("enter: save • esc: cancel")
	default:
		return m.helpStyle.Render("a: add • space: toggle • d: delete • j/k: move • t: theme • L: sign out • q: quit")
	}
}

func (m *Model) renderConfirmDeleteDialog() string {
	text := tasks.DeletePrompt
	if m.pending != nil {
		text += "\n\n" + m.pending.Text
	}
	dialog := m.dialogStyle.Render(
		text + "\n\n" +
			m.helpStyle.Render("y: yes  n: no"),
	)
	return m.centerDialog(dialog)
}

func (m *Model) centerDialog(dialog string) string {
	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, dialog)
}

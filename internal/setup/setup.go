// Package setup is the interactive onboarding wizard: it collects account
// credentials and policy defaults and writes the initial config file.
package setup

import (
	"fmt"
	"strconv"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/meszmate/xmppgate/internal/config"
	"github.com/meszmate/xmppgate/internal/jidutil"
)

// step identifies the wizard screen.
type step int

const (
	stepJID step = iota
	stepPassword
	stepHost
	stepPort
	stepTLS
	stepDMPolicy
	stepRooms
	stepDone
)

// field describes one prompt.
type field struct {
	title   string
	help    string
	secret  bool
	initial string
}

var fields = map[step]field{
	stepJID:      {title: "Account JID", help: "Bare JID the gateway signs in as, e.g. agent@example.com"},
	stepPassword: {title: "Password", help: "Stored in the config file; prefer password_file or XMPP_PASSWORD for production", secret: true},
	stepHost:     {title: "Server host", help: "Leave empty to use the JID domain"},
	stepPort:     {title: "Server port", help: "Leave empty for 5222", initial: ""},
	stepTLS:      {title: "Use STARTTLS? (y/n)", help: "Answer n only for local test servers", initial: "y"},
	stepDMPolicy: {title: "DM policy", help: "pairing, allowlist, open or disabled", initial: config.DMPolicyPairing},
	stepRooms:    {title: "Rooms to auto-join", help: "Comma-separated room JIDs, e.g. den@conference.example.com (optional)"},
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	inputStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("15"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	doneStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	cursorStyle = lipgloss.NewStyle().Reverse(true)
)

// Model is the wizard's Bubble Tea model.
type Model struct {
	configPath string

	step      step
	input     string
	cursorPos int
	answers   map[step]string
	errMsg    string
	saveErr   error
	quitting  bool
}

// NewModel builds the wizard for the given config path.
func NewModel(configPath string) Model {
	return Model{
		configPath: configPath,
		input:      fields[stepJID].initial,
		answers:    make(map[step]string),
	}
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}

	switch key.Type {
	case tea.KeyCtrlC, tea.KeyEsc:
		m.quitting = true
		return m, tea.Quit

	case tea.KeyEnter:
		if m.step == stepDone {
			return m, tea.Quit
		}
		value := strings.TrimSpace(m.input)
		if err := m.validate(value); err != nil {
			m.errMsg = err.Error()
			return m, nil
		}
		m.answers[m.step] = value
		m.errMsg = ""
		m.step++
		m.input = fields[m.step].initial
		m.cursorPos = len(m.input)
		if m.step == stepDone {
			m.saveErr = m.save()
			return m, nil
		}
		return m, nil

	case tea.KeyBackspace:
		if m.cursorPos > 0 {
			m.input = m.input[:m.cursorPos-1] + m.input[m.cursorPos:]
			m.cursorPos--
		}
		return m, nil

	case tea.KeyLeft:
		if m.cursorPos > 0 {
			m.cursorPos--
		}
		return m, nil

	case tea.KeyRight:
		if m.cursorPos < len(m.input) {
			m.cursorPos++
		}
		return m, nil

	case tea.KeyRunes, tea.KeySpace:
		s := string(key.Runes)
		if key.Type == tea.KeySpace {
			s = " "
		}
		m.input = m.input[:m.cursorPos] + s + m.input[m.cursorPos:]
		m.cursorPos += len(s)
		return m, nil
	}

	return m, nil
}

// validate checks the current answer before advancing.
func (m Model) validate(value string) error {
	switch m.step {
	case stepJID:
		if _, ok := jidutil.Normalize(value); !ok {
			return fmt.Errorf("enter a bare JID like agent@example.com")
		}
	case stepPassword:
		if value == "" {
			return fmt.Errorf("password must not be empty")
		}
	case stepPort:
		if value == "" {
			return nil
		}
		if _, err := strconv.Atoi(value); err != nil {
			return fmt.Errorf("port must be a number")
		}
	case stepTLS:
		switch strings.ToLower(value) {
		case "y", "yes", "n", "no", "":
		default:
			return fmt.Errorf("answer y or n")
		}
	case stepDMPolicy:
		switch value {
		case config.DMPolicyPairing, config.DMPolicyAllowlist, config.DMPolicyOpen, config.DMPolicyDisabled, "":
		default:
			return fmt.Errorf("one of: pairing, allowlist, open, disabled")
		}
	case stepRooms:
		for _, r := range splitRooms(value) {
			if _, ok := jidutil.Normalize(r); !ok {
				return fmt.Errorf("invalid room JID: %s", r)
			}
		}
	}
	return nil
}

// save assembles and writes the config file.
func (m Model) save() error {
	cfg := config.DefaultConfig()
	x := &cfg.Channels.XMPP

	bare, _ := jidutil.Normalize(m.answers[stepJID])
	x.JID = bare
	x.Password = m.answers[stepPassword]
	x.Host = m.answers[stepHost]
	if p := m.answers[stepPort]; p != "" {
		x.Port, _ = strconv.Atoi(p)
	}
	if tls := strings.ToLower(m.answers[stepTLS]); tls == "n" || tls == "no" {
		off := false
		x.TLS = &off
	}
	if policy := m.answers[stepDMPolicy]; policy != "" {
		x.DMPolicy = policy
	}
	if x.DMPolicy == config.DMPolicyOpen {
		x.AllowFrom = []string{"*"}
	}
	x.AutoJoinRooms = splitRooms(m.answers[stepRooms])

	return config.Save(cfg, m.configPath)
}

func splitRooms(s string) []string {
	var out []string
	for _, r := range strings.Split(s, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("xmppgate setup") + "\n\n")

	if m.step == stepDone {
		if m.saveErr != nil {
			b.WriteString(errorStyle.Render("Failed to write config: "+m.saveErr.Error()) + "\n")
		} else {
			b.WriteString(doneStyle.Render("Config written to "+m.configPath) + "\n")
			b.WriteString(helpStyle.Render("Start the gateway with: xmppgate") + "\n")
		}
		b.WriteString(helpStyle.Render("\nPress enter to exit."))
		return b.String()
	}

	f := fields[m.step]
	b.WriteString(titleStyle.Render(f.title) + "\n")
	b.WriteString(helpStyle.Render(f.help) + "\n\n")

	shown := m.input
	if f.secret {
		shown = strings.Repeat("*", len(m.input))
	}
	before := shown[:m.cursorPos]
	at := " "
	after := ""
	if m.cursorPos < len(shown) {
		at = string(shown[m.cursorPos])
		after = shown[m.cursorPos+1:]
	}
	b.WriteString("> " + inputStyle.Render(before) + cursorStyle.Render(at) + inputStyle.Render(after) + "\n")

	if m.errMsg != "" {
		b.WriteString("\n" + errorStyle.Render(m.errMsg) + "\n")
	}
	b.WriteString("\n" + helpStyle.Render("enter: next · esc: quit"))
	return b.String()
}

// Run executes the wizard.
func Run(configPath string) error {
	p := tea.NewProgram(NewModel(configPath))
	_, err := p.Run()
	return err
}

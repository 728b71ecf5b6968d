package cmd

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"caflz/api/model"
	"caflz/cli/api"
	"caflz/cli/style"
)

var (
	deployAction      string
	deployAutoApprove bool
	deployWatch       bool
)

var deployCmd = &cobra.Command{
	Use:   "deploy <customer> <component>",
	Short: "Plan, deploy or destroy a customer component",
	Example: `  caflz deploy demo01 hub
  caflz deploy demo01 spoke-prod --action plan --watch
  caflz deploy demo01 management --action destroy --auto-approve`,
	Args: cobra.ExactArgs(2),
	RunE: runDeploy,
}

func init() {
	deployCmd.Flags().StringVar(&deployAction, "action", "deploy", "plan, deploy or destroy")
	deployCmd.Flags().BoolVar(&deployAutoApprove, "auto-approve", false, "apply without waiting for approval")
	deployCmd.Flags().BoolVarP(&deployWatch, "watch", "w", false, "follow progress until the deployment settles")
	rootCmd.AddCommand(deployCmd)
}

func runDeploy(cmd *cobra.Command, args []string) error {
	req := api.DeployRequest{
		CustomerID:  args[0],
		Component:   args[1],
		Action:      deployAction,
		AutoApprove: deployAutoApprove,
	}
	if _, err := model.ParseComponent(req.Component); err != nil {
		return err
	}
	if _, err := model.ParseAction(req.Action); err != nil {
		return err
	}

	if !deployWatch {
		a, err := client.Deploy(req)
		if err != nil {
			return err
		}
		fmt.Printf("%s deployment %d %s\n", style.DotWarning, a.DeploymentID, style.Status(string(a.Status)))
		fmt.Println(style.DimText.Render(fmt.Sprintf("  follow with: caflz status %d", a.DeploymentID)))
		return nil
	}

	p := tea.NewProgram(newWatchModel(req))
	final, err := p.Run()
	if err != nil {
		return err
	}
	wm := final.(watchModel)
	if wm.failed {
		return fmt.Errorf("%s failed", req.Action)
	}
	return nil
}

// --- Messages ---

type wsMsg struct {
	Type       string          `json:"type"`
	CustomerID string          `json:"customerId"`
	Payload    json.RawMessage `json:"payload"`
}

type deploymentUpdate struct{ d model.Deployment }
type watchStarted struct {
	id int64
	ch chan tea.Msg
}
type watchError struct{ err error }

// --- Model ---

type stepState struct {
	name   string
	status string // pending, running, completed, failed
}

type watchModel struct {
	req       api.DeployRequest
	spinner   spinner.Model
	id        int64
	d         *model.Deployment
	status    string // connecting, running, waiting, completed, failed, cancelled
	errMsg    string
	failed    bool
	startTime time.Time
	eventCh   chan tea.Msg
}

var actionSteps = map[string][]string{
	"deploy":  {"init", "validate", "plan", "apply", "output"},
	"plan":    {"init", "validate", "plan"},
	"destroy": {"init", "destroy"},
}

func newWatchModel(req api.DeployRequest) watchModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(style.Primary)
	return watchModel{
		req:       req,
		spinner:   s,
		status:    "connecting",
		startTime: time.Now(),
	}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, connectAndSubmit(m.req))
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			return m, tea.Quit
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case watchStarted:
		m.status = "running"
		m.id = msg.id
		m.eventCh = msg.ch
		return m, waitForEvent(m.eventCh)

	case deploymentUpdate:
		d := msg.d
		m.d = &d
		switch d.Status {
		case model.StatusCompleted:
			m.status = "completed"
			return m, tea.Quit
		case model.StatusFailed:
			m.status = "failed"
			m.errMsg = d.Error
			m.failed = true
			return m, tea.Quit
		case model.StatusCancelled:
			m.status = "cancelled"
			return m, tea.Quit
		case model.StatusPendingApproval:
			m.status = "waiting"
			return m, tea.Quit
		}
		return m, waitForEvent(m.eventCh)

	case watchError:
		m.status = "failed"
		m.errMsg = msg.err.Error()
		m.failed = true
		return m, tea.Quit
	}
	return m, nil
}

func (m watchModel) View() string {
	var b strings.Builder

	b.WriteString(style.Banner.Render("CAFLZ " + strings.ToUpper(m.req.Action)))
	b.WriteString("\n")
	b.WriteString(style.Key.Render("Customer"))
	b.WriteString(style.Bold.Render(m.req.CustomerID))
	b.WriteString("\n")
	b.WriteString(style.Key.Render("Component"))
	b.WriteString(style.ComponentBadge.Render(m.req.Component))
	b.WriteString("\n")
	if m.id != 0 {
		b.WriteString(style.Key.Render("Deployment"))
		b.WriteString(style.Val.Render(fmt.Sprintf("%d", m.id)))
		b.WriteString("\n")
	}
	b.WriteString("\n")

	for _, step := range stepStates(m.req.Action, m.d) {
		name := padRight(step.name, 12)
		switch step.status {
		case "pending":
			fmt.Fprintf(&b, "  %s %s\n", style.DimText.Render(name), style.DimText.Render("waiting"))
		case "running":
			fmt.Fprintf(&b, "  %s %s %s\n", style.StepRunning.Render(name), m.spinner.View(), style.StepRunning.Render("running"))
		case "completed":
			fmt.Fprintf(&b, "  %s %s\n", style.StepDone.Render(name), style.StepDone.Render("✓ done"))
		case "failed":
			fmt.Fprintf(&b, "  %s %s\n", style.StepFailed.Render(name), style.StepFailed.Render("✗ failed"))
		}
	}
	b.WriteString("\n")

	elapsed := time.Since(m.startTime).Round(time.Second)
	progress := 0
	if m.d != nil {
		progress = m.d.Progress
	}

	switch m.status {
	case "connecting":
		b.WriteString(m.spinner.View() + style.DimText.Render(" Connecting to API..."))
	case "running":
		b.WriteString(m.spinner.View() + style.DimText.Render(fmt.Sprintf(" %d%% (%s)", progress, elapsed)))
	case "completed":
		b.WriteString(style.SuccessBox.Render(fmt.Sprintf("✓ %s completed in %s", m.req.Action, elapsed)))
	case "waiting":
		b.WriteString(style.WaitBox.Render(fmt.Sprintf("⏸ Plan saved. Review with caflz status %d --output, then caflz approve %d or caflz cancel %d", m.id, m.id, m.id)))
	case "cancelled":
		b.WriteString(style.WaitBox.Render("Deployment cancelled"))
	case "failed":
		msg := m.req.Action + " failed"
		if m.errMsg != "" {
			msg += ": " + m.errMsg
		}
		b.WriteString(style.ErrorBox.Render("✗ " + msg))
	}
	b.WriteString("\n")
	return b.String()
}

// stepStates derives the step list from the latest deployment snapshot.
func stepStates(action string, d *model.Deployment) []stepState {
	names := actionSteps[action]
	out := make([]stepState, len(names))
	for i, name := range names {
		out[i] = stepState{name: name, status: "pending"}
	}
	if d == nil {
		return out
	}
	if d.Status == model.StatusCompleted {
		for i := range out {
			out[i].status = "completed"
		}
		return out
	}

	current := slices.Index(names, d.CurrentStep)
	if d.CurrentStep == "planned" {
		current = slices.Index(names, "plan") + 1
	}
	for i := range out {
		switch {
		case i < current:
			out[i].status = "completed"
		case i == current && d.Status == model.StatusFailed:
			out[i].status = "failed"
		case i == current && d.Status == model.StatusRunning:
			out[i].status = "running"
		}
	}
	return out
}

// decodeEvent turns a websocket frame into an update for deployment id.
func decodeEvent(id int64, customerID string, frame []byte) (tea.Msg, bool) {
	var evt wsMsg
	if err := json.Unmarshal(frame, &evt); err != nil || evt.CustomerID != customerID {
		return nil, false
	}
	var d model.Deployment
	if err := json.Unmarshal(evt.Payload, &d); err != nil || d.ID != id {
		return nil, false
	}
	return deploymentUpdate{d: d}, true
}

// connectAndSubmit dials the websocket before submitting so no event is
// missed, then pumps matching events into a channel.
func connectAndSubmit(req api.DeployRequest) tea.Cmd {
	return func() tea.Msg {
		conn, _, err := websocket.DefaultDialer.Dial(client.WebSocketURL(), nil)
		if err != nil {
			return watchError{err: fmt.Errorf("websocket connect: %w", err)}
		}

		a, err := client.Deploy(req)
		if err != nil {
			conn.Close()
			return watchError{err: err}
		}

		ch := make(chan tea.Msg, 32)
		go func() {
			defer conn.Close()
			defer close(ch)
			for {
				_, frame, err := conn.ReadMessage()
				if err != nil {
					ch <- watchError{err: fmt.Errorf("websocket read: %w", err)}
					return
				}
				msg, ok := decodeEvent(a.DeploymentID, req.CustomerID, frame)
				if !ok {
					continue
				}
				ch <- msg
				if u := msg.(deploymentUpdate); u.d.Status.Terminal() || u.d.Status == model.StatusPendingApproval {
					return
				}
			}
		}()

		return watchStarted{id: a.DeploymentID, ch: ch}
	}
}

func waitForEvent(ch chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return watchError{err: fmt.Errorf("event stream closed")}
		}
		return msg
	}
}

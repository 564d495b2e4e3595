// Package console is the interactive operator prompt shown when the agent
// runs in a terminal.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dante-gpu/dante-mesh/internal/models"
	"github.com/fatih/color"
)

const prompt = "Agent Command (status/tasks/stop/exit): "

// Controller is the part of agent.Agent the console drives.
type Controller interface {
	Status(ctx context.Context) models.AgentStatus
	Tasks(filter models.TaskFilter) []models.TaskResult
	Stop()
	Done() <-chan struct{}
}

// Console reads operator commands from in and writes replies to out.
type Console struct {
	ctrl Controller
	in   io.Reader
	out  io.Writer
}

// New creates a console for ctrl.
func New(ctrl Controller, in io.Reader, out io.Writer) *Console {
	return &Console{ctrl: ctrl, in: in, out: out}
}

// Run serves commands until the operator types stop or exit, input ends,
// ctx is done or the agent stops by other means. Leaving the console through
// stop, exit or end of input stops the agent.
func (c *Console) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	for {
		fmt.Fprint(c.out, color.CyanString(prompt))
		select {
		case <-ctx.Done():
			fmt.Fprintln(c.out)
			return nil
		case <-c.ctrl.Done():
			fmt.Fprintln(c.out)
			return nil
		case err := <-readErr:
			fmt.Fprintln(c.out)
			c.ctrl.Stop()
			if err != nil {
				return fmt.Errorf("failed to read console input: %w", err)
			}
			return nil
		case line := <-lines:
			if done := c.handle(ctx, line); done {
				return nil
			}
		}
	}
}

// handle executes one command and reports whether the console should end.
func (c *Console) handle(ctx context.Context, line string) bool {
	fields := strings.Fields(strings.ToLower(line))
	if len(fields) == 0 {
		return false
	}

	switch fields[0] {
	case "status":
		c.printStatus(c.ctrl.Status(ctx))
	case "tasks":
		var filter models.TaskFilter
		if len(fields) > 1 {
			status, err := models.ParseTaskStatus(fields[1])
			if err != nil {
				color.New(color.FgRed).Fprintln(c.out, err.Error())
				return false
			}
			filter.Status = &status
		}
		c.printTasks(c.ctrl.Tasks(filter))
	case "stop", "exit":
		color.New(color.FgYellow).Fprintln(c.out, "Stopping agent...")
		c.ctrl.Stop()
		return true
	case "help":
		fmt.Fprintln(c.out, "Available commands: status, tasks [status], stop, exit, help")
	default:
		color.New(color.FgRed).Fprintln(c.out, "Invalid command. Type 'help' for available commands.")
	}
	return false
}

func (c *Console) printStatus(st models.AgentStatus) {
	bold := color.New(color.Bold)
	bold.Fprintf(c.out, "Node %s", st.NodeID)
	fmt.Fprintf(c.out, " (version %s)\n", st.Version)

	state := color.GreenString("running")
	if st.Stopping {
		state = color.YellowString("stopping")
	}
	fmt.Fprintf(c.out, "  State:   %s, up %s\n", state, time.Duration(st.UptimeSeconds*float64(time.Second)).Round(time.Second))
	fmt.Fprintf(c.out, "  CPU:     %s\n", formatMetric(st.Resources.CPU))
	fmt.Fprintf(c.out, "  Memory:  %s\n", formatMetric(st.Resources.Memory))
	fmt.Fprintf(c.out, "  Disk:    %s\n", formatMetric(st.Resources.Disk))
	fmt.Fprintf(c.out, "  Workers: %d/%d busy, queue %d/%d\n", st.ActiveWorkers, st.Workers, st.QueueDepth, st.QueueCapacity)

	counts := make([]string, 0, len(models.AllStatuses))
	for _, s := range models.AllStatuses {
		counts = append(counts, fmt.Sprintf("%s=%d", colorStatus(s), st.TaskCounts[s]))
	}
	fmt.Fprintf(c.out, "  Tasks:   %s\n", strings.Join(counts, " "))
}

func (c *Console) printTasks(results []models.TaskResult) {
	if len(results) == 0 {
		fmt.Fprintln(c.out, "No tasks recorded.")
		return
	}
	color.New(color.Bold).Fprintln(c.out, "Task Execution History:")
	for _, r := range results {
		line := fmt.Sprintf("  - %s (%s) %s", r.TaskID, r.InternalID, colorStatus(r.Status))
		if r.ExitCode != nil {
			line += fmt.Sprintf(" exit=%d", *r.ExitCode)
		}
		line += " start=" + formatTime(r.StartedAt) + " end=" + formatTime(r.EndedAt)
		if r.Reason != "" {
			line += " reason=" + r.Reason
		}
		fmt.Fprintln(c.out, line)
	}
}

func colorStatus(s models.TaskStatus) string {
	switch s {
	case models.StatusSucceeded:
		return color.GreenString(string(s))
	case models.StatusFailed:
		return color.RedString(string(s))
	case models.StatusTimedOut:
		return color.MagentaString(string(s))
	case models.StatusRunning:
		return color.CyanString(string(s))
	default:
		return color.YellowString(string(s))
	}
}

func formatMetric(m models.Metric) string {
	if m.Unavailable {
		return color.RedString("n/a")
	}
	return fmt.Sprintf("%.1f%%", m.Percent)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "N/A"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dante-gpu/dante-mesh/internal/client"
	"github.com/dante-gpu/dante-mesh/internal/models"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type remoteFlags struct {
	addr    string
	timeout time.Duration
}

func (f *remoteFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.addr, "addr", defaultAddr, "Control API address of the running agent")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 10*time.Second, "Request timeout")
}

func (f *remoteFlags) client() *client.Client {
	return client.NewClient(f.addr, f.timeout, zap.NewNop())
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// NewStatusCommand prints the agent status as JSON.
func NewStatusCommand() *cobra.Command {
	var flags remoteFlags
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status of a running agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := flags.client().Status(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
	flags.register(cmd)
	return cmd
}

// NewTasksCommand prints the execution history as JSON.
func NewTasksCommand() *cobra.Command {
	var (
		flags  remoteFlags
		status string
	)
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List tasks executed by a running agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if status != "" {
				if _, err := models.ParseTaskStatus(status); err != nil {
					return err
				}
			}
			results, err := flags.client().Tasks(cmd.Context(), status)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), results)
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&status, "status", "", "Only show tasks in this status (pending, running, succeeded, failed, timed_out)")
	return cmd
}

// NewStopCommand asks a running agent to stop gracefully.
func NewStopCommand() *cobra.Command {
	var flags remoteFlags
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a running agent gracefully",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := flags.client().Stop(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), color.YellowString("Agent stopping"))
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

// NewSubmitCommand publishes a task onto the mesh through a running agent.
func NewSubmitCommand() *cobra.Command {
	var (
		flags       remoteFlags
		taskID      string
		instruction string
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Publish a task to the mesh",
		Long: `Submit publishes a task message on the mesh task topic through a running
agent. The task runs on the agent's peers, never on the submitting agent
itself. Results are kept in each executing node's history.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := flags.client().Submit(cmd.Context(), models.TaskMessage{TaskID: taskID, Instruction: instruction})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", color.GreenString("Task %s published", resp.TaskID), "to the mesh")
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().StringVar(&taskID, "id", "", "Task id (required)")
	cmd.Flags().StringVar(&instruction, "instruction", "", "Code to run (required)")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("instruction")
	return cmd
}

package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

const defaultAddr = "127.0.0.1:7070"

// NewRootCommand creates the mesh-agent command tree.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mesh-agent",
		Short: "Swarm agent for the dante compute mesh",
		Long: `mesh-agent joins a peer-to-peer compute mesh. It listens for task
messages on a shared topic, runs each instruction in a bounded worker pool
and periodically advertises this node's free resources.

A running agent is controlled through its local HTTP API; the status, tasks,
stop and submit commands are thin clients of that API.`,
		Version:      fmt.Sprintf("%s (built %s)", Version, BuildDate),
		SilenceUsage: true,
	}

	cmd.AddCommand(NewRunCommand())
	cmd.AddCommand(NewStatusCommand())
	cmd.AddCommand(NewTasksCommand())
	cmd.AddCommand(NewStopCommand())
	cmd.AddCommand(NewSubmitCommand())
	cmd.AddCommand(NewVersionCommand())

	return cmd
}

// NewVersionCommand prints build information.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("mesh-agent %s (built %s)\n", Version, BuildDate)
		},
	}
}
